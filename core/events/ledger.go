package events

import "github.com/ethereum/go-ethereum/common"

const (
	TypeAppRegistered    = "ledger.app.registered"
	TypeChronicleOpened  = "ledger.chronicle.opened"
	TypeRemoteRootStored = "ledger.remote_root.stored"
	TypeLiquiditySettled = "ledger.liquidity.settled"
	TypeDataSettled      = "ledger.data.settled"
)

// AppRegistered fires when an app is registered with its settler.
type AppRegistered struct {
	App     common.Address
	Settler common.Address
}

func (AppRegistered) EventType() string { return TypeAppRegistered }

// ChronicleOpened fires when a new local or remote chronicle generation
// becomes current.
type ChronicleOpened struct {
	App      common.Address
	ChainUID string // empty for local chronicles
	Version  uint64
}

func (ChronicleOpened) EventType() string { return TypeChronicleOpened }

// RemoteRootStored fires when a synchronized remote root is folded into the
// cache.
type RemoteRootStored struct {
	ChainUID      string
	LiquidityRoot common.Hash
	DataRoot      common.Hash
	Timestamp     int64
}

func (RemoteRootStored) EventType() string { return TypeRemoteRootStored }

// LiquiditySettled fires after a settlement batch is applied.
type LiquiditySettled struct {
	App       common.Address
	ChainUID  string
	Timestamp int64
	Accounts  int
}

func (LiquiditySettled) EventType() string { return TypeLiquiditySettled }

// DataSettled fires after a data batch is applied.
type DataSettled struct {
	App       common.Address
	ChainUID  string
	Timestamp int64
	Keys      int
}

func (DataSettled) EventType() string { return TypeDataSettled }
