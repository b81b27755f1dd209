package chronicle

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"omniledger/core/state"
	"omniledger/storage/snapshot"
)

// LocalAppChronicle owns one generation of an app's local state pair. Opening
// a new generation leaves older ones readable; the registry decides which one
// is current for writes.
type LocalAppChronicle struct {
	app            common.Address
	version        uint64
	startTimestamp int64

	tree    *state.AppStateTree
	history *snapshot.Store
}

func newLocalAppChronicle(app common.Address, version uint64, startTimestamp int64) *LocalAppChronicle {
	return &LocalAppChronicle{
		app:            app,
		version:        version,
		startTimestamp: startTimestamp,
		tree:           state.NewAppStateTree(),
		history:        snapshot.NewStore(),
	}
}

// App returns the owning app address.
func (c *LocalAppChronicle) App() common.Address { return c.app }

// Version returns the chronicle's generation number.
func (c *LocalAppChronicle) Version() uint64 { return c.version }

// StartTimestamp returns the instant this generation became current.
func (c *LocalAppChronicle) StartTimestamp() int64 { return c.startTimestamp }

// Tree exposes the owned state pair.
func (c *LocalAppChronicle) Tree() *state.AppStateTree { return c.tree }

// SetLiquidity writes the account's local liquidity at now and records it in
// the point-in-time history.
func (c *LocalAppChronicle) SetLiquidity(account common.Address, value *big.Int, now int64) {
	if value == nil {
		value = big.NewInt(0)
	}
	c.tree.SetLiquidity(account, value)
	c.history.Set(historySubject(account), []byte(value.String()), now)
}

// SetData writes a data payload. Data carries no point-in-time history; only
// the current value is committed.
func (c *LocalAppChronicle) SetData(key, payload []byte) {
	c.tree.SetData(key, payload)
}

// Liquidity returns the account's current local liquidity in this generation.
func (c *LocalAppChronicle) Liquidity(account common.Address) *big.Int {
	return c.tree.Liquidity(account)
}

// LiquidityAt returns the account's local liquidity as of the given
// timestamp, zero if the account had no value by then.
func (c *LocalAppChronicle) LiquidityAt(account common.Address, asOf int64) *big.Int {
	raw, ok := c.history.Get(historySubject(account), asOf)
	if !ok {
		return big.NewInt(0)
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return big.NewInt(0)
	}
	return value
}

func historySubject(account common.Address) string {
	return "liq/" + account.Hex()
}

// versionLabel renders a version for storage keys and log fields.
func versionLabel(version uint64) string {
	return strconv.FormatUint(version, 10)
}
