package chronicle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"omniledger/storage/snapshot"
)

var (
	// ErrAlreadySettled guards replay: a (timestamp, claimedRoot) pair can
	// be folded into a remote chronicle at most once.
	ErrAlreadySettled = errors.New("chronicle: timestamp already settled")
	// ErrInvalidLengths is returned when a settlement batch's key and value
	// slices disagree in length.
	ErrInvalidLengths = errors.New("chronicle: batch lengths differ")
)

// Storage is the subset of state-manager functionality the settlement ledger
// persists through.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// RemoteAppChronicle owns the settlement bookkeeping for exactly one
// (app, remote chain, version) triple: settled liquidity and data per
// account/key plus the settled-timestamp replay guard. The ledger is durable;
// on open it rehydrates from storage so settled values survive restarts.
type RemoteAppChronicle struct {
	app            common.Address
	chainUID       string
	version        uint64
	startTimestamp int64

	store Storage

	liquidity *snapshot.Store
	accounts  map[common.Address]struct{}
	data      map[string][]byte
	total     *big.Int

	settledLiquidity map[int64]common.Hash
	settledData      map[int64]common.Hash
	lastSettled      int64
}

type storedSettledValue struct {
	Timestamp uint64
	Value     string
}

type storedDataValue struct {
	Key   []byte
	Value []byte
}

type storedSettledMark struct {
	Timestamp uint64
	Root      common.Hash
}

type storedLedgerMeta struct {
	StartTimestamp uint64
	Total          string
	LastSettled    uint64
	Accounts       []common.Address
	DataKeys       [][]byte
}

func newRemoteAppChronicle(app common.Address, chainUID string, version uint64, startTimestamp int64, store Storage) (*RemoteAppChronicle, error) {
	c := &RemoteAppChronicle{
		app:              app,
		chainUID:         chainUID,
		version:          version,
		startTimestamp:   startTimestamp,
		store:            store,
		liquidity:        snapshot.NewStore(),
		accounts:         make(map[common.Address]struct{}),
		data:             make(map[string][]byte),
		total:            big.NewInt(0),
		settledLiquidity: make(map[int64]common.Hash),
		settledData:      make(map[int64]common.Hash),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// App returns the owning app address.
func (c *RemoteAppChronicle) App() common.Address { return c.app }

// ChainUID returns the remote chain this ledger settles against.
func (c *RemoteAppChronicle) ChainUID() string { return c.chainUID }

// Version returns the chronicle's generation number.
func (c *RemoteAppChronicle) Version() uint64 { return c.version }

// StartTimestamp returns the instant this generation was opened.
func (c *RemoteAppChronicle) StartTimestamp() int64 { return c.startTimestamp }

// SettleLiquidity folds a verified batch of remote account liquidity into the
// ledger. The whole batch applies atomically: validation happens before the
// first write, storage writes work off a staged copy, and the in-memory
// ledger commits only after persistence succeeds, so a failed persist leaves
// the batch retryable.
func (c *RemoteAppChronicle) SettleLiquidity(timestamp int64, claimedRoot common.Hash, accounts []common.Address, values []*big.Int) error {
	if len(accounts) != len(values) {
		return ErrInvalidLengths
	}
	if _, ok := c.settledLiquidity[timestamp]; ok {
		return ErrAlreadySettled
	}
	staged := c.liquidity.Clone()
	total := new(big.Int).Set(c.total)
	for i, account := range accounts {
		value := values[i]
		if value == nil {
			value = big.NewInt(0)
		}
		// The total tracks the sum of latest settled values. An entry at an
		// older timestamp fills history without superseding the latest, so it
		// must not move the total.
		if entry, ok := staged.Latest(settledSubject(account)); !ok || timestamp >= entry.Timestamp {
			prev := big.NewInt(0)
			if ok {
				prev = parseDecimal(entry.Value)
			}
			total.Add(total, new(big.Int).Sub(value, prev))
		}
		staged.Set(settledSubject(account), []byte(value.String()), timestamp)
	}
	lastSettled := c.lastSettled
	if timestamp > lastSettled {
		lastSettled = timestamp
	}

	if err := c.persistLiquidity(staged, accounts, total, lastSettled, timestamp, claimedRoot); err != nil {
		return err
	}

	c.liquidity = staged
	c.total = total
	c.lastSettled = lastSettled
	for _, account := range accounts {
		c.accounts[account] = struct{}{}
	}
	c.settledLiquidity[timestamp] = claimedRoot
	return nil
}

// SettleData folds a verified batch of remote keyed data into the ledger.
func (c *RemoteAppChronicle) SettleData(timestamp int64, claimedRoot common.Hash, keys [][]byte, values [][]byte) error {
	if len(keys) != len(values) {
		return ErrInvalidLengths
	}
	if _, ok := c.settledData[timestamp]; ok {
		return ErrAlreadySettled
	}
	staged := make(map[string][]byte, len(keys))
	for i, key := range keys {
		staged[string(key)] = append([]byte(nil), values[i]...)
	}
	lastSettled := c.lastSettled
	if timestamp > lastSettled {
		lastSettled = timestamp
	}

	if err := c.persistData(staged, keys, lastSettled, timestamp, claimedRoot); err != nil {
		return err
	}

	for key, value := range staged {
		c.data[key] = value
	}
	c.lastSettled = lastSettled
	c.settledData[timestamp] = claimedRoot
	return nil
}

// SettledLiquidity returns the most recently settled liquidity for account.
func (c *RemoteAppChronicle) SettledLiquidity(account common.Address) *big.Int {
	return c.settledLiquidityNow(account)
}

// SettledLiquidityAt returns the settled liquidity for account as of the
// given timestamp.
func (c *RemoteAppChronicle) SettledLiquidityAt(account common.Address, asOf int64) *big.Int {
	raw, ok := c.liquidity.Get(settledSubject(account), asOf)
	if !ok {
		return big.NewInt(0)
	}
	return parseDecimal(raw)
}

// SettledData returns the settled value stored under key.
func (c *RemoteAppChronicle) SettledData(key []byte) ([]byte, bool) {
	value, ok := c.data[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// TotalSettledLiquidity returns the running sum over every settled account.
func (c *RemoteAppChronicle) TotalSettledLiquidity() *big.Int {
	return new(big.Int).Set(c.total)
}

// IsLiquiditySettled reports whether a liquidity batch at timestamp was
// already applied.
func (c *RemoteAppChronicle) IsLiquiditySettled(timestamp int64) bool {
	_, ok := c.settledLiquidity[timestamp]
	return ok
}

// IsDataSettled reports whether a data batch at timestamp was already applied.
func (c *RemoteAppChronicle) IsDataSettled(timestamp int64) bool {
	_, ok := c.settledData[timestamp]
	return ok
}

// LastSettledTimestamp returns the greatest settled timestamp in either
// ledger, zero if nothing settled yet.
func (c *RemoteAppChronicle) LastSettledTimestamp() int64 {
	return c.lastSettled
}

func (c *RemoteAppChronicle) settledLiquidityNow(account common.Address) *big.Int {
	entry, ok := c.liquidity.Latest(settledSubject(account))
	if !ok {
		return big.NewInt(0)
	}
	return parseDecimal(entry.Value)
}

func settledSubject(account common.Address) string {
	return "settled/" + account.Hex()
}

func parseDecimal(raw []byte) *big.Int {
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return big.NewInt(0)
	}
	return value
}

func (c *RemoteAppChronicle) keyPrefix() string {
	return fmt.Sprintf("chronicle/%s/%s/%s/", strings.ToLower(c.app.Hex()), c.chainUID, versionLabel(c.version))
}

func (c *RemoteAppChronicle) accountKey(account common.Address) []byte {
	return []byte(c.keyPrefix() + "liq/" + strings.ToLower(account.Hex()))
}

func (c *RemoteAppChronicle) dataKey(key []byte) []byte {
	return append([]byte(c.keyPrefix()+"data/"), key...)
}

func (c *RemoteAppChronicle) metaKey() []byte {
	return []byte(c.keyPrefix() + "meta")
}

func (c *RemoteAppChronicle) settledKey(kind string) []byte {
	return []byte(c.keyPrefix() + "settled/" + kind)
}

// persistLiquidity writes a staged batch: account histories first, then the
// meta record, then the settled mark. The mark is the durable commit point; a
// failure at any earlier step leaves a retry able to overwrite the same keys,
// and re-persisted histories make the total delta recompute to zero.
func (c *RemoteAppChronicle) persistLiquidity(staged *snapshot.Store, accounts []common.Address, total *big.Int, lastSettled, timestamp int64, claimedRoot common.Hash) error {
	seen := make(map[common.Address]struct{}, len(accounts))
	for _, account := range accounts {
		if _, ok := seen[account]; ok {
			continue
		}
		seen[account] = struct{}{}
		entries := staged.Entries(settledSubject(account))
		history := make([]storedSettledValue, 0, len(entries))
		for _, entry := range entries {
			history = append(history, storedSettledValue{Timestamp: clampUint(entry.Timestamp), Value: string(entry.Value)})
		}
		if err := c.store.KVPut(c.accountKey(account), history); err != nil {
			return err
		}
	}
	if err := c.persistMeta(total, lastSettled, accounts, nil); err != nil {
		return err
	}
	marks := append(c.settledMarks(c.settledLiquidity), storedSettledMark{Timestamp: clampUint(timestamp), Root: claimedRoot})
	return c.store.KVPut(c.settledKey("liquidity"), marks)
}

func (c *RemoteAppChronicle) persistData(staged map[string][]byte, keys [][]byte, lastSettled, timestamp int64, claimedRoot common.Hash) error {
	for _, key := range keys {
		if err := c.store.KVPut(c.dataKey(key), storedDataValue{Key: key, Value: staged[string(key)]}); err != nil {
			return err
		}
	}
	if err := c.persistMeta(c.total, lastSettled, nil, keys); err != nil {
		return err
	}
	marks := append(c.settledMarks(c.settledData), storedSettledMark{Timestamp: clampUint(timestamp), Root: claimedRoot})
	return c.store.KVPut(c.settledKey("data"), marks)
}

func (c *RemoteAppChronicle) persistMeta(total *big.Int, lastSettled int64, extraAccounts []common.Address, extraKeys [][]byte) error {
	accounts := make(map[common.Address]struct{}, len(c.accounts)+len(extraAccounts))
	for account := range c.accounts {
		accounts[account] = struct{}{}
	}
	for _, account := range extraAccounts {
		accounts[account] = struct{}{}
	}
	dataKeys := make(map[string]struct{}, len(c.data)+len(extraKeys))
	for key := range c.data {
		dataKeys[key] = struct{}{}
	}
	for _, key := range extraKeys {
		dataKeys[string(key)] = struct{}{}
	}
	meta := storedLedgerMeta{
		StartTimestamp: clampUint(c.startTimestamp),
		Total:          total.String(),
		LastSettled:    clampUint(lastSettled),
		Accounts:       make([]common.Address, 0, len(accounts)),
		DataKeys:       make([][]byte, 0, len(dataKeys)),
	}
	for account := range accounts {
		meta.Accounts = append(meta.Accounts, account)
	}
	for key := range dataKeys {
		meta.DataKeys = append(meta.DataKeys, []byte(key))
	}
	return c.store.KVPut(c.metaKey(), meta)
}

func (c *RemoteAppChronicle) load() error {
	var meta storedLedgerMeta
	ok, err := c.store.KVGet(c.metaKey(), &meta)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.total = parseDecimal([]byte(meta.Total))
	c.lastSettled = int64(meta.LastSettled)
	for _, account := range meta.Accounts {
		c.accounts[account] = struct{}{}
		var history []storedSettledValue
		if _, err := c.store.KVGet(c.accountKey(account), &history); err != nil {
			return err
		}
		for _, entry := range history {
			c.liquidity.Set(settledSubject(account), []byte(entry.Value), int64(entry.Timestamp))
		}
	}
	for _, key := range meta.DataKeys {
		var stored storedDataValue
		ok, err := c.store.KVGet(c.dataKey(key), &stored)
		if err != nil {
			return err
		}
		if ok {
			c.data[string(key)] = stored.Value
		}
	}
	var liquidityMarks []storedSettledMark
	if _, err := c.store.KVGet(c.settledKey("liquidity"), &liquidityMarks); err != nil {
		return err
	}
	for _, mark := range liquidityMarks {
		c.settledLiquidity[int64(mark.Timestamp)] = mark.Root
	}
	var dataMarks []storedSettledMark
	if _, err := c.store.KVGet(c.settledKey("data"), &dataMarks); err != nil {
		return err
	}
	for _, mark := range dataMarks {
		c.settledData[int64(mark.Timestamp)] = mark.Root
	}
	return nil
}

func (c *RemoteAppChronicle) settledMarks(set map[int64]common.Hash) []storedSettledMark {
	marks := make([]storedSettledMark, 0, len(set))
	for ts, root := range set {
		marks = append(marks, storedSettledMark{Timestamp: clampUint(ts), Root: root})
	}
	return marks
}

func clampUint(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}
