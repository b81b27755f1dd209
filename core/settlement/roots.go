package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"omniledger/storage/snapshot"
)

// RootRecord is one synchronized view of a remote chain's main roots.
type RootRecord struct {
	ChainUID      string
	LiquidityRoot common.Hash
	DataRoot      common.Hash
	Timestamp     int64
}

type storedRootRecord struct {
	LiquidityRoot common.Hash
	DataRoot      common.Hash
	Timestamp     uint64
}

// RootCache keeps, per remote chain, the timestamped history of main roots
// the local chain has fetched and trusts. Settlements verify against this
// cache: a batch can only apply data the chain already synchronized.
//
// Updates are monotonic per chain: a record is accepted only when its
// timestamp is at or after the newest stored one. Older history stays
// addressable through At for point-in-time staleness checks.
type RootCache struct {
	history *snapshot.Store
	last    map[string]RootRecord
}

// NewRootCache returns an empty cache.
func NewRootCache() *RootCache {
	return &RootCache{
		history: snapshot.NewStore(),
		last:    make(map[string]RootRecord),
	}
}

// Update folds a synchronized record into the cache. It reports whether the
// record was applied; a record older than the newest stored one is dropped.
func (c *RootCache) Update(record RootRecord) (bool, error) {
	if last, ok := c.last[record.ChainUID]; ok && record.Timestamp < last.Timestamp {
		return false, nil
	}
	ts := record.Timestamp
	if ts < 0 {
		ts = 0
	}
	encoded, err := rlp.EncodeToBytes(storedRootRecord{
		LiquidityRoot: record.LiquidityRoot,
		DataRoot:      record.DataRoot,
		Timestamp:     uint64(ts),
	})
	if err != nil {
		return false, err
	}
	c.history.Set(record.ChainUID, encoded, record.Timestamp)
	c.last[record.ChainUID] = record
	return true, nil
}

// Last returns the most recently received record for chainUID.
func (c *RootCache) Last(chainUID string) (RootRecord, bool) {
	record, ok := c.last[chainUID]
	return record, ok
}

// At returns the record valid at or before asOf for chainUID.
func (c *RootCache) At(chainUID string, asOf int64) (RootRecord, bool) {
	raw, ok := c.history.Get(chainUID, asOf)
	if !ok {
		return RootRecord{}, false
	}
	var stored storedRootRecord
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return RootRecord{}, false
	}
	return RootRecord{
		ChainUID:      chainUID,
		LiquidityRoot: stored.LiquidityRoot,
		DataRoot:      stored.DataRoot,
		Timestamp:     int64(stored.Timestamp),
	}, true
}
