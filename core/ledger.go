package core

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"omniledger/core/chronicle"
	"omniledger/core/events"
	"omniledger/core/settlement"
	"omniledger/core/state"
	"omniledger/observability/metrics"
	"omniledger/storage"
)

var (
	// ErrUnknownApp is returned for operations against an unregistered app.
	ErrUnknownApp = errors.New("ledger: app not registered")
	// ErrAppExists rejects double registration.
	ErrAppExists = errors.New("ledger: app already registered")
	// ErrUnauthorizedSettler rejects settlement submissions from anyone but
	// the app's whitelisted settler. No state changes.
	ErrUnauthorizedSettler = errors.New("ledger: caller is not the app settler")
	// ErrUnauthorizedOwner rejects chronicle management from anyone but the
	// app owner.
	ErrUnauthorizedOwner = errors.New("ledger: caller is not the app owner")
)

// RootHook is called after a synchronized remote root is stored. Hooks are
// per-app consumers; a failing hook is isolated and never aborts the apply.
type RootHook func(record settlement.RootRecord)

type appEntry struct {
	owner   common.Address
	settler common.Address
	hook    RootHook
}

// Ledger is one chain's authoritative copy of the replicated ledger. It owns
// the chronicle registry, the main trees aggregating every app's roots, the
// remote root cache and the settlement engine, and it enforces the owner and
// settler whitelists in front of them.
//
// Every exported method is one atomic step: it either completes or leaves no
// observable change.
type Ledger struct {
	mu sync.Mutex

	chainUID string
	registry *chronicle.Registry
	mains    *state.MainTrees
	engine   *settlement.Engine
	apps     map[common.Address]*appEntry

	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
}

// NewLedger creates the ledger for chainUID, persisting settlement ledgers
// through db.
func NewLedger(chainUID string, db storage.Database, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	registry := chronicle.NewRegistry(state.NewKVStore(db))
	return &Ledger{
		chainUID: chainUID,
		registry: registry,
		mains:    state.NewMainTrees(),
		engine:   settlement.NewEngine(registry, settlement.NewRootCache(), logger),
		apps:     make(map[common.Address]*appEntry),
		emitter:  events.NoopEmitter{},
		logger:   logger,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// ChainUID returns the local chain identifier.
func (l *Ledger) ChainUID() string { return l.chainUID }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
	l.registry.SetNowFunc(now)
}

// RegisterApp registers an app with its owner and whitelisted settler and
// opens local chronicle version 1 for it.
func (l *Ledger) RegisterApp(app, owner, settler common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.apps[app]; ok {
		return ErrAppExists
	}
	l.apps[app] = &appEntry{owner: owner, settler: settler}
	chron := l.registry.AddLocalAppChronicle(app)
	now := l.nowFn()
	l.mains.SetAppLiquidityRoot(app, chron.Tree().LiquidityRoot(), now)
	l.mains.SetAppDataRoot(app, chron.Tree().DataRoot(), now)
	metrics.Ledger().ChronicleOpened("local")
	l.emitter.Emit(events.AppRegistered{App: app, Settler: settler})
	l.emitter.Emit(events.ChronicleOpened{App: app, Version: chron.Version()})
	l.logger.Info("app registered",
		slog.String("app", app.Hex()),
		slog.String("settler", settler.Hex()),
	)
	return nil
}

// SetRootHook installs the app's post-sync callback.
func (l *Ledger) SetRootHook(app common.Address, hook RootHook) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.apps[app]
	if !ok {
		return ErrUnknownApp
	}
	entry.hook = hook
	return nil
}

// AddLocalAppChronicle opens a new local state generation for app
// (owner-gated) and repoints the app's main leaves at the fresh roots. The
// new version is returned.
func (l *Ledger) AddLocalAppChronicle(caller, app common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.apps[app]
	if !ok {
		return 0, ErrUnknownApp
	}
	if caller != entry.owner {
		return 0, ErrUnauthorizedOwner
	}
	chron := l.registry.AddLocalAppChronicle(app)
	now := l.nowFn()
	l.mains.SetAppLiquidityRoot(app, chron.Tree().LiquidityRoot(), now)
	l.mains.SetAppDataRoot(app, chron.Tree().DataRoot(), now)
	metrics.Ledger().ChronicleOpened("local")
	l.emitter.Emit(events.ChronicleOpened{App: app, Version: chron.Version()})
	return chron.Version(), nil
}

// AddRemoteAppChronicle opens settlement bookkeeping for (app, chainUID) at
// version (owner- or settler-gated).
func (l *Ledger) AddRemoteAppChronicle(caller, app common.Address, chainUID string, version uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.apps[app]
	if !ok {
		return ErrUnknownApp
	}
	if caller != entry.owner && caller != entry.settler {
		return ErrUnauthorizedSettler
	}
	if _, err := l.registry.AddRemoteAppChronicle(app, chainUID, version); err != nil {
		return err
	}
	metrics.Ledger().ChronicleOpened("remote")
	l.emitter.Emit(events.ChronicleOpened{App: app, ChainUID: chainUID, Version: version})
	return nil
}

// UpdateLocalLiquidity writes an account's local liquidity through the app's
// current chronicle and propagates the new app root into the main tree.
func (l *Ledger) UpdateLocalLiquidity(app, account common.Address, value *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return ErrUnknownApp
	}
	now := l.nowFn()
	chron.SetLiquidity(account, value, now)
	l.mains.SetAppLiquidityRoot(app, chron.Tree().LiquidityRoot(), now)
	metrics.Ledger().LocalUpdate("liquidity")
	return nil
}

// UpdateLocalData writes a keyed payload through the app's current chronicle
// and propagates the new app data root into the main tree.
func (l *Ledger) UpdateLocalData(app common.Address, key, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return ErrUnknownApp
	}
	now := l.nowFn()
	chron.SetData(key, payload)
	l.mains.SetAppDataRoot(app, chron.Tree().DataRoot(), now)
	metrics.Ledger().LocalUpdate("data")
	return nil
}

// GetLocalLiquidity returns the account's current local liquidity.
func (l *Ledger) GetLocalLiquidity(app, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return nil, ErrUnknownApp
	}
	return chron.Liquidity(account), nil
}

// GetLocalLiquidityAt returns the account's local liquidity as of asOf.
func (l *Ledger) GetLocalLiquidityAt(app, account common.Address, asOf int64) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return nil, ErrUnknownApp
	}
	return chron.LiquidityAt(account, asOf), nil
}

// GetSettledLiquidity returns the settled remote liquidity for the account
// from the current (app, chainUID) chronicle.
func (l *Ledger) GetSettledLiquidity(app common.Address, chainUID string, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentRemote(app, chainUID)
	if !ok {
		return nil, chronicle.ErrNoChronicle
	}
	return chron.SettledLiquidity(account), nil
}

// GetAggregatedLiquidity returns the account's local liquidity plus every
// remote chronicle's settled value: the app's total cross-chain view.
func (l *Ledger) GetAggregatedLiquidity(app, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return nil, ErrUnknownApp
	}
	total := chron.Liquidity(account)
	for _, chainUID := range l.registry.RemoteChains(app) {
		if remote, ok := l.registry.CurrentRemote(app, chainUID); ok {
			total = new(big.Int).Add(total, remote.SettledLiquidity(account))
		}
	}
	return total, nil
}

// GetLocalData returns the raw payload stored under key in the app's current
// chronicle.
func (l *Ledger) GetLocalData(app common.Address, key []byte) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return nil, false, ErrUnknownApp
	}
	payload, found := chron.Tree().Data(key)
	return payload, found, nil
}

// GetMainRoots returns the chain's current main roots and the last change
// timestamp.
func (l *Ledger) GetMainRoots() (liquidity, data common.Hash, lastChange int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mains.Roots()
}

// MainLiquidityProof builds the membership proof a remote settler needs for
// app's leaf in the local main liquidity tree.
func (l *Ledger) MainLiquidityProof(app common.Address) (root common.Hash, appRoot common.Hash, index int, proof []common.Hash, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return common.Hash{}, common.Hash{}, 0, nil, ErrUnknownApp
	}
	index, proof, err = l.mains.LiquidityProof(app)
	if err != nil {
		return common.Hash{}, common.Hash{}, 0, nil, err
	}
	root, _, _ = l.mains.Roots()
	return root, chron.Tree().LiquidityRoot(), index, proof, nil
}

// MainDataProof is MainLiquidityProof for the main data tree.
func (l *Ledger) MainDataProof(app common.Address) (root common.Hash, appRoot common.Hash, index int, proof []common.Hash, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chron, ok := l.registry.CurrentLocal(app)
	if !ok {
		return common.Hash{}, common.Hash{}, 0, nil, ErrUnknownApp
	}
	index, proof, err = l.mains.DataProof(app)
	if err != nil {
		return common.Hash{}, common.Hash{}, 0, nil, err
	}
	_, root, _ = l.mains.Roots()
	return root, chron.Tree().DataRoot(), index, proof, nil
}

// GetLastReceivedRemoteRoot returns the newest synchronized record for
// chainUID.
func (l *Ledger) GetLastReceivedRemoteRoot(chainUID string) (settlement.RootRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Roots().Last(chainUID)
}

// GetCurrentRemoteAppChronicle returns the current settlement ledger for
// (app, chainUID).
func (l *Ledger) GetCurrentRemoteAppChronicle(app common.Address, chainUID string) (*chronicle.RemoteAppChronicle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry.CurrentRemote(app, chainUID)
}

// ApplyRemoteRoots folds a synchronized record into the root cache
// (monotonic) and notifies app hooks. Hook failures are isolated: a panicking
// hook is logged and the apply stands.
func (l *Ledger) ApplyRemoteRoots(record settlement.RootRecord) (bool, error) {
	l.mu.Lock()
	applied, err := l.engine.Roots().Update(record)
	if err != nil {
		l.mu.Unlock()
		metrics.Ledger().RemoteRoot(record.ChainUID, "error")
		return false, err
	}
	if !applied {
		l.mu.Unlock()
		metrics.Ledger().RemoteRoot(record.ChainUID, "stale")
		return false, nil
	}
	hooks := make([]RootHook, 0, len(l.apps))
	for _, entry := range l.apps {
		if entry.hook != nil {
			hooks = append(hooks, entry.hook)
		}
	}
	l.mu.Unlock()

	metrics.Ledger().RemoteRoot(record.ChainUID, "applied")
	l.emitter.Emit(events.RemoteRootStored{
		ChainUID:      record.ChainUID,
		LiquidityRoot: record.LiquidityRoot,
		DataRoot:      record.DataRoot,
		Timestamp:     record.Timestamp,
	})
	for _, hook := range hooks {
		l.runHook(hook, record)
	}
	return true, nil
}

func (l *Ledger) runHook(hook RootHook, record settlement.RootRecord) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("root hook panicked",
				slog.String("chain", record.ChainUID),
				slog.Any("panic", r),
			)
		}
	}()
	hook(record)
}

// SettleLiquidity verifies and applies a settler-submitted liquidity batch.
func (l *Ledger) SettleLiquidity(caller common.Address, batch settlement.LiquidityBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.apps[batch.App]
	if !ok {
		return ErrUnknownApp
	}
	if caller != entry.settler {
		metrics.Ledger().Settlement("liquidity", "unauthorized")
		return ErrUnauthorizedSettler
	}
	if err := l.engine.SettleLiquidity(batch); err != nil {
		metrics.Ledger().Settlement("liquidity", "rejected")
		return err
	}
	metrics.Ledger().Settlement("liquidity", "applied")
	l.emitter.Emit(events.LiquiditySettled{
		App:       batch.App,
		ChainUID:  batch.ChainUID,
		Timestamp: batch.Timestamp,
		Accounts:  len(batch.Accounts),
	})
	return nil
}

// SettleData verifies and applies a settler-submitted data batch.
func (l *Ledger) SettleData(caller common.Address, batch settlement.DataBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.apps[batch.App]
	if !ok {
		return ErrUnknownApp
	}
	if caller != entry.settler {
		metrics.Ledger().Settlement("data", "unauthorized")
		return ErrUnauthorizedSettler
	}
	if err := l.engine.SettleData(batch); err != nil {
		metrics.Ledger().Settlement("data", "rejected")
		return err
	}
	metrics.Ledger().Settlement("data", "applied")
	l.emitter.Emit(events.DataSettled{
		App:       batch.App,
		ChainUID:  batch.ChainUID,
		Timestamp: batch.Timestamp,
		Keys:      len(batch.Keys),
	})
	return nil
}
