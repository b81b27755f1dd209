package chronicle

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoChronicle is returned when an operation needs a chronicle that
	// has not been opened.
	ErrNoChronicle = errors.New("chronicle: no chronicle opened")
	// ErrStaleVersion rejects opening a remote chronicle at a version at or
	// below the current one. Versions grow monotonically and are never
	// reused, so a root committed under an old generation stays verifiable
	// against exactly that generation.
	ErrStaleVersion = errors.New("chronicle: version not above current")
)

// Registry tracks every chronicle generation per app: local state-tree
// generations and per-remote-chain settlement ledgers. Switching the current
// generation never deletes an older one; history stays queryable.
//
// Authorization (owner/settler gating for opening chronicles) is enforced by
// the enclosing ledger, not here.
type Registry struct {
	store Storage
	nowFn func() int64

	locals  map[common.Address][]*LocalAppChronicle
	remotes map[common.Address]map[string][]*RemoteAppChronicle
}

// NewRegistry creates a registry persisting remote ledgers through store.
func NewRegistry(store Storage) *Registry {
	return &Registry{
		store:   store,
		nowFn:   func() int64 { return time.Now().Unix() },
		locals:  make(map[common.Address][]*LocalAppChronicle),
		remotes: make(map[common.Address]map[string][]*RemoteAppChronicle),
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// AddLocalAppChronicle opens a new local state generation for app and makes
// it current for writes. The previous generation stays readable. The new
// generation's version is returned.
func (r *Registry) AddLocalAppChronicle(app common.Address) *LocalAppChronicle {
	version := uint64(len(r.locals[app]) + 1)
	chron := newLocalAppChronicle(app, version, r.nowFn())
	r.locals[app] = append(r.locals[app], chron)
	return chron
}

// CurrentLocal returns the app's current local generation.
func (r *Registry) CurrentLocal(app common.Address) (*LocalAppChronicle, bool) {
	chrons := r.locals[app]
	if len(chrons) == 0 {
		return nil, false
	}
	return chrons[len(chrons)-1], true
}

// LocalVersion returns the app's local generation with the given version.
func (r *Registry) LocalVersion(app common.Address, version uint64) (*LocalAppChronicle, bool) {
	chrons := r.locals[app]
	if version == 0 || version > uint64(len(chrons)) {
		return nil, false
	}
	return chrons[version-1], true
}

// AddRemoteAppChronicle opens settlement bookkeeping for exactly the
// (app, chainUID, version) triple and makes it current for that pair. The
// version must exceed the current remote version for the pair.
func (r *Registry) AddRemoteAppChronicle(app common.Address, chainUID string, version uint64) (*RemoteAppChronicle, error) {
	byChain, ok := r.remotes[app]
	if !ok {
		byChain = make(map[string][]*RemoteAppChronicle)
		r.remotes[app] = byChain
	}
	chrons := byChain[chainUID]
	if len(chrons) > 0 && version <= chrons[len(chrons)-1].Version() {
		return nil, ErrStaleVersion
	}
	if version == 0 {
		return nil, ErrStaleVersion
	}
	chron, err := newRemoteAppChronicle(app, chainUID, version, r.nowFn(), r.store)
	if err != nil {
		return nil, err
	}
	byChain[chainUID] = append(chrons, chron)
	return chron, nil
}

// CurrentRemote returns the current settlement ledger for (app, chainUID).
func (r *Registry) CurrentRemote(app common.Address, chainUID string) (*RemoteAppChronicle, bool) {
	chrons := r.remotes[app][chainUID]
	if len(chrons) == 0 {
		return nil, false
	}
	return chrons[len(chrons)-1], true
}

// RemoteVersion returns the (app, chainUID) ledger with the given version.
func (r *Registry) RemoteVersion(app common.Address, chainUID string, version uint64) (*RemoteAppChronicle, bool) {
	for _, chron := range r.remotes[app][chainUID] {
		if chron.Version() == version {
			return chron, true
		}
	}
	return nil, false
}

// RemoteChains lists every chain UID with an open ledger for app.
func (r *Registry) RemoteChains(app common.Address) []string {
	chains := make([]string, 0, len(r.remotes[app]))
	for chainUID := range r.remotes[app] {
		chains = append(chains, chainUID)
	}
	return chains
}
