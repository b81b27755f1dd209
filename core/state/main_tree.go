package state

import (
	"github.com/ethereum/go-ethereum/common"

	"omniledger/storage/merkle"
)

// MainTrees aggregates every registered app's current AppStateTree roots into
// the chain-wide main roots: one tree for liquidity, one for data, each keyed
// by app address with the app's root as leaf value.
//
// The invariant maintained by callers is that a main leaf always carries the
// owning app's current chronicle root; an app that has never written keeps
// the tree-empty sentinel as its root.
type MainTrees struct {
	liquidity  *merkle.Tree
	data       *merkle.Tree
	lastChange int64
}

// NewMainTrees returns empty main trees.
func NewMainTrees() *MainTrees {
	return &MainTrees{
		liquidity: merkle.NewTree(),
		data:      merkle.NewTree(),
	}
}

// SetAppLiquidityRoot records app's current liquidity root and stamps the
// change time.
func (m *MainTrees) SetAppLiquidityRoot(app common.Address, root common.Hash, now int64) int {
	m.lastChange = now
	return m.liquidity.Update(app.Bytes(), root.Bytes())
}

// SetAppDataRoot records app's current data root and stamps the change time.
func (m *MainTrees) SetAppDataRoot(app common.Address, root common.Hash, now int64) int {
	m.lastChange = now
	return m.data.Update(app.Bytes(), root.Bytes())
}

// Roots returns both main roots and the last change timestamp in O(1).
func (m *MainTrees) Roots() (liquidity, data common.Hash, lastChange int64) {
	return m.liquidity.Root(), m.data.Root(), m.lastChange
}

// LiquidityProof produces the membership proof for app's leaf in the main
// liquidity tree: the leaf index and sibling path verifying against the
// current main liquidity root. Remote settlers carry this proof alongside
// their settlement batches.
func (m *MainTrees) LiquidityProof(app common.Address) (index int, proof []common.Hash, err error) {
	index, ok := m.liquidity.Index(app.Bytes())
	if !ok {
		return 0, nil, merkle.ErrIndexOutOfBounds
	}
	proof, err = m.liquidity.Proof(index)
	return index, proof, err
}

// DataProof is LiquidityProof for the main data tree.
func (m *MainTrees) DataProof(app common.Address) (index int, proof []common.Hash, err error) {
	index, ok := m.data.Index(app.Bytes())
	if !ok {
		return 0, nil, merkle.ErrIndexOutOfBounds
	}
	proof, err = m.data.Proof(index)
	return index, proof, err
}
