package merkle

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidLengths is returned when a key slice and value slice of
	// differing lengths are supplied to a batch operation.
	ErrInvalidLengths = errors.New("merkle: key and value lengths differ")
	// ErrIndexOutOfBounds is returned when a leaf index falls outside the
	// tree built from the supplied key set.
	ErrIndexOutOfBounds = errors.New("merkle: leaf index out of bounds")
)

// EmptyHash is the sentinel standing in for an absent leaf or sibling. It is a
// keccak-derived constant rather than the zero hash so that an all-zero leaf
// cannot be confused with an unset position.
var EmptyHash = ethcrypto.Keccak256Hash([]byte("omniledger/merkle/empty"))

// LeafHash commits a key/value pair into a single leaf.
func LeafHash(key, value []byte) common.Hash {
	return ethcrypto.Keccak256Hash(key, value)
}

func combine(left, right common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(left[:], right[:])
}

// Tree is an append-only incremental Merkle tree over (key, value) leaves.
//
// New keys are assigned the next sequential leaf index; re-setting an existing
// key reuses its index, so the tree never shrinks and never reorders. A node
// missing its right sibling pairs with EmptyHash. The root of an empty tree is
// EmptyHash and the root of a single-leaf tree is that leaf.
//
// Tree is not safe for concurrent use; ownership follows the enclosing
// chronicle, which the host mutates one call at a time.
type Tree struct {
	keyToIndex map[string]int
	levels     [][]common.Hash
	root       common.Hash
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		keyToIndex: make(map[string]int),
		levels:     [][]common.Hash{nil},
		root:       EmptyHash,
	}
}

// Size reports the number of leaves committed so far.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// Root returns the current root, reflecting every Update applied so far.
func (t *Tree) Root() common.Hash {
	return t.root
}

// Index returns the leaf index assigned to key, if the key has been set.
func (t *Tree) Index(key []byte) (int, bool) {
	idx, ok := t.keyToIndex[string(key)]
	return idx, ok
}

// Update sets the leaf for key to LeafHash(key, value) and recomputes the
// ancestors along its path. The assigned leaf index is returned.
func (t *Tree) Update(key, value []byte) int {
	idx, ok := t.keyToIndex[string(key)]
	if !ok {
		idx = len(t.levels[0])
		t.keyToIndex[string(key)] = idx
		t.levels[0] = append(t.levels[0], common.Hash{})
	}
	t.levels[0][idx] = LeafHash(key, value)
	t.recompute(idx)
	return idx
}

// recompute walks the path from leaf idx to the root, rebuilding one parent
// per level. Sibling-less nodes pair with EmptyHash.
func (t *Tree) recompute(idx int) {
	level := 0
	for len(t.levels[level]) > 1 {
		pos := idx &^ 1
		left := t.levels[level][pos]
		right := EmptyHash
		if pos+1 < len(t.levels[level]) {
			right = t.levels[level][pos+1]
		}
		parent := combine(left, right)
		if level+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}
		idx /= 2
		if idx == len(t.levels[level+1]) {
			t.levels[level+1] = append(t.levels[level+1], parent)
		} else {
			t.levels[level+1][idx] = parent
		}
		level++
	}
	if len(t.levels[level]) == 0 {
		t.root = EmptyHash
		return
	}
	t.root = t.levels[level][0]
}

// Proof returns the sibling path for the leaf currently stored at index. The
// proof verifies against the tree's current root.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexOutOfBounds
	}
	proof := make([]common.Hash, 0, len(t.levels)-1)
	idx := index
	for level := 0; len(t.levels[level]) > 1; level++ {
		sibling := EmptyHash
		if s := idx ^ 1; s < len(t.levels[level]) {
			sibling = t.levels[level][s]
		}
		proof = append(proof, sibling)
		idx /= 2
	}
	return proof, nil
}
