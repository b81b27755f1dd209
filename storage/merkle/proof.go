package merkle

import "github.com/ethereum/go-ethereum/common"

// buildLeaves folds a (keys, values) sequence into the leaf layer using the
// same index-assignment rule as Tree.Update: first occurrence of a key claims
// the next index, later occurrences overwrite in place.
func buildLeaves(keys, values [][]byte) ([]common.Hash, error) {
	if len(keys) != len(values) {
		return nil, ErrInvalidLengths
	}
	indexes := make(map[string]int, len(keys))
	leaves := make([]common.Hash, 0, len(keys))
	for i := range keys {
		idx, ok := indexes[string(keys[i])]
		if !ok {
			idx = len(leaves)
			indexes[string(keys[i])] = idx
			leaves = append(leaves, common.Hash{})
		}
		leaves[idx] = LeafHash(keys[i], values[i])
	}
	return leaves, nil
}

func reduceLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := EmptyHash
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, combine(level[i], right))
	}
	return next
}

// ComputeRoot returns the root of the tree that Tree.Update would produce
// after applying the (key, value) sequence in order. It is the pure
// counterpart of the incremental engine and must always agree with it.
func ComputeRoot(keys, values [][]byte) (common.Hash, error) {
	level, err := buildLeaves(keys, values)
	if err != nil {
		return common.Hash{}, err
	}
	if len(level) == 0 {
		return EmptyHash, nil
	}
	for len(level) > 1 {
		level = reduceLevel(level)
	}
	return level[0], nil
}

// GetProof returns the sibling path for the leaf at index within the tree
// described by the (key, value) sequence.
func GetProof(keys, values [][]byte, index int) ([]common.Hash, error) {
	level, err := buildLeaves(keys, values)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(level) {
		return nil, ErrIndexOutOfBounds
	}
	proof := []common.Hash{}
	idx := index
	for len(level) > 1 {
		sibling := EmptyHash
		if s := idx ^ 1; s < len(level) {
			sibling = level[s]
		}
		proof = append(proof, sibling)
		idx /= 2
		level = reduceLevel(level)
	}
	return proof, nil
}

// VerifyProof reports whether (key, value) sits at index in the tree with the
// supplied root, given the sibling path produced by GetProof or Tree.Proof.
func VerifyProof(key, value []byte, index int, proof []common.Hash, root common.Hash) bool {
	if index < 0 {
		return false
	}
	node := LeafHash(key, value)
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			node = combine(node, sibling)
		} else {
			node = combine(sibling, node)
		}
		idx /= 2
	}
	return idx == 0 && node == root
}
