package merkle

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestEmptyTreeRoot(t *testing.T) {
	tree := NewTree()
	if tree.Root() != EmptyHash {
		t.Fatalf("empty tree root = %x, want empty sentinel", tree.Root())
	}
	if tree.Size() != 0 {
		t.Fatalf("empty tree size = %d", tree.Size())
	}
}

func TestSingleLeafMatchesComputeRoot(t *testing.T) {
	tree := NewTree()
	idx := tree.Update([]byte("k1"), []byte("v1"))
	if idx != 0 {
		t.Fatalf("first leaf index = %d", idx)
	}
	want, err := ComputeRoot([][]byte{[]byte("k1")}, [][]byte{[]byte("v1")})
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}
	if tree.Root() != want {
		t.Fatalf("incremental root %x != static root %x", tree.Root(), want)
	}
	if tree.Root() == EmptyHash {
		t.Fatalf("one-leaf root must differ from the empty sentinel")
	}
}

func TestIncrementalAgreesWithStatic(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13, 32, 100} {
		tree := NewTree()
		keys := make([][]byte, 0, n)
		values := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%d", i))
			v := []byte(fmt.Sprintf("value-%d", i))
			keys = append(keys, k)
			values = append(values, v)
			tree.Update(k, v)
		}
		want, err := ComputeRoot(keys, values)
		if err != nil {
			t.Fatalf("n=%d compute root: %v", n, err)
		}
		if tree.Root() != want {
			t.Fatalf("n=%d incremental root %x != static root %x", n, tree.Root(), want)
		}
	}
}

func TestUpdateReusesIndex(t *testing.T) {
	tree := NewTree()
	tree.Update([]byte("a"), []byte("1"))
	tree.Update([]byte("b"), []byte("2"))
	idx := tree.Update([]byte("a"), []byte("3"))
	if idx != 0 {
		t.Fatalf("re-set of existing key moved it to index %d", idx)
	}
	if tree.Size() != 2 {
		t.Fatalf("tree grew on re-set: size=%d", tree.Size())
	}
	want, err := ComputeRoot(
		[][]byte{[]byte("a"), []byte("b"), []byte("a")},
		[][]byte{[]byte("1"), []byte("2"), []byte("3")},
	)
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}
	if tree.Root() != want {
		t.Fatalf("root after re-set %x != static %x", tree.Root(), want)
	}
}

func TestUpdateOrderIndependentForFinalSet(t *testing.T) {
	// Distinct keys inserted once, then re-set in shuffled order: the final
	// root depends only on the final (key, value) set and the original
	// index assignment.
	rng := rand.New(rand.NewSource(7))
	const n = 20
	keys := make([][]byte, n)
	final := make([][]byte, n)
	tree := NewTree()
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("k%02d", i))
		final[i] = []byte(fmt.Sprintf("final-%02d", i))
		tree.Update(keys[i], []byte("initial"))
	}
	order := rng.Perm(n)
	for _, i := range order {
		tree.Update(keys[i], final[i])
	}
	want, err := ComputeRoot(keys, final)
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}
	if tree.Root() != want {
		t.Fatalf("shuffled re-set root %x != static root %x", tree.Root(), want)
	}
}

func TestComputeRootLengthMismatch(t *testing.T) {
	if _, err := ComputeRoot([][]byte{[]byte("a")}, nil); err != ErrInvalidLengths {
		t.Fatalf("expected ErrInvalidLengths, got %v", err)
	}
	if _, err := GetProof([][]byte{[]byte("a")}, nil, 0); err != ErrInvalidLengths {
		t.Fatalf("expected ErrInvalidLengths, got %v", err)
	}
}

func TestProofIndexOutOfBounds(t *testing.T) {
	keys := [][]byte{[]byte("a")}
	values := [][]byte{[]byte("1")}
	if _, err := GetProof(keys, values, 1); err != ErrIndexOutOfBounds {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
	if _, err := GetProof(keys, values, -1); err != ErrIndexOutOfBounds {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
	tree := NewTree()
	tree.Update([]byte("a"), []byte("1"))
	if _, err := tree.Proof(1); err != ErrIndexOutOfBounds {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
}
