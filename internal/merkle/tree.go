package merkle

import (
	"fmt"
	"io"
	"math/bits"
)

// Tree is a Merkle tree over chunk values. Level 0 holds the salted leaves;
// every level with an odd number of nodes below the root is padded with Empty.
type Tree struct {
	levels [][]Hash
	count  uint64
}

// Build computes the tree for the given chunk values.
func Build(values []Hash) (*Tree, error) {
	if len(values) == 0 {
		return nil, ErrNoChunks
	}

	level := make([]Hash, len(values))
	for i, v := range values {
		level[i] = Leaf(v, uint64(i))
	}

	t := &Tree{count: uint64(len(values))}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, Empty)
		}
		t.levels = append(t.levels, level)

		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = Node(level[2*i], level[2*i+1])
		}
		level = next
	}
	t.levels = append(t.levels, level)
	return t, nil
}

// BuildFromReader reads a file of fileSize bytes from r and builds its tree.
func BuildFromReader(r io.Reader, fileSize uint64) (*Tree, error) {
	values, err := ReadChunks(r, fileSize)
	if err != nil {
		return nil, err
	}
	return Build(values)
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of chunks in the tree.
func (t *Tree) Len() uint64 {
	return t.count
}

// Proof returns the sibling path from leaf index up to, but excluding, the root.
func (t *Tree) Proof(index uint64) ([]Hash, error) {
	if index >= t.count {
		return nil, fmt.Errorf("chunk %d out of range [0, %d)", index, t.count)
	}
	path := make([]Hash, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		if index%2 == 0 {
			path = append(path, level[index+1])
		} else {
			path = append(path, level[index-1])
		}
		index /= 2
	}
	return path, nil
}

// Depth returns the proof length for a tree of n chunks, ceil(log2(n)).
func Depth(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// Verify checks that value is chunk index of a file with chunkCount chunks
// committed to by root.
func Verify(value Hash, index uint64, path []Hash, root Hash, chunkCount uint64) bool {
	if chunkCount == 0 || index >= chunkCount || len(path) != Depth(chunkCount) {
		return false
	}
	h := Leaf(value, index)
	for _, sibling := range path {
		h = Node(h, sibling)
	}
	return h == root
}
