package merkle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"
)

func TestChunkSize(t *testing.T) {
	tests := []struct {
		name     string
		fileSize uint64
		want     uint64
	}{
		{name: "one byte", fileSize: 1, want: 64},
		{name: "floor applies", fileSize: 128 * 63, want: 64},
		{name: "exact multiple", fileSize: 128 * 100, want: 100},
		{name: "remainder rounds up", fileSize: 128*100 + 1, want: 101},
		{name: "10 MiB", fileSize: 10 << 20, want: 81920},
		{name: "100 GiB", fileSize: 100 << 30, want: 838860800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChunkSize(tt.fileSize))
		})
	}
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, uint64(0), ChunkCount(0))
	assert.Equal(t, uint64(1), ChunkCount(1))
	assert.Equal(t, uint64(1), ChunkCount(64))
	assert.Equal(t, uint64(2), ChunkCount(65))
	assert.Equal(t, uint64(128), ChunkCount(128*100))
	assert.Equal(t, uint64(127), ChunkCount(128*100+1))
	assert.LessOrEqual(t, ChunkCount(10<<20), uint64(TargetChunks))
}

func TestDepth(t *testing.T) {
	tests := map[uint64]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 9: 4, 127: 7, 128: 7}
	for n, want := range tests {
		assert.Equal(t, want, Depth(n), "depth of %d", n)
	}
}

func TestNode_Symmetric(t *testing.T) {
	a := ChunkHash([]byte("left"))
	b := ChunkHash([]byte("right"))
	assert.Equal(t, Node(a, b), Node(b, a))
	assert.Equal(t, ChunkHash(Empty[:]), Node(a, a), "x^x folds to the empty value")
}

func TestLeaf_IndexSalted(t *testing.T) {
	v := ChunkHash([]byte("same chunk"))
	assert.NotEqual(t, Leaf(v, 0), Leaf(v, 1))
	assert.Equal(t, Leaf(v, 7), Leaf(v, 7))
}

func TestBuild_NoChunks(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, ErrNoChunks)

	_, err = ReadChunks(bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, ErrNoChunks)
}

func TestBuild_SingleChunk(t *testing.T) {
	v := ChunkHash([]byte("tiny file"))
	tree, err := Build([]Hash{v})
	require.NoError(t, err)

	assert.Equal(t, Leaf(v, 0), tree.Root())
	path, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.True(t, Verify(v, 0, path, tree.Root(), 1))
}

func TestBuild_OddLevelsArePadded(t *testing.T) {
	values := []Hash{ChunkHash([]byte{1}), ChunkHash([]byte{2}), ChunkHash([]byte{3})}
	tree, err := Build(values)
	require.NoError(t, err)

	left := Node(Leaf(values[0], 0), Leaf(values[1], 1))
	right := Node(Leaf(values[2], 2), Empty)
	assert.Equal(t, Node(left, right), tree.Root())

	path, err := tree.Proof(2)
	require.NoError(t, err)
	assert.Equal(t, []Hash{Empty, left}, path)
}

func TestVerify_RoundTrip(t *testing.T) {
	sizes := []uint64{1, 63, 64, 65, 1000, 128 * 64, 128*64 + 1, 100_003}

	for _, size := range sizes {
		data := frand.Bytes(int(size))
		values, err := ReadChunks(bytes.NewReader(data), size)
		require.NoError(t, err)
		require.Equal(t, ChunkCount(size), uint64(len(values)))

		tree, err := Build(values)
		require.NoError(t, err)
		root := tree.Root()
		count := tree.Len()

		for i := uint64(0); i < count; i++ {
			path, err := tree.Proof(i)
			require.NoError(t, err)
			require.Len(t, path, Depth(count))

			chunk, err := ReadChunk(bytes.NewReader(data), size, i)
			require.NoError(t, err)
			value := ChunkHash(chunk)
			require.Equal(t, values[i], value)
			require.True(t, Verify(value, i, path, root, count), "size %d chunk %d", size, i)

			flipped := value
			flipped[frand.Intn(HashSize)] ^= 1 << uint(frand.Intn(8))
			assert.False(t, Verify(flipped, i, path, root, count), "flipped chunk value accepted")

			if len(path) > 0 {
				bad := append([]Hash(nil), path...)
				j := frand.Intn(len(bad))
				bad[j][frand.Intn(HashSize)] ^= 1 << uint(frand.Intn(8))
				assert.False(t, Verify(value, i, bad, root, count), "flipped path entry accepted")
			}
		}
	}
}

func TestVerify_Rejects(t *testing.T) {
	values := make([]Hash, 9)
	for i := range values {
		values[i] = ChunkHash(frand.Bytes(32))
	}
	tree, err := Build(values)
	require.NoError(t, err)
	path, err := tree.Proof(4)
	require.NoError(t, err)

	tests := []struct {
		name  string
		value Hash
		index uint64
		path  []Hash
		count uint64
	}{
		{name: "wrong index", value: values[4], index: 5, path: path, count: 9},
		{name: "index out of range", value: values[4], index: 9, path: path, count: 9},
		{name: "short path", value: values[4], index: 4, path: path[:len(path)-1], count: 9},
		{name: "long path", value: values[4], index: 4, path: append(append([]Hash(nil), path...), Empty), count: 9},
		{name: "wrong chunk count", value: values[4], index: 4, path: path, count: 17},
		{name: "zero chunks", value: values[4], index: 0, path: nil, count: 0},
	}

	assert.True(t, Verify(values[4], 4, path, tree.Root(), 9))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Verify(tt.value, tt.index, tt.path, tree.Root(), tt.count))
		})
	}
}

func TestHash_Text(t *testing.T) {
	h := ChunkHash([]byte("hello"))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	prefixed, err := ParseHash("0x" + h.String())
	require.NoError(t, err)
	assert.Equal(t, h, prefixed)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestBuildFromReader(t *testing.T) {
	data := frand.Bytes(10_000)
	tree, err := BuildFromReader(bytes.NewReader(data), uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, ChunkCount(uint64(len(data))), tree.Len())

	chunk, err := ReadChunk(bytes.NewReader(data), uint64(len(data)), 3)
	require.NoError(t, err)
	path, err := tree.Proof(3)
	require.NoError(t, err)
	assert.True(t, Verify(ChunkHash(chunk), 3, path, tree.Root(), tree.Len()))

	_, err = BuildFromReader(bytes.NewReader(data[:10]), uint64(len(data)))
	assert.Error(t, err)
}
