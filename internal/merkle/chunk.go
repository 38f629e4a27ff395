// Package merkle builds and verifies index-salted chunk proofs for stored files.
//
// A file is split into at most TargetChunks chunks. Each chunk is reduced to its
// SHA-256 digest (the chunk value), salted with its index and hashed into a leaf.
// Inner nodes combine their children with XOR before hashing, so a verifier only
// needs sibling values and never their orientation.
package merkle

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

const (
	// HashSize is the size of every chunk value and tree node.
	HashSize = 32

	// TargetChunks is the number of chunks a file is split into.
	TargetChunks = 128

	// MinChunkSize is the lower bound on the chunk size of small files.
	MinChunkSize = 64
)

// ErrNoChunks is returned when a tree is requested for an empty file.
var ErrNoChunks = errors.New("merkle: file has no chunks")

// Hash is a 256-bit chunk value or tree node.
type Hash [HashSize]byte

// Empty pads odd tree levels.
var Empty Hash

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex string, with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// ChunkSize derives the chunk size for a file: fileSize/128 rounded up, never
// below MinChunkSize.
func ChunkSize(fileSize uint64) uint64 {
	size := fileSize / TargetChunks
	if fileSize%TargetChunks != 0 {
		size++
	}
	if size < MinChunkSize {
		return MinChunkSize
	}
	return size
}

// ChunkCount returns the number of chunks of a file of the given size.
func ChunkCount(fileSize uint64) uint64 {
	size := ChunkSize(fileSize)
	return (fileSize + size - 1) / size
}

// ChunkHash computes the chunk value of raw chunk data.
func ChunkHash(raw []byte) Hash {
	return sha256.Sum256(raw)
}

// Leaf folds the chunk index into the chunk value and hashes the result.
func Leaf(value Hash, index uint64) Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := range idx {
		value[HashSize-8+i] ^= idx[i]
	}
	return sha256.Sum256(value[:])
}

// Node combines two siblings. Node(a, b) == Node(b, a).
func Node(left, right Hash) Hash {
	var x Hash
	for i := range x {
		x[i] = left[i] ^ right[i]
	}
	return sha256.Sum256(x[:])
}

// ReadChunks reads a file of fileSize bytes from r and returns its chunk values.
func ReadChunks(r io.Reader, fileSize uint64) ([]Hash, error) {
	if fileSize == 0 {
		return nil, ErrNoChunks
	}
	size := ChunkSize(fileSize)
	count := ChunkCount(fileSize)

	values := make([]Hash, 0, count)
	buf := make([]byte, size)
	remaining := fileSize
	for remaining > 0 {
		n := size
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", len(values), err)
		}
		values = append(values, ChunkHash(buf[:n]))
		remaining -= n
	}
	return values, nil
}

// ReadChunk reads chunk index of a file from ra.
func ReadChunk(ra io.ReaderAt, fileSize, index uint64) ([]byte, error) {
	if index >= ChunkCount(fileSize) {
		return nil, fmt.Errorf("chunk %d out of range", index)
	}
	size := ChunkSize(fileSize)
	offset := index * size
	n := size
	if fileSize-offset < n {
		n = fileSize - offset
	}
	buf := make([]byte, n)
	read, err := ra.ReadAt(buf, int64(offset))
	if uint64(read) != n {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return buf, nil
}
