// Package merkle builds the Merkle trees that address blobs.
//
// A blob is split into BlockSize blocks. Each block is hashed together with a
// header binding its offset and length, producing the leaves. Interior levels
// hash runs of up to 256 child hashes (one block's worth) until a single root
// remains. The root is the blob's content hash.
//
// Hashes are keyed BLAKE3 with separate keys for leaves and interior nodes, so
// a leaf can never be confused with a node.
package merkle

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// BlockSize is the number of content bytes covered by one leaf.
	BlockSize = 8192

	// HashSize is the size of a hash in bytes.
	HashSize = 32

	// fanout is the number of child hashes summarised by one node.
	fanout = BlockSize / HashSize

	headerSize = 12
)

// Hash is a 32-byte keyed BLAKE3 digest.
type Hash [HashSize]byte

// String returns the lower-case hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for diagnostics.
func (h Hash) Short() string {
	return h.String()[:8]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(decoded) != HashSize {
		return h, fmt.Errorf("parse hash: %d bytes, want %d", len(decoded), HashSize)
	}
	copy(h[:], decoded)
	return h, nil
}

// Domain keys are the ASCII domain name zero-padded to 32 bytes.
var (
	leafKey = [32]byte{
		'b', 'l', 'o', 'b', 'f', 's', '.', 'm', 'e', 'r', 'k', 'l', 'e', '.',
		'l', 'e', 'a', 'f',
	}
	nodeKey = [32]byte{
		'b', 'l', 'o', 'b', 'f', 's', '.', 'm', 'e', 'r', 'k', 'l', 'e', '.',
		'n', 'o', 'd', 'e',
	}
)

// HashBlock hashes one block of content found at offset. The block must not
// be longer than BlockSize; only the final block of a blob may be shorter.
func HashBlock(block []byte, offset uint64) Hash {
	return hashWithHeader(leafKey, 0, offset, block)
}

func hashWithHeader(key [32]byte, level uint8, offset uint64, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("merkle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(level)<<56|offset)
	binary.LittleEndian.PutUint32(header[8:], uint32(len(data))) //nolint:gosec // data is at most BlockSize
	_, _ = hasher.Write(header[:])                               //nolint:errcheck // hash writes never fail
	_, _ = hasher.Write(data)                                    //nolint:errcheck // hash writes never fail
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Tree is a complete Merkle tree. Level 0 holds the leaves and the last level
// holds only the root.
type Tree struct {
	levels [][]Hash
}

// Build computes the tree for data. Empty data has a single leaf, the hash
// of an empty block.
func Build(data []byte) *Tree {
	count := (len(data) + BlockSize - 1) / BlockSize
	if count == 0 {
		count = 1
	}
	leaves := make([]Hash, 0, count)
	for off := 0; off < len(data); off += BlockSize {
		end := min(off+BlockSize, len(data))
		leaves = append(leaves, HashBlock(data[off:end], uint64(off)))
	}
	if len(leaves) == 0 {
		leaves = append(leaves, HashBlock(nil, 0))
	}
	return FromLeaves(leaves)
}

// FromLeaves rebuilds the interior of a tree from its leaves. The leaves are
// retained by the tree. It panics if leaves is empty.
func FromLeaves(leaves []Hash) *Tree {
	if len(leaves) == 0 {
		panic("merkle: tree needs at least one leaf")
	}
	levels := [][]Hash{leaves}
	current := leaves
	for level := uint8(1); len(current) > 1; level++ {
		next := make([]Hash, 0, (len(current)+fanout-1)/fanout)
		for i := 0; i < len(current); i += fanout {
			end := min(i+fanout, len(current))
			next = append(next, hashNode(level, uint64(i)*HashSize, current[i:end]))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}
}

func hashNode(level uint8, offset uint64, children []Hash) Hash {
	buf := make([]byte, 0, len(children)*HashSize)
	for i := range children {
		buf = append(buf, children[i][:]...)
	}
	return hashWithHeader(nodeKey, level, offset, buf)
}

// Root returns the root hash of the tree.
func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

// Leaves returns the per-block hashes. The slice is owned by the tree and
// must not be modified.
func (t *Tree) Leaves() []Hash {
	return t.levels[0]
}

// Levels returns every level of the tree, leaves first.
func (t *Tree) Levels() [][]Hash {
	return t.levels
}
