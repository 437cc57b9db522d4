package blobfs

import (
	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
)

// --- Re-exports ---

// Compression identifies the codec used for the chunks of a blob.
type Compression = blobtype.Compression

// Hash is the Merkle root that names a blob.
type Hash = merkle.Hash

// Store resolves content hashes to blob records and backing handles.
type Store = objstore.Store

// Handle is random-access read access to the stored bytes of one object.
type Handle = objstore.Handle

// Compression constants.
const (
	CompressionNone = blobtype.CompressionNone
	CompressionZstd = blobtype.CompressionZstd
	CompressionLZ4  = blobtype.CompressionLZ4
)

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	return merkle.ParseHash(s)
}

// ParseCompression parses "none", "zstd" or "lz4".
func ParseCompression(name string) (Compression, error) {
	return blobtype.ParseCompression(name)
}
