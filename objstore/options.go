package objstore

import (
	"log/slog"
	"os"

	"github.com/meigma/blobfs/internal/blobtype"
)

const (
	// DefaultBlockSize is the device block size reported by FS handles.
	DefaultBlockSize = 4096

	// DefaultChunkSize is the logical chunk size of compressed blobs.
	DefaultChunkSize = 32 << 10

	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// Option configures an FS.
type Option func(*FS)

// WithBlockSize sets the block size handles report for aligned reads.
// Non-power-of-two values are rejected by Open.
func WithBlockSize(n uint64) Option {
	return func(s *FS) {
		s.blockSize = n
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *FS) {
		s.dirPerm = mode
	}
}

// WithStoreID sets the identifier the store reports in tombstones.
func WithStoreID(id uint64) Option {
	return func(s *FS) {
		s.id = id
	}
}

// WithLogger sets the logger for store operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FS) {
		s.logger = logger
	}
}

// WithAllocator shares a buffer allocator between stores.
func WithAllocator(a *Allocator) Option {
	return func(s *FS) {
		s.alloc = a
	}
}

// CompressionMode selects whether Put compresses a blob.
type CompressionMode int

const (
	// CompressAuto compresses and keeps the result only when it is smaller.
	CompressAuto CompressionMode = iota
	// CompressNever stores raw bytes.
	CompressNever
	// CompressAlways stores compressed chunks whenever the codec can represent
	// them, even when the result is larger.
	CompressAlways
)

func (m CompressionMode) String() string {
	switch m {
	case CompressAuto:
		return "auto"
	case CompressNever:
		return "never"
	case CompressAlways:
		return "always"
	default:
		return "unknown"
	}
}

type putConfig struct {
	mode      CompressionMode
	codec     blobtype.Compression
	chunkSize uint64
}

// PutOption configures a single Put.
type PutOption func(*putConfig)

// WithCompression sets the compression mode. Defaults to CompressAuto.
func WithCompression(mode CompressionMode) PutOption {
	return func(c *putConfig) {
		c.mode = mode
	}
}

// WithCodec sets the chunk codec. Defaults to zstd.
func WithCodec(codec blobtype.Compression) PutOption {
	return func(c *putConfig) {
		c.codec = codec
	}
}

// WithChunkSize sets the logical chunk size of compressed blobs. It must be a
// positive multiple of merkle.BlockSize.
func WithChunkSize(n uint64) PutOption {
	return func(c *putConfig) {
		c.chunkSize = n
	}
}
