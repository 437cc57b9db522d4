// Package disk provides a disk-backed block cache for object handles whose
// reads are expensive, such as objects served by a remote registry.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/objstore"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	// DefaultBlockSize is the size of one cached block.
	DefaultBlockSize = 1 << 20
)

// BlockCache stores fixed-size blocks of wrapped handles as individual files
// in a directory hierarchy with optional sharding by key prefix. The cache is
// safe for concurrent use.
type BlockCache struct {
	dir            string             // root directory for cached blocks
	shardPrefixLen int                // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode        // permissions for created directories
	maxBytes       int64              // maximum cache size (0 = unlimited)
	blockSize      uint64             // size of one cached block
	logger         *slog.Logger       // receives cache write failures
	bytes          atomic.Int64       // current total size of cached blocks
	fetchGroup     singleflight.Group // deduplicates concurrent fetches for same block
	pruneMu        sync.Mutex         // serializes prune operations
}

// BlockCacheOption configures a disk-backed block cache.
type BlockCacheOption func(*BlockCache)

// WithBlockMaxBytes sets the maximum size in bytes for the block cache.
// Values <= 0 disable the limit.
func WithBlockMaxBytes(n int64) BlockCacheOption {
	return func(c *BlockCache) {
		c.maxBytes = n
	}
}

// WithBlockShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithBlockShardPrefixLen(n int) BlockCacheOption {
	return func(c *BlockCache) {
		c.shardPrefixLen = n
	}
}

// WithBlockDirPerm sets the directory permissions used for cache directories.
func WithBlockDirPerm(mode os.FileMode) BlockCacheOption {
	return func(c *BlockCache) {
		c.dirPerm = mode
	}
}

// WithBlockSize sets the size of one cached block. Defaults to
// DefaultBlockSize.
func WithBlockSize(n uint64) BlockCacheOption {
	return func(c *BlockCache) {
		c.blockSize = n
	}
}

// WithLogger sets the logger for cache write failures.
func WithLogger(logger *slog.Logger) BlockCacheOption {
	return func(c *BlockCache) {
		c.logger = logger
	}
}

// NewBlockCache creates a disk-backed block cache rooted at dir.
func NewBlockCache(dir string, opts ...BlockCacheOption) (*BlockCache, error) {
	if dir == "" {
		return nil, errors.New("block cache dir is empty")
	}
	c := &BlockCache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		blockSize:      DefaultBlockSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("block cache shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("block cache max bytes must be >= 0")
	}
	if _, err := sizing.ToInt(c.blockSize, errors.New("block cache: block size exceeds max int")); err != nil {
		return nil, err
	}
	if c.blockSize == 0 {
		return nil, errors.New("block cache: block size must be > 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

func (c *BlockCache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Wrap returns a handle that serves reads of h from cached blocks. sourceID
// must identify the content of h across processes, such as its digest. The
// returned handle owns h.
func (c *BlockCache) Wrap(h objstore.Handle, sourceID string) (objstore.Handle, error) {
	if h == nil {
		return nil, errors.New("block cache: handle is nil")
	}
	if sourceID == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &cachedHandle{Handle: h, cache: c, sourceID: sourceID}, nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes cached entries until the cache is at or below targetBytes.
func (c *BlockCache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

// cachedHandle wraps a handle with block-level caching.
type cachedHandle struct {
	objstore.Handle
	cache    *BlockCache
	sourceID string
}

func (h *cachedHandle) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	size := h.Size()
	if len(p) == 0 || off >= size {
		return 0, nil
	}
	expected := min(uint64(len(p)), size-off)
	bs := h.cache.blockSize

	var n uint64
	for blockIndex := off / bs; blockIndex*bs < off+expected; blockIndex++ {
		blockStart := blockIndex * bs
		blockEnd := min(blockStart+bs, size)
		blockLen := blockEnd - blockStart

		data, err := h.cache.getBlock(h.sourceID, blockIndex, blockLen, func() ([]byte, error) {
			return h.readBlock(ctx, blockStart, blockLen)
		})
		if err != nil {
			return int(n), err //nolint:gosec // n <= len(p)
		}

		copyStart := max(off, blockStart)
		copyEnd := min(off+expected, blockEnd)
		n += uint64(copy(p[copyStart-off:copyEnd-off], data[copyStart-blockStart:copyEnd-blockStart]))
	}
	return int(n), nil //nolint:gosec // n <= len(p)
}

func (h *cachedHandle) readBlock(ctx context.Context, off, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := h.Handle.ReadAt(ctx, buf, off)
	if err != nil {
		return nil, err
	}
	if uint64(n) != length {
		return nil, fmt.Errorf("block cache: read %d bytes at %d, want %d: %w", n, off, length, io.ErrUnexpectedEOF)
	}
	return buf, nil
}

func (c *BlockCache) getBlock(sourceID string, blockIndex, blockLen uint64, fetch func() ([]byte, error)) ([]byte, error) {
	key := c.blockKeyHex(sourceID, blockIndex)
	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		path := c.pathForKey(key)
		if data, err := os.ReadFile(path); err == nil { //nolint:gosec // path is derived from hash, not user input
			if uint64(len(data)) == blockLen {
				return data, nil
			}
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if err := c.writeBlock(path, data); err != nil {
			c.log().Warn("cache block write failed", slog.String("key", key), slog.Any("error", err))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

func (c *BlockCache) writeBlock(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if ok, err := c.ensureCapacity(int64(len(data))); err != nil {
		return err
	} else if !ok {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

// blockKeyHex keys a block by source and block geometry, so changing the
// block size never serves a block of the old size.
func (c *BlockCache) blockKeyHex(sourceID string, blockIndex uint64) string {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], c.blockSize)
	binary.BigEndian.PutUint64(buf[8:], blockIndex)
	_, _ = hasher.Write(buf[:]) //nolint:errcheck // hash writes never fail

	return hex.EncodeToString(hasher.Sum(nil))
}

func (c *BlockCache) pathForKey(hexKey string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hexKey)
	}
	prefixLen := min(c.shardPrefixLen, len(hexKey))
	return filepath.Join(c.dir, hexKey[:prefixLen], hexKey)
}

func (c *BlockCache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
