package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobfs/testutil"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func wrap(t *testing.T, c *BlockCache, data []byte) (*testutil.MemoryHandle, *cachedHandle) {
	t.Helper()
	src := testutil.NewMemoryHandle(1, data)
	h, err := c.Wrap(src, src.SourceID().String())
	require.NoError(t, err)
	return src, h.(*cachedHandle)
}

func TestBlockCacheReadThrough(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1024))
	require.NoError(t, err)
	data := testData(5000)
	src, h := wrap(t, c, data)

	buf := make([]byte, 3000)
	n, err := h.ReadAt(context.Background(), buf, 500)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	assert.Equal(t, data[500:3500], buf)
	assert.Equal(t, int64(4), src.Reads())
	assert.Equal(t, int64(4096), c.SizeBytes())

	n, err = h.ReadAt(context.Background(), buf, 500)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	assert.Equal(t, data[500:3500], buf)
	assert.Equal(t, int64(4), src.Reads())
}

func TestBlockCacheShortReadAtEnd(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1024))
	require.NoError(t, err)
	data := testData(2500)
	_, h := wrap(t, c, data)

	buf := make([]byte, 1000)
	n, err := h.ReadAt(context.Background(), buf, 2000)
	require.NoError(t, err)
	assert.Equal(t, 500, n)
	assert.Equal(t, data[2000:], buf[:n])

	n, err = h.ReadAt(context.Background(), buf, 2500)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBlockCachePersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := testData(4096)

	c1, err := NewBlockCache(dir, WithBlockSize(1024))
	require.NoError(t, err)
	_, h1 := wrap(t, c1, data)
	_, err = h1.ReadAt(context.Background(), make([]byte, 4096), 0)
	require.NoError(t, err)

	c2, err := NewBlockCache(dir, WithBlockSize(1024))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), c2.SizeBytes())
	src, h2 := wrap(t, c2, data)
	buf := make([]byte, 4096)
	_, err = h2.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
	assert.Equal(t, int64(0), src.Reads())
}

func TestBlockCacheConcurrentReadsShareFetch(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1<<16))
	require.NoError(t, err)
	data := testData(1 << 16)
	src, h := wrap(t, c, data)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 100)
			_, err := h.ReadAt(context.Background(), buf, 1000)
			assert.NoError(t, err)
			assert.Equal(t, data[1000:1100], buf)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.Reads(), int64(16))
	assert.GreaterOrEqual(t, src.Reads(), int64(1))
}

func TestBlockCacheSourceError(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1024))
	require.NoError(t, err)
	src, h := wrap(t, c, testData(2048))
	boom := errors.New("boom")
	src.FailReads(boom)

	_, err = h.ReadAt(context.Background(), make([]byte, 10), 0)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), c.SizeBytes())
}

func TestBlockCacheShortSource(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1024))
	require.NoError(t, err)
	src := testutil.NewMemoryHandle(1, testData(2048))
	h, err := c.Wrap(&truncatedHandle{MemoryHandle: src, size: 4096}, "truncated")
	require.NoError(t, err)

	_, err = h.ReadAt(context.Background(), make([]byte, 1024), 2048)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// truncatedHandle reports a size larger than its data.
type truncatedHandle struct {
	*testutil.MemoryHandle
	size uint64
}

func (h *truncatedHandle) Size() uint64 { return h.size }

func TestBlockCacheReplacesWrongSizeBlock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := NewBlockCache(dir, WithBlockSize(1024), WithBlockShardPrefixLen(0))
	require.NoError(t, err)
	data := testData(1024)
	src, h := wrap(t, c, data)

	path := c.pathForKey(c.blockKeyHex(src.SourceID().String(), 0))
	assert.Equal(t, dir, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	buf := make([]byte, 1024)
	_, err = h.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
	assert.Equal(t, int64(1), src.Reads())
}

func TestBlockCacheMaxBytes(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir(), WithBlockSize(1024), WithBlockMaxBytes(2048))
	require.NoError(t, err)
	data := testData(8192)
	_, h := wrap(t, c, data)

	buf := make([]byte, 8192)
	_, err = h.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
	assert.LessOrEqual(t, c.SizeBytes(), int64(2048))

	freed, err := c.Prune(0)
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.Equal(t, int64(0), c.SizeBytes())
}

func TestBlockCacheDelegates(t *testing.T) {
	t.Parallel()

	c, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)
	src, h := wrap(t, c, testData(10))
	src.SetStoreID(9)

	assert.Equal(t, uint64(1), h.ObjectID())
	assert.Equal(t, uint64(9), h.StoreID())
	assert.Equal(t, uint64(10), h.Size())
	require.NoError(t, h.Close())
	assert.True(t, src.Closed())
}

func TestNewBlockCacheValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dir  string
		opts []BlockCacheOption
		want string
	}{
		{"empty dir", "", nil, "dir is empty"},
		{"negative shard", t.TempDir(), []BlockCacheOption{WithBlockShardPrefixLen(-1)}, "shard prefix"},
		{"negative max", t.TempDir(), []BlockCacheOption{WithBlockMaxBytes(-1)}, "max bytes"},
		{"zero block", t.TempDir(), []BlockCacheOption{WithBlockSize(0)}, "block size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewBlockCache(tt.dir, tt.opts...)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}

	c, err := NewBlockCache(t.TempDir())
	require.NoError(t, err)
	_, err = c.Wrap(nil, "id")
	require.Error(t, err)
	_, err = c.Wrap(testutil.NewMemoryHandle(1, nil), "")
	require.Error(t, err)
}

func TestPruneSkipsTempBlocks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"123"), make([]byte, 100), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc"), make([]byte, 50), 0o600))

	size, err := dirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(50), size)

	freed, remaining, err := pruneDir(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), freed)
	assert.Equal(t, int64(0), remaining)
	_, err = os.Stat(filepath.Join(dir, tempPrefix+"123"))
	require.NoError(t, err)
}
