package blobfs

import (
	"bytes"
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
)

// memHandle serves an object from memory.
type memHandle struct {
	data   []byte
	alloc  *objstore.Allocator
	closed atomic.Bool
}

func newMemHandle(data []byte) *memHandle {
	return &memHandle{data: data, alloc: objstore.NewAllocator()}
}

func (h *memHandle) ObjectID() uint64  { return 42 }
func (h *memHandle) StoreID() uint64   { return 7 }
func (h *memHandle) Size() uint64      { return uint64(len(h.data)) }
func (h *memHandle) BlockSize() uint64 { return 512 }

func (h *memHandle) AllocateBuffer(n int) *objstore.Buffer { return h.alloc.Allocate(n) }

func (h *memHandle) ReadAt(_ context.Context, p []byte, off uint64) (int, error) {
	if off >= uint64(len(h.data)) {
		return 0, nil
	}
	return copy(p, h.data[off:]), nil
}

func (h *memHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type countingGraveyard struct {
	mu    sync.Mutex
	count map[uint64]int
}

func (g *countingGraveyard) QueueTombstone(_, objectID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count == nil {
		g.count = make(map[uint64]int)
	}
	g.count[objectID]++
}

func (g *countingGraveyard) Count(objectID uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count[objectID]
}

func newTestVolume(t *testing.T, opts ...pager.Option) (*Volume, *countingGraveyard) {
	t.Helper()
	store, err := objstore.Open(t.TempDir())
	require.NoError(t, err)
	p, err := pager.New(append([]pager.Option{pager.WithPageSize(4096)}, opts...)...)
	require.NoError(t, err)
	g := &countingGraveyard{}
	v, err := NewVolume(store, p, WithGraveyard(g))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v, g
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, uint64(n)))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.Uint32())
	}
	return data
}

func readAligned(t *testing.T, b *Blob, rng pager.Range) ([]byte, error) {
	t.Helper()
	buf, err := b.AlignedRead(context.Background(), rng)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return bytes.Clone(buf.Bytes()), nil
}

func TestAlignedReadUncompressed(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := randomBytes(20000)
	b, err := v.NewBlob(newMemHandle(data), merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, uint64(merkle.BlockSize), b.ReadAlignment())
	assert.False(t, b.Compressed())

	got, err := readAligned(t, b, pager.Range{Start: 0, End: 16384})
	require.NoError(t, err)
	assert.Equal(t, data[:16384], got)

	got, err = readAligned(t, b, pager.Range{Start: 16384, End: 24576})
	require.NoError(t, err)
	require.Len(t, got, 8192)
	assert.Equal(t, data[16384:], got[:20000-16384])
	assert.Equal(t, make([]byte, 24576-20000), got[20000-16384:])
}

func TestAlignedReadUnaligned(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := randomBytes(20000)
	b, err := v.NewBlob(newMemHandle(data), merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	_, err = readAligned(t, b, pager.Range{Start: 4096, End: 8192})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAlignedReadShortObject(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := randomBytes(20000)
	b, err := v.NewBlob(newMemHandle(data[:10000]), merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	_, err = readAligned(t, b, pager.Range{Start: 8192, End: 16384})
	require.ErrorIs(t, err, ErrInconsistent)
	require.ErrorContains(t, err, "unexpected EOF")
}

func TestAlignedReadHashMismatch(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := randomBytes(20000)
	stored := bytes.Clone(data)
	stored[9000] ^= 0xFF
	b, err := v.NewBlob(newMemHandle(stored), merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	_, err = readAligned(t, b, pager.Range{Start: 0, End: 8192})
	require.NoError(t, err)
	_, err = readAligned(t, b, pager.Range{Start: 8192, End: 16384})
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestAlignedReadMissingLeaf(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := randomBytes(20000)
	b, err := v.NewBlob(newMemHandle(data), merkle.Build(data[:8192]), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	_, err = readAligned(t, b, pager.Range{Start: 8192, End: 16384})
	require.ErrorIs(t, err, ErrInconsistent)
	require.ErrorContains(t, err, "merkle leaves")
}

func newCompressedBlob(t *testing.T, v *Volume, data []byte, c blobtype.Compression, chunkSize uint64) (*Blob, []byte) {
	t.Helper()
	payload, seek, err := objstore.EncodeChunks(data, c, chunkSize)
	require.NoError(t, err)
	b, err := v.NewBlob(newMemHandle(payload), merkle.Build(data), chunkSize, seek, uint64(len(data)), WithCodec(c))
	require.NoError(t, err)
	return b, payload
}

func TestAlignedReadCompressed(t *testing.T) {
	t.Parallel()

	for _, c := range []blobtype.Compression{blobtype.CompressionZstd, blobtype.CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()

			v, _ := newTestVolume(t)
			data := bytes.Repeat([]byte("blobfs compressed chunk "), 2000)
			b, _ := newCompressedBlob(t, v, data, c, 16384)
			assert.True(t, b.Compressed())
			assert.Equal(t, uint64(16384), b.ReadAlignment())

			got, err := readAligned(t, b, pager.Range{Start: 0, End: 32768})
			require.NoError(t, err)
			assert.Equal(t, data[:32768], got)

			got, err = readAligned(t, b, pager.Range{Start: 32768, End: 49152})
			require.NoError(t, err)
			assert.Equal(t, data[32768:], got[:len(data)-32768])
			assert.Equal(t, make([]byte, 49152-len(data)), got[len(data)-32768:])
		})
	}
}

func TestAlignedReadCompressedOutOfRange(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := bytes.Repeat([]byte{3}, 40000)
	b, _ := newCompressedBlob(t, v, data, blobtype.CompressionZstd, 16384)

	_, err := readAligned(t, b, pager.Range{Start: 8192, End: 16384})
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = readAligned(t, b, pager.Range{Start: 49152, End: 65536})
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = readAligned(t, b, pager.Range{Start: 32768, End: 65536})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAlignedReadCompressedPastLastChunk(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t, pager.WithPageSize(32768))
	data := bytes.Repeat([]byte("last chunk "), 4000)
	b, _ := newCompressedBlob(t, v, data, blobtype.CompressionZstd, 16384)
	require.Len(t, b.seekTable, 3)

	got, err := readAligned(t, b, pager.Range{Start: 32768, End: 65536})
	require.NoError(t, err)
	assert.Equal(t, data[32768:], got[:len(data)-32768])
	assert.Equal(t, make([]byte, 65536-len(data)), got[len(data)-32768:])

	_, err = readAligned(t, b, pager.Range{Start: 32768, End: 81920})
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAlignedReadCorruptChunk(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := bytes.Repeat([]byte{3}, 40000)
	b, payload := newCompressedBlob(t, v, data, blobtype.CompressionZstd, 16384)
	clear(payload[b.seekTable[1]:b.seekTable[2]])

	_, err := readAligned(t, b, pager.Range{Start: 0, End: 16384})
	require.NoError(t, err)
	_, err = readAligned(t, b, pager.Range{Start: 16384, End: 32768})
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestAlignedReadZeroAlignment(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := bytes.Repeat([]byte{3}, 40000)
	payload, seek, err := objstore.EncodeChunks(data, blobtype.CompressionZstd, 16384)
	require.NoError(t, err)
	b, err := v.NewBlob(newMemHandle(payload), merkle.Build(data), 0, seek, uint64(len(data)))
	require.NoError(t, err)

	_, err = readAligned(t, b, pager.Range{Start: 0, End: 16384})
	require.ErrorIs(t, err, ErrInconsistent)
}

func TestBlobNodeSurface(t *testing.T) {
	t.Parallel()

	v, _ := newTestVolume(t)
	data := []byte("node")
	tree := merkle.Build(data)
	b, err := v.NewBlob(newMemHandle(data), tree, 0, nil, uint64(len(data)))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), b.ID())
	assert.Equal(t, KindImmutableFile, b.Kind())
	assert.Equal(t, "immutable file", b.Kind().String())
	assert.Equal(t, tree.Root(), b.ContentHash())
	assert.Equal(t, uint64(4), b.Size())
	assert.Equal(t, "blob-"+tree.Root().Short(), b.Region().Name())
	assert.Same(t, v.Pager(), b.Pager())
	assert.NotNil(t, b.Registration())

	parent, err := b.Parent()
	assert.Nil(t, parent)
	require.ErrorIs(t, err, ErrNotSupported)

	assert.Panics(t, func() { b.MarkDirty(pager.Range{Start: 0, End: 4096}) })
}

func TestBlobTombstoneOnLastReference(t *testing.T) {
	t.Parallel()

	v, g := newTestVolume(t)
	data := []byte("tombstone")
	h := newMemHandle(data)
	b, err := v.NewBlob(h, merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	b.IncrementReference()
	b.IncrementReference()
	assert.False(t, b.MarkToBePurged())
	b.DecrementReference()
	assert.Equal(t, 0, g.Count(42))
	b.DecrementReference()
	assert.Equal(t, 1, g.Count(42))
	assert.True(t, h.closed.Load())

	assert.Panics(t, func() { b.IncrementReference() })
	assert.Panics(t, b.tombstone)
}

func TestBlobPurgeUnreferenced(t *testing.T) {
	t.Parallel()

	v, g := newTestVolume(t)
	data := []byte("unreferenced")
	b, err := v.NewBlob(newMemHandle(data), merkle.Build(data), 0, nil, uint64(len(data)))
	require.NoError(t, err)

	require.True(t, b.MarkToBePurged())
	b.tombstone()
	assert.Equal(t, 1, g.Count(42))
	assert.Panics(t, func() { b.MarkToBePurged() })
}

func TestBlobReferencePurgeRace(t *testing.T) {
	t.Parallel()

	for round := range 50 {
		v, g := newTestVolume(t)
		data := []byte("race")
		b, err := v.NewBlob(newMemHandle(data), merkle.Build(data), 0, nil, uint64(len(data)))
		require.NoError(t, err)

		// One reference held across the race keeps increments legal.
		b.IncrementReference()
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					b.IncrementReference()
					b.DecrementReference()
				}
			}()
		}
		var tomb atomic.Bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.MarkToBePurged() {
				tomb.Store(true)
				b.tombstone()
			}
		}()
		wg.Wait()
		assert.False(t, tomb.Load(), "round %d", round)
		assert.Equal(t, 0, g.Count(42), "round %d", round)

		b.DecrementReference()
		assert.Equal(t, 1, g.Count(42), "round %d", round)
	}
}

func TestStoreDeleterRejectsForeignStore(t *testing.T) {
	t.Parallel()

	store, err := objstore.Open(t.TempDir())
	require.NoError(t, err)
	d := storeDeleter{store: store}
	err = d.DeleteObject(context.Background(), store.ID()+1, 1)
	require.ErrorIs(t, err, ErrBadState)
	require.NoError(t, d.DeleteObject(context.Background(), store.ID(), 1))
}
