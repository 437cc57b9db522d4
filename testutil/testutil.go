// Package testutil provides test doubles and fixtures shared by the blobfs
// packages.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/objstore"
)

// MemoryHandle implements objstore.Handle over an in-memory object.
type MemoryHandle struct {
	data      []byte
	objectID  uint64
	storeID   uint64
	blockSize uint64
	sourceID  digest.Digest
	alloc     *objstore.Allocator

	reads  atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	failErr error
}

var _ objstore.Handle = (*MemoryHandle)(nil)

// NewMemoryHandle returns a handle backed by the provided data.
func NewMemoryHandle(objectID uint64, data []byte) *MemoryHandle {
	return &MemoryHandle{
		data:      data,
		objectID:  objectID,
		blockSize: objstore.DefaultBlockSize,
		sourceID:  digest.FromBytes(data),
		alloc:     objstore.NewAllocator(),
	}
}

// SetStoreID sets the store id reported by the handle.
func (h *MemoryHandle) SetStoreID(id uint64) {
	h.storeID = id
}

// SetBlockSize sets the block size reported by the handle.
func (h *MemoryHandle) SetBlockSize(n uint64) {
	h.blockSize = n
}

// FailReads makes every later ReadAt return err. A nil err clears the failure.
func (h *MemoryHandle) FailReads(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
}

func (h *MemoryHandle) ObjectID() uint64  { return h.objectID }
func (h *MemoryHandle) StoreID() uint64   { return h.storeID }
func (h *MemoryHandle) Size() uint64      { return uint64(len(h.data)) }
func (h *MemoryHandle) BlockSize() uint64 { return h.blockSize }

// SourceID returns a stable identifier for the object data.
func (h *MemoryHandle) SourceID() digest.Digest {
	return h.sourceID
}

// Bytes returns the backing slice for tests that need to mutate data.
func (h *MemoryHandle) Bytes() []byte {
	return h.data
}

// Reads returns the number of ReadAt calls.
func (h *MemoryHandle) Reads() int64 {
	return h.reads.Load()
}

// Closed reports whether Close has been called.
func (h *MemoryHandle) Closed() bool {
	return h.closed.Load()
}

// AllocateBuffer returns a pooled buffer of n bytes.
func (h *MemoryHandle) AllocateBuffer(n int) *objstore.Buffer {
	return h.alloc.Allocate(n)
}

// ReadAt copies the object bytes at off into p. Reads past the end are short.
func (h *MemoryHandle) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	h.reads.Add(1)
	if h.closed.Load() {
		return 0, blobtype.ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.mu.Lock()
	err := h.failErr
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if off >= uint64(len(h.data)) {
		return 0, nil
	}
	return copy(p, h.data[off:]), nil
}

// Close marks the handle closed. Close is idempotent.
func (h *MemoryHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// RecordingGraveyard records tombstones instead of deleting anything.
type RecordingGraveyard struct {
	mu      sync.Mutex
	entries [][2]uint64
}

// QueueTombstone records the tombstone.
func (g *RecordingGraveyard) QueueTombstone(storeID, objectID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, [2]uint64{storeID, objectID})
}

// Tombstones returns the recorded object ids in queue order.
func (g *RecordingGraveyard) Tombstones() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint64, len(g.entries))
	for i, e := range g.entries {
		ids[i] = e[1]
	}
	return ids
}

// Count returns how many tombstones were queued for objectID.
func (g *RecordingGraveyard) Count(objectID uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.entries {
		if e[1] == objectID {
			n++
		}
	}
	return n
}
