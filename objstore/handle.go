// Package objstore defines the backing data handle that blobs read from and
// provides a local filesystem object store with a blob writer.
package objstore

import (
	"context"
	"math/bits"
	"sync"
)

// Handle is random-access read access to the stored bytes of one object.
//
// ReadAt fills as much of p as the object holds from off and returns the
// number of bytes read. Reaching the end of the object is not an error; a
// caller that needs an exact count compares n itself.
type Handle interface {
	ObjectID() uint64
	StoreID() uint64
	// Size is the stored size, which is the compressed size for compressed
	// blobs.
	Size() uint64
	// BlockSize is the device block size that aligned reads round to.
	BlockSize() uint64
	ReadAt(ctx context.Context, p []byte, off uint64) (int, error)
	AllocateBuffer(n int) *Buffer
	Close() error
}

// Buffer is a transfer buffer handed out by a Handle.
type Buffer struct {
	data  []byte
	class int
	alloc *Allocator
}

// Bytes returns the buffer contents. The slice is invalid after Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Commit prepares the whole buffer to be written into. Pooled buffers hold
// stale bytes until committed.
func (b *Buffer) Commit() error {
	clear(b.data)
	return nil
}

// Release returns the buffer to its allocator. Release is idempotent.
func (b *Buffer) Release() {
	if b.data == nil {
		return
	}
	if b.alloc != nil && b.class >= 0 {
		data := b.data[:cap(b.data)]
		b.alloc.pools[b.class].Put(&data)
	}
	b.data = nil
}

const (
	minClassShift = 12 // 4 KiB
	maxClassShift = 24 // 16 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// Allocator pools transfer buffers by power-of-two size class. Requests above
// the largest class are allocated directly and never pooled.
type Allocator struct {
	pools [numClasses]sync.Pool
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns a buffer of exactly n bytes. Its contents are undefined
// until Commit.
func (a *Allocator) Allocate(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	class := sizeClass(n)
	if class < 0 {
		return &Buffer{data: make([]byte, n), class: -1}
	}
	if v := a.pools[class].Get(); v != nil {
		data := *(v.(*[]byte)) //nolint:errcheck // pool only holds *[]byte
		return &Buffer{data: data[:n], class: class, alloc: a}
	}
	return &Buffer{data: make([]byte, n, 1<<(class+minClassShift)), class: class, alloc: a}
}

func sizeClass(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}
