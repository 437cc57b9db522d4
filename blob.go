package blobfs

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/lifecycle"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
)

// Blob is an immutable blob backed by a stored object and served through a
// paged region.
//
// Blob is safe for concurrent use.
type Blob struct {
	vol    *Volume
	handle objstore.Handle

	root             merkle.Hash
	leaves           []merkle.Hash
	chunkSize        uint64   // zero if the blob is not compressed
	seekTable        []uint64 // compressed start offset of each chunk
	uncompressedSize uint64
	codec            blobtype.Compression

	region *pager.Region
	reg    *pager.Registration

	openCount  lifecycle.OpenCount
	tombstoned atomic.Bool
}

var (
	_ Node         = (*Blob)(nil)
	_ pager.Backed = (*Blob)(nil)
)

// BlobOption configures a Blob.
type BlobOption func(*Blob)

// WithCodec sets the codec of a compressed blob's chunks. Defaults to zstd.
func WithCodec(c blobtype.Compression) BlobOption {
	return func(b *Blob) {
		b.codec = c
	}
}

// NewBlob creates a blob over handle. The seek table is trusted: it was
// produced and validated by the writer. An empty seek table means the object
// holds the raw bytes.
//
// The blob takes ownership of handle. It is not added to the volume cache; use
// Volume.Open for that.
func (v *Volume) NewBlob(
	handle objstore.Handle,
	tree *merkle.Tree,
	chunkSize uint64,
	seekTable []uint64,
	uncompressedSize uint64,
	opts ...BlobOption,
) (*Blob, error) {
	root := tree.Root()
	region, reg, err := v.pager.CreateRegion("blob-"+root.Short(), uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("create region for %s: %w", root.Short(), err)
	}
	b := &Blob{
		vol:              v,
		handle:           handle,
		root:             root,
		leaves:           append([]merkle.Hash(nil), tree.Leaves()...),
		chunkSize:        chunkSize,
		seekTable:        seekTable,
		uncompressedSize: uncompressedSize,
		codec:            blobtype.CompressionZstd,
		region:           region,
		reg:              reg,
	}
	for _, opt := range opts {
		opt(b)
	}
	v.pager.RegisterObject(reg, b)
	runtime.AddCleanup(b, func(h objstore.Handle) { _ = h.Close() }, handle)
	return b, nil
}

func (b *Blob) log() *slog.Logger {
	return b.vol.log()
}

// ContentHash returns the Merkle root of the blob.
func (b *Blob) ContentHash() merkle.Hash {
	return b.root
}

// Size returns the uncompressed size of the blob.
func (b *Blob) Size() uint64 {
	return b.uncompressedSize
}

// Compressed reports whether the backing object holds compressed chunks.
func (b *Blob) Compressed() bool {
	return len(b.seekTable) > 0
}

// Region returns the paged region holding the blob contents.
func (b *Blob) Region() *pager.Region {
	return b.region
}

// Registration returns the blob's registration with the pager.
func (b *Blob) Registration() *pager.Registration {
	return b.reg
}

// Pager returns the pager the blob is registered with.
func (b *Blob) Pager() *pager.Pager {
	return b.vol.pager
}

// OpenCount returns the number of live references.
func (b *Blob) OpenCount() uint64 {
	return b.openCount.Count()
}

// MarkToBePurged marks the blob for deletion. It returns true if the blob had
// no references, in which case the caller must tombstone it now; otherwise
// the last DecrementReference will.
func (b *Blob) MarkToBePurged() bool {
	return b.openCount.MarkForDeletion()
}

// ID returns the object id of the backing object.
func (b *Blob) ID() uint64 {
	return b.handle.ObjectID()
}

// Parent is not supported: blobs have no directory back-reference.
func (b *Blob) Parent() (Node, error) {
	return nil, fmt.Errorf("%w: blob %s has no parent", ErrNotSupported, b.root.Short())
}

// IncrementReference takes one reference. It panics if the blob has already
// been tombstoned.
func (b *Blob) IncrementReference() {
	b.openCount.Increment()
}

// DecrementReference drops one reference and tombstones the blob if it was the
// last reference to a purged blob.
func (b *Blob) DecrementReference() {
	if b.openCount.Decrement() {
		b.tombstone()
	}
}

// Kind returns KindImmutableFile.
func (b *Blob) Kind() Kind {
	return KindImmutableFile
}

// Terminate stops watching the blob's views.
func (b *Blob) Terminate() {
	b.vol.pager.StopWatchingForZeroChildren(b.reg)
}

// tombstone hands the backing object to the graveyard and releases the
// blob's region and handle. Callers have established through the open count
// that this happens once.
func (b *Blob) tombstone() {
	if b.tombstoned.Swap(true) {
		panic(fmt.Sprintf("blobfs: blob %s tombstoned twice", b.root.Short()))
	}
	storeID, objectID := b.handle.StoreID(), b.handle.ObjectID()
	b.vol.graveyard.QueueTombstone(storeID, objectID)
	b.log().Info("blob tombstoned",
		slog.String("hash", b.root.Short()),
		slog.Uint64("store", storeID),
		slog.Uint64("object", objectID))
	if err := b.region.Close(); err != nil {
		b.log().Warn("close region failed", slog.String("hash", b.root.Short()), slog.Any("error", err))
	}
	if err := b.handle.Close(); err != nil {
		b.log().Warn("close handle failed", slog.String("hash", b.root.Short()), slog.Any("error", err))
	}
}
