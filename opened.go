package blobfs

import (
	"fmt"
	"sync/atomic"

	"github.com/meigma/blobfs/pager"
)

// OpenedBlob is a handle on a blob that holds one reference for as long as it
// is open.
type OpenedBlob struct {
	blob   *Blob
	closed atomic.Bool
}

// OpenBlob wraps b in a handle that owns one new reference.
func OpenBlob(b *Blob) *OpenedBlob {
	b.IncrementReference()
	return &OpenedBlob{blob: b}
}

// Blob returns the underlying blob.
func (o *OpenedBlob) Blob() *Blob {
	return o.blob
}

// CreateView creates a read-only view of the blob. The blob cannot be
// tombstoned while any of its views is open.
//
// The view is created through an open handle because the reference it holds
// guarantees the blob is not tombstoned before the zero-children watch is
// armed. The first view arms the watch and takes a reference of its own,
// which is dropped when the last view closes.
func (o *OpenedBlob) CreateView() (*pager.View, error) {
	if o.closed.Load() {
		return nil, ErrHandleClosed
	}
	b := o.blob
	view, err := b.region.NewView()
	if err != nil {
		return nil, err
	}
	armed, err := b.vol.pager.WatchForZeroChildren(b.reg)
	if err != nil {
		_ = view.Close()
		return nil, fmt.Errorf("watch views of %s: %w", b.root.Short(), err)
	}
	if armed {
		b.IncrementReference()
	}
	return view, nil
}

// Close drops the handle's reference. Views created through it stay valid.
// Close is idempotent.
func (o *OpenedBlob) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	o.blob.DecrementReference()
	return nil
}
