package objstore

import (
	"context"

	"github.com/meigma/blobfs/merkle"
)

// Store resolves content hashes to blob records and backing handles.
type Store interface {
	// ID identifies the store in tombstones.
	ID() uint64

	// Lookup returns the record for hash and an open handle on its object.
	// It returns blobtype.ErrNotFound when no blob has that hash.
	Lookup(ctx context.Context, hash merkle.Hash) (*Record, Handle, error)

	// Unlink removes the name of a blob and returns the object that held its
	// bytes. The object itself survives until DeleteObject.
	Unlink(ctx context.Context, hash merkle.Hash) (uint64, error)

	// DeleteObject releases the storage of an unlinked object. Deleting an
	// object that no longer exists succeeds.
	DeleteObject(ctx context.Context, objectID uint64) error
}
