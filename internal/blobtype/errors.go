package blobtype

import "errors"

// Sentinel errors for blob operations.
var (
	// ErrInconsistent is returned when stored metadata contradicts the backing
	// object, or when a block does not match its Merkle leaf.
	ErrInconsistent = errors.New("blobfs: inconsistent")

	// ErrOutOfRange is returned when a read maps outside the seek table.
	ErrOutOfRange = errors.New("blobfs: out of range")

	// ErrIntegrity is returned when decompression fails or yields an
	// unexpected length.
	ErrIntegrity = errors.New("blobfs: integrity error")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("blobfs: size overflow")

	// ErrNotSupported is returned by operations this node type does not implement.
	ErrNotSupported = errors.New("blobfs: not supported")

	// ErrNotFound is returned when no blob exists for a content hash.
	ErrNotFound = errors.New("blobfs: not found")

	// ErrReadOnly is returned by stores that cannot be modified.
	ErrReadOnly = errors.New("blobfs: read-only store")
)

// Statuses surfaced by the pager to view readers.
var (
	// ErrIO is a generic page-in failure.
	ErrIO = errors.New("blobfs: i/o error")

	// ErrDataIntegrity marks a range whose content failed verification.
	// It is distinct from ErrIO so callers can tell corrupt from absent.
	ErrDataIntegrity = errors.New("blobfs: data integrity error")

	// ErrAccessDenied is returned for writes, resizes and content size changes
	// on views.
	ErrAccessDenied = errors.New("blobfs: access denied")

	// ErrHandleClosed is returned when a view or region has been closed.
	ErrHandleClosed = errors.New("blobfs: handle closed")

	// ErrBadState is returned when an operation is invalid for the current state.
	ErrBadState = errors.New("blobfs: bad state")
)
