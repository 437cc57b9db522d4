package blobfs

import "github.com/meigma/blobfs/internal/blobtype"

// Errors produced while reading a blob.
var (
	// ErrInconsistent is returned when stored metadata contradicts the
	// backing object or a block does not match its Merkle leaf.
	ErrInconsistent = blobtype.ErrInconsistent

	// ErrOutOfRange is returned when a read maps outside the seek table.
	ErrOutOfRange = blobtype.ErrOutOfRange

	// ErrIntegrity is returned when decompression fails or yields an
	// unexpected length.
	ErrIntegrity = blobtype.ErrIntegrity

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = blobtype.ErrSizeOverflow
)

// Statuses reported to view readers.
var (
	// ErrIO is a page-in failure that is not an integrity failure.
	ErrIO = blobtype.ErrIO

	// ErrDataIntegrity marks content that failed verification.
	ErrDataIntegrity = blobtype.ErrDataIntegrity

	// ErrAccessDenied is returned for writes and resizes of views.
	ErrAccessDenied = blobtype.ErrAccessDenied

	// ErrBadState is returned when an operation is invalid for the current state.
	ErrBadState = blobtype.ErrBadState
)

// Other errors.
var (
	// ErrNotSupported is returned by operations blobs do not implement.
	ErrNotSupported = blobtype.ErrNotSupported

	// ErrNotFound is returned when no blob exists for a content hash.
	ErrNotFound = blobtype.ErrNotFound

	// ErrHandleClosed is returned when using a closed blob handle or view.
	ErrHandleClosed = blobtype.ErrHandleClosed

	// ErrReadOnly is returned by stores that cannot be modified.
	ErrReadOnly = blobtype.ErrReadOnly
)
