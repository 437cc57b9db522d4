package remote

import (
	"errors"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/blobfs/internal/blobtype"
)

// Errors returned by registry operations. Missing blobs and manifests are
// reported as blobtype.ErrNotFound.
var (
	// ErrInvalidReference is returned when a repository reference cannot be parsed.
	ErrInvalidReference = errors.New("remote: invalid reference")

	// ErrInvalidDescriptor is returned when a descriptor is missing a digest
	// or has a negative size.
	ErrInvalidDescriptor = errors.New("remote: invalid descriptor")

	// ErrManifestInvalid is returned when a manifest does not describe a blob.
	ErrManifestInvalid = errors.New("remote: invalid manifest")

	// ErrUnauthorized is returned when the registry rejects the credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrForbidden is returned when the credentials lack permission.
	ErrForbidden = errors.New("remote: forbidden")

	// ErrRangeNotSupported is returned when the registry ignores range requests.
	ErrRangeNotSupported = errors.New("remote: range requests not supported")
)

// mapError maps ORAS errors to our sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", blobtype.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", blobtype.ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
