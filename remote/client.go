// Package remote serves blobs from an OCI registry.
//
// A blob is published as an OCI manifest tagged with its Merkle root. The
// manifest carries two layers: the FlatBuffers blob record and the stored
// object bytes. Store resolves the tag, verifies the record and reads the
// object lazily with HTTP range requests.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	orasremote "oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Client talks to one repository of an OCI registry.
type Client struct {
	ref             registry.Reference
	plainHTTP       bool
	userAgent       string
	anonymous       bool
	credStore       credentials.Store
	authHeaderTTL   time.Duration
	authClient      *auth.Client
	authHeaderCache *authHeaderCache
	repo            *orasremote.Repository
}

// Option configures a Client.
type Option func(*Client)

// WithCredentialStore sets the store used to look up registry credentials.
func WithCredentialStore(store credentials.Store) Option {
	return func(c *Client) {
		c.credStore = store
	}
}

// WithStaticCredentials uses a fixed username and password for registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(c *Client) {
		c.credStore = StaticCredentials(registry, username, password)
	}
}

// WithStaticToken uses a fixed bearer token for registry.
func WithStaticToken(registry, token string) Option {
	return func(c *Client) {
		c.credStore = StaticToken(registry, token)
	}
}

// WithAnonymous disables credential lookup.
func WithAnonymous() Option {
	return func(c *Client) {
		c.anonymous = true
	}
}

// WithPlainHTTP talks to the registry over HTTP instead of HTTPS.
func WithPlainHTTP(plain bool) Option {
	return func(c *Client) {
		c.plainHTTP = plain
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithAuthHeaderCacheTTL sets how long Authorization headers for range
// reads are cached. Zero disables the cache.
func WithAuthHeaderCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.authHeaderTTL = ttl
	}
}

// NewClient creates a client for repoRef, such as
// "registry.example.com/team/blobs".
func NewClient(repoRef string, opts ...Option) (*Client, error) {
	ref, err := parseRef(repoRef)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ref:           ref,
		userAgent:     "blobfs/1.0",
		authHeaderTTL: defaultAuthHeaderCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.authHeaderCache = newAuthHeaderCache(c.authHeaderTTL, defaultAuthHeaderCacheMaxSize)

	c.authClient = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if c.anonymous || c.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return c.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}

	repo, err := orasremote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = c.authClient
	c.repo = repo
	return c, nil
}

// parseRef parses a repository reference. Tags and digests are ignored.
func parseRef(ref string) (registry.Reference, error) {
	r, err := registry.ParseReference(ref)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return r, nil
}

// Repository returns the repository reference without tag or digest.
func (c *Client) Repository() string {
	return c.ref.Registry + "/" + c.ref.Repository
}

// PushBlob pushes r, which must provide exactly desc.Size bytes.
func (c *Client) PushBlob(ctx context.Context, desc *ocispec.Descriptor, r io.Reader) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: content reader is nil", ErrInvalidDescriptor)
	}
	exists, err := c.repo.Exists(ctx, *desc)
	if err != nil {
		return mapError(err)
	}
	if exists {
		return nil
	}
	return mapError(c.repo.Push(ctx, *desc, r))
}

// FetchBlob fetches the blob desc names. The caller closes the reader.
func (c *Client) FetchBlob(ctx context.Context, desc *ocispec.Descriptor) (io.ReadCloser, error) {
	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}
	rc, err := c.repo.Fetch(ctx, *desc)
	if err != nil {
		return nil, mapError(err)
	}
	return rc, nil
}

// PushManifest pushes manifest and tags it.
func (c *Client) PushManifest(ctx context.Context, tag string, manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	if manifest == nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest is nil", ErrManifestInvalid)
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: manifest.ArtifactType,
		Digest:       digest.FromBytes(manifestJSON),
		Size:         int64(len(manifestJSON)),
	}
	if err := c.repo.PushReference(ctx, desc, bytes.NewReader(manifestJSON), tag); err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

// FetchManifest fetches the image manifest expected describes.
func (c *Client) FetchManifest(ctx context.Context, expected *ocispec.Descriptor) (ocispec.Manifest, error) {
	if err := validateDescriptor(expected); err != nil {
		return ocispec.Manifest{}, err
	}
	if expected.MediaType != "" && expected.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Manifest{}, fmt.Errorf("%w: unsupported media type %s", ErrManifestInvalid, expected.MediaType)
	}

	desc, rc, err := c.repo.FetchReference(ctx, expected.Digest.String())
	if err != nil {
		return ocispec.Manifest{}, mapError(err)
	}
	defer rc.Close()

	if expected.MediaType == "" && desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Manifest{}, fmt.Errorf("%w: unsupported media type %s", ErrManifestInvalid, desc.MediaType)
	}

	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, expected.Size)).Decode(&manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return manifest, nil
}

// Resolve resolves a tag or digest to a descriptor.
func (c *Client) Resolve(ctx context.Context, ref string) (ocispec.Descriptor, error) {
	desc, err := c.repo.Resolve(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

// BlobURL returns the URL for direct range access to the blob dgst.
func (c *Client) BlobURL(dgst digest.Digest) string {
	scheme := "https"
	if c.plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, c.ref.Host(), c.ref.Repository, dgst)
}

// AuthHeaders returns headers for direct blob access. It sends raw
// credentials (basic auth or a static bearer token) and does not perform a
// token exchange. After a 401, call InvalidateAuthHeaders and retry.
func (c *Client) AuthHeaders(ctx context.Context) (http.Header, error) {
	host := c.ref.Host()
	headers := make(http.Header)
	headers.Set("User-Agent", c.userAgent)

	if c.anonymous || c.credStore == nil {
		return headers, nil
	}

	if c.authHeaderCache != nil {
		if value, ok := c.authHeaderCache.get(host); ok {
			if value != "" {
				headers.Set("Authorization", value)
			}
			return headers, nil
		}
	}

	cred, err := c.credStore.Get(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("get credentials for %s: %w", host, err)
	}
	if isEmptyCredential(cred) {
		return headers, nil
	}

	var value string
	switch {
	case cred.AccessToken != "":
		value = "Bearer " + cred.AccessToken
	case cred.Username != "":
		value = basicAuth(cred.Username, cred.Password)
	}
	if value != "" {
		headers.Set("Authorization", value)
		if c.authHeaderCache != nil {
			c.authHeaderCache.set(host, value)
		}
	}
	return headers, nil
}

// InvalidateAuthHeaders drops cached headers for the registry host.
func (c *Client) InvalidateAuthHeaders() {
	if c.authHeaderCache != nil {
		c.authHeaderCache.invalidate(c.ref.Host())
	}
}

func validateDescriptor(desc *ocispec.Descriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if desc.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidDescriptor, desc.Size)
	}
	if desc.Digest == "" {
		return fmt.Errorf("%w: empty digest", ErrInvalidDescriptor)
	}
	if err := desc.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrInvalidDescriptor, desc.Digest, err)
	}
	return nil
}
