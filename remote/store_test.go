package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/blobfs"
	"github.com/meigma/blobfs/cache/disk"
	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/testutil"
)

func newTestStore(t *testing.T, reg *testRegistry, opts ...StoreOption) *Store {
	t.Helper()
	client, err := NewClient(reg.repo(), WithPlainHTTP(true), WithAnonymous())
	require.NoError(t, err)
	store, err := NewStore(client, opts...)
	require.NoError(t, err)
	return store
}

func blobData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func TestStorePublishAndLookup(t *testing.T) {
	t.Parallel()

	f := testutil.NewFixture(t)
	reg := newTestRegistry(t)
	store := newTestStore(t, reg)

	data := blobData(100_000)
	hash := f.WriteBlob(data, objstore.WithCompression(objstore.CompressNever))
	desc, err := store.PublishFrom(context.Background(), f.Store, hash)
	require.NoError(t, err)
	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)

	rec, h, err := store.Lookup(context.Background(), hash)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, uint64(len(data)), rec.UncompressedSize)
	assert.Equal(t, hash, rec.Tree().Root())
	assert.Equal(t, uint64(2), h.StoreID())
	assert.Equal(t, rec.ObjectID, h.ObjectID())
	assert.Equal(t, uint64(objstore.DefaultBlockSize), h.BlockSize())
	assert.Equal(t, uint64(len(data)), h.Size())

	buf := make([]byte, 1000)
	n, err := h.ReadAt(context.Background(), buf, 5000)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, data[5000:6000], buf)

	require.NoError(t, h.Close())
	_, err = h.ReadAt(context.Background(), buf, 0)
	require.ErrorIs(t, err, blobtype.ErrHandleClosed)
}

func TestStoreLookupDistinctObjectIDs(t *testing.T) {
	t.Parallel()

	f := testutil.NewFixture(t)
	reg := newTestRegistry(t)
	store := newTestStore(t, reg)
	hash := f.WriteBlob([]byte("one blob"))
	_, err := store.PublishFrom(context.Background(), f.Store, hash)
	require.NoError(t, err)

	rec1, h1, err := store.Lookup(context.Background(), hash)
	require.NoError(t, err)
	defer h1.Close()
	rec2, h2, err := store.Lookup(context.Background(), hash)
	require.NoError(t, err)
	defer h2.Close()
	assert.NotEqual(t, rec1.ObjectID, rec2.ObjectID)
}

func TestStoreLookupNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newTestRegistry(t))
	_, _, err := store.Lookup(context.Background(), merkle.Hash{1, 2, 3})
	require.ErrorIs(t, err, blobtype.ErrNotFound)
}

func TestStoreReadOnly(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newTestRegistry(t))
	_, err := store.Unlink(context.Background(), merkle.Hash{})
	require.ErrorIs(t, err, blobtype.ErrReadOnly)
	require.ErrorIs(t, store.DeleteObject(context.Background(), 1), blobtype.ErrReadOnly)
}

func TestStoreLookupRejectsForeignManifest(t *testing.T) {
	t.Parallel()

	f := testutil.NewFixture(t)
	reg := newTestRegistry(t)
	store := newTestStore(t, reg)

	hash := f.WriteBlob([]byte("blob a"))
	other := f.WriteBlob([]byte("blob b"))
	_, err := store.PublishFrom(context.Background(), f.Store, hash)
	require.NoError(t, err)

	// Tag other's name onto hash's manifest.
	reg.mu.Lock()
	reg.tags[other.String()] = reg.tags[hash.String()]
	reg.mu.Unlock()

	_, _, err = store.Lookup(context.Background(), other)
	require.ErrorIs(t, err, blobtype.ErrInconsistent)
}

func TestStoreLookupRejectsTamperedRecord(t *testing.T) {
	t.Parallel()

	f := testutil.NewFixture(t)
	reg := newTestRegistry(t)
	store := newTestStore(t, reg)
	hash := f.WriteBlob([]byte("tampered"))
	desc, err := store.PublishFrom(context.Background(), f.Store, hash)
	require.NoError(t, err)

	reg.mu.Lock()
	var manifest ocispec.Manifest
	require.NoError(t, json.Unmarshal(reg.manifests[desc.Digest], &manifest))
	recordDigest := manifest.Layers[0].Digest
	tampered := bytes.Clone(reg.blobs[recordDigest])
	tampered[len(tampered)-1] ^= 0xff
	reg.blobs[recordDigest] = tampered
	reg.mu.Unlock()

	_, _, err = store.Lookup(context.Background(), hash)
	require.Error(t, err)
}

func TestStoreVolumeReadsRemoteBlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []objstore.PutOption
	}{
		{"uncompressed", []objstore.PutOption{objstore.WithCompression(objstore.CompressNever)}},
		{"zstd", []objstore.PutOption{objstore.WithCompression(objstore.CompressAlways)}},
		{"lz4", []objstore.PutOption{
			objstore.WithCompression(objstore.CompressAlways),
			objstore.WithCodec(blobtype.CompressionLZ4),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := testutil.NewFixture(t)
			reg := newTestRegistry(t)
			cache, err := disk.NewBlockCache(t.TempDir(), disk.WithBlockSize(64<<10))
			require.NoError(t, err)
			store := newTestStore(t, reg, WithBlockCache(cache))

			data := bytes.Repeat([]byte("remote blob contents "), 20_000)
			hash := f.WriteBlob(data, tt.opts...)
			_, err = store.PublishFrom(context.Background(), f.Store, hash)
			require.NoError(t, err)

			vol, err := blobfs.NewVolume(store, f.Pager, blobfs.WithGraveyard(&testutil.RecordingGraveyard{}))
			require.NoError(t, err)
			defer vol.Close()

			read := func() []byte {
				opened, err := vol.Open(context.Background(), hash)
				require.NoError(t, err)
				defer opened.Close()
				view, err := opened.CreateView()
				require.NoError(t, err)
				defer view.Close()
				got, err := io.ReadAll(view)
				require.NoError(t, err)
				return got
			}
			assert.Equal(t, data, read())
			assert.Positive(t, cache.SizeBytes())

			require.ErrorIs(t, vol.Purge(context.Background(), hash), blobtype.ErrReadOnly)
		})
	}
}

func TestClientAuthHeaders(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	client, err := NewClient(reg.repo(), WithPlainHTTP(true), WithUserAgent("test-agent"),
		WithStaticCredentials(reg.host(), "user", "pass"))
	require.NoError(t, err)

	headers, err := client.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-agent", headers.Get("User-Agent"))
	assert.Equal(t, basicAuth("user", "pass"), headers.Get("Authorization"))

	token, err := NewClient(reg.repo(), WithStaticToken(reg.host(), "tok"))
	require.NoError(t, err)
	headers, err = token.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", headers.Get("Authorization"))

	anon, err := NewClient(reg.repo(), WithAnonymous(), WithStaticToken(reg.host(), "tok"))
	require.NoError(t, err)
	headers, err = anon.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, headers.Get("Authorization"))

	other, err := NewClient("other.example.com/repo", WithStaticToken(reg.host(), "tok"))
	require.NoError(t, err)
	headers, err = other.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, headers.Get("Authorization"))
}

func TestClientBlobURL(t *testing.T) {
	t.Parallel()

	d := digest.FromString("x")
	c, err := NewClient("registry.example.com/team/blobs:latest")
	require.NoError(t, err)
	assert.Equal(t, "https://registry.example.com/v2/team/blobs/blobs/"+d.String(), c.BlobURL(d))
	assert.Equal(t, "registry.example.com/team/blobs", c.Repository())

	plain, err := NewClient("localhost:5000/blobs", WithPlainHTTP(true))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000/v2/blobs/blobs/"+d.String(), plain.BlobURL(d))

	_, err = NewClient("not a reference")
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestBlobLayers(t *testing.T) {
	t.Parallel()

	record := ocispec.Descriptor{MediaType: MediaTypeRecord, Digest: digest.FromString("r"), Size: 1}
	object := ocispec.Descriptor{MediaType: MediaTypeObject, Digest: digest.FromString("o"), Size: 1}

	tests := []struct {
		name     string
		manifest ocispec.Manifest
		wantErr  error
	}{
		{"valid", ocispec.Manifest{ArtifactType: ArtifactType, Layers: []ocispec.Descriptor{record, object}}, nil},
		{"wrong artifact", ocispec.Manifest{ArtifactType: "x", Layers: []ocispec.Descriptor{record, object}}, ErrManifestInvalid},
		{"one layer", ocispec.Manifest{Layers: []ocispec.Descriptor{record}}, ErrManifestInvalid},
		{"swapped", ocispec.Manifest{Layers: []ocispec.Descriptor{object, record}}, ErrManifestInvalid},
		{"bad digest", ocispec.Manifest{Layers: []ocispec.Descriptor{
			{MediaType: MediaTypeRecord, Digest: "sha256:bad", Size: 1}, object,
		}}, ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := blobLayers(&tt.manifest)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthHeaderCache(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	c := newAuthHeaderCache(time.Minute, 2)
	c.now = func() time.Time { return now }

	c.set("a", "A")
	c.set("b", "B")
	v, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, "A", v)

	c.set("c", "C") // evicts b, the least recently used
	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("a")
	assert.False(t, ok)

	c.set("d", "D")
	c.invalidate("d")
	_, ok = c.get("d")
	assert.False(t, ok)

	assert.Nil(t, newAuthHeaderCache(0, 10))
}

func TestMapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, mapError(nil))
	assert.Equal(t, io.ErrUnexpectedEOF, mapError(io.ErrUnexpectedEOF))
	assert.ErrorIs(t, mapError(errdef.ErrNotFound), blobtype.ErrNotFound)

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, blobtype.ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
	}
	for _, tt := range tests {
		err := mapError(fmt.Errorf("wrapped: %w", &errcode.ErrorResponse{StatusCode: tt.status}))
		assert.ErrorIs(t, err, tt.want, http.StatusText(tt.status))
	}
}
