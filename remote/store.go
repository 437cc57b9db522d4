package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/blobfs/cache/disk"
	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
)

// Media types of published blobs.
const (
	ArtifactType    = "application/vnd.meigma.blobfs.blob.v1"
	MediaTypeRecord = "application/vnd.meigma.blobfs.record.v1+flatbuffers"
	MediaTypeObject = "application/vnd.meigma.blobfs.object.v1"

	// AnnotationHash records the Merkle root on the manifest.
	AnnotationHash = "dev.meigma.blobfs.hash"
)

// maxRecordSize bounds the record layer read into memory.
const maxRecordSize = 64 << 20

// Store is a read-only objstore.Store backed by a registry repository.
// Object IDs are assigned per lookup and only identify the open handle.
type Store struct {
	client     *Client
	id         uint64
	blockSize  uint64
	httpClient *http.Client
	cache      *disk.BlockCache
	alloc      *objstore.Allocator
	logger     *slog.Logger
	nextID     atomic.Uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreID sets the store identifier. Defaults to 2.
func WithStoreID(id uint64) StoreOption {
	return func(s *Store) {
		s.id = id
	}
}

// WithBlockSize sets the block size handles report. Defaults to
// objstore.DefaultBlockSize.
func WithBlockSize(n uint64) StoreOption {
	return func(s *Store) {
		s.blockSize = n
	}
}

// WithBlockCache caches object reads on disk, keyed by layer digest.
func WithBlockCache(cache *disk.BlockCache) StoreOption {
	return func(s *Store) {
		s.cache = cache
	}
}

// WithRangeClient sets the HTTP client used for range reads.
func WithRangeClient(client *http.Client) StoreOption {
	return func(s *Store) {
		s.httpClient = client
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store over client's repository.
func NewStore(client *Client, opts ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, errors.New("remote: client is nil")
	}
	s := &Store{
		client:     client,
		id:         2,
		blockSize:  objstore.DefaultBlockSize,
		httpClient: http.DefaultClient,
		alloc:      objstore.NewAllocator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blockSize == 0 || s.blockSize&(s.blockSize-1) != 0 {
		return nil, fmt.Errorf("remote: block size %d is not a power of two", s.blockSize)
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ID identifies the store in tombstones.
func (s *Store) ID() uint64 {
	return s.id
}

// Publish pushes the record and object of one blob and tags the manifest
// with the blob's Merkle root.
func (s *Store) Publish(ctx context.Context, rec *objstore.Record, object []byte) (ocispec.Descriptor, error) {
	if rec == nil {
		return ocispec.Descriptor{}, errors.New("remote: record is nil")
	}
	if err := rec.Validate(); err != nil {
		return ocispec.Descriptor{}, err
	}
	hash := rec.Tree().Root()
	recordBytes := objstore.MarshalRecord(rec)

	config := ocispec.DescriptorEmptyJSON
	layers := []ocispec.Descriptor{
		{MediaType: MediaTypeRecord, Digest: digest.FromBytes(recordBytes), Size: int64(len(recordBytes))},
		{MediaType: MediaTypeObject, Digest: digest.FromBytes(object), Size: int64(len(object))},
	}
	if err := s.client.PushBlob(ctx, &config, bytes.NewReader(config.Data)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push config: %w", err)
	}
	if err := s.client.PushBlob(ctx, &layers[0], bytes.NewReader(recordBytes)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push record: %w", err)
	}
	if err := s.client.PushBlob(ctx, &layers[1], bytes.NewReader(object)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push object: %w", err)
	}

	config.Data = nil
	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       config,
		Layers:       layers,
		Annotations:  map[string]string{AnnotationHash: hash.String()},
	}
	desc, err := s.client.PushManifest(ctx, hash.String(), &manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	s.log().Info("blob published",
		slog.String("hash", hash.Short()),
		slog.String("repository", s.client.Repository()),
		slog.String("digest", desc.Digest.String()))
	return desc, nil
}

// PublishFrom publishes a blob held by a local filesystem store.
func (s *Store) PublishFrom(ctx context.Context, src *objstore.FS, hash merkle.Hash) (ocispec.Descriptor, error) {
	rec, err := src.Record(hash)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	object, err := os.ReadFile(src.ObjectPath(rec.ObjectID))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: read object %d: %v", blobtype.ErrInconsistent, rec.ObjectID, err)
	}
	return s.Publish(ctx, rec, object)
}

// Lookup resolves hash to its record and a range-read handle on its object.
func (s *Store) Lookup(ctx context.Context, hash merkle.Hash) (*objstore.Record, objstore.Handle, error) {
	desc, err := s.client.Resolve(ctx, hash.String())
	if err != nil {
		return nil, nil, err
	}
	manifest, err := s.client.FetchManifest(ctx, &desc)
	if err != nil {
		return nil, nil, err
	}
	recordDesc, objectDesc, err := blobLayers(&manifest)
	if err != nil {
		return nil, nil, err
	}

	rec, err := s.fetchRecord(ctx, &recordDesc)
	if err != nil {
		return nil, nil, err
	}
	if root := rec.Tree().Root(); root != hash {
		return nil, nil, fmt.Errorf("%w: manifest for %s holds blob %s", blobtype.ErrInconsistent, hash.Short(), root.Short())
	}
	rec.ObjectID = s.nextID.Add(1)

	headers, err := s.client.AuthHeaders(ctx)
	if err != nil {
		return nil, nil, err
	}
	src, err := NewSource(ctx, s.client.BlobURL(objectDesc.Digest),
		WithHTTPClient(s.httpClient),
		WithHeaders(headers),
		WithSourceID(objectDesc.Digest.String()))
	if err != nil {
		return nil, nil, err
	}
	if src.Size() != uint64(objectDesc.Size) {
		return nil, nil, fmt.Errorf("%w: object layer is %d bytes, registry serves %d", blobtype.ErrInconsistent, objectDesc.Size, src.Size())
	}

	var h objstore.Handle = &handle{
		src:       src,
		objectID:  rec.ObjectID,
		storeID:   s.id,
		blockSize: s.blockSize,
		alloc:     s.alloc,
	}
	if s.cache != nil {
		if h, err = s.cache.Wrap(h, objectDesc.Digest.String()); err != nil {
			return nil, nil, err
		}
	}
	s.log().Debug("remote blob resolved",
		slog.String("hash", hash.Short()),
		slog.String("object", objectDesc.Digest.String()),
		slog.Uint64("size", src.Size()))
	return rec, h, nil
}

func (s *Store) fetchRecord(ctx context.Context, desc *ocispec.Descriptor) (*objstore.Record, error) {
	if desc.Size > maxRecordSize {
		return nil, fmt.Errorf("%w: record layer is %d bytes", blobtype.ErrInconsistent, desc.Size)
	}
	rc, err := s.client.FetchBlob(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, desc.Size))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if got := digest.FromBytes(data); got != desc.Digest {
		return nil, fmt.Errorf("%w: record digest %s, want %s", blobtype.ErrInconsistent, got, desc.Digest)
	}
	rec, err := objstore.UnmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unlink is not supported; registry content is immutable here.
func (s *Store) Unlink(context.Context, merkle.Hash) (uint64, error) {
	return 0, blobtype.ErrReadOnly
}

// DeleteObject is not supported.
func (s *Store) DeleteObject(context.Context, uint64) error {
	return blobtype.ErrReadOnly
}

// blobLayers returns the record and object layers of a blob manifest.
func blobLayers(m *ocispec.Manifest) (record, object ocispec.Descriptor, err error) {
	if m.ArtifactType != "" && m.ArtifactType != ArtifactType {
		return record, object, fmt.Errorf("%w: artifact type %q", ErrManifestInvalid, m.ArtifactType)
	}
	if len(m.Layers) != 2 {
		return record, object, fmt.Errorf("%w: %d layers, want 2", ErrManifestInvalid, len(m.Layers))
	}
	record, object = m.Layers[0], m.Layers[1]
	if record.MediaType != MediaTypeRecord {
		return record, object, fmt.Errorf("%w: layer 0 media type %q", ErrManifestInvalid, record.MediaType)
	}
	if object.MediaType != MediaTypeObject {
		return record, object, fmt.Errorf("%w: layer 1 media type %q", ErrManifestInvalid, object.MediaType)
	}
	if err := validateDescriptor(&record); err != nil {
		return record, object, err
	}
	if err := validateDescriptor(&object); err != nil {
		return record, object, err
	}
	return record, object, nil
}

// handle reads an object through a Source.
type handle struct {
	src       *Source
	objectID  uint64
	storeID   uint64
	blockSize uint64
	alloc     *objstore.Allocator
	closed    atomic.Bool
}

func (h *handle) ObjectID() uint64  { return h.objectID }
func (h *handle) StoreID() uint64   { return h.storeID }
func (h *handle) Size() uint64      { return h.src.Size() }
func (h *handle) BlockSize() uint64 { return h.blockSize }

func (h *handle) AllocateBuffer(n int) *objstore.Buffer {
	return h.alloc.Allocate(n)
}

func (h *handle) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	if h.closed.Load() {
		return 0, blobtype.ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return h.src.ReadAt(ctx, p, off)
}

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}
