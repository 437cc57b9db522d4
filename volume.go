package blobfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobfs/graveyard"
	"github.com/meigma/blobfs/internal/codec"
	"github.com/meigma/blobfs/merkle"
	"github.com/meigma/blobfs/objstore"
	"github.com/meigma/blobfs/pager"
)

// Volume serves the blobs of one store. It caches open blobs by content hash
// so that every opener of a hash shares one Blob and one paged region.
//
// Volume is safe for concurrent use.
type Volume struct {
	store    objstore.Store
	pager    *pager.Pager
	decoders *codec.Pool
	logger   *slog.Logger

	graveyard      Graveyard
	ownedGraveyard *graveyard.Graveyard
	journalPath    string
	decoderOpts    []codec.Option

	// nsMu orders purges after in-progress loads so that a purge always
	// finds a blob that was loaded before the record was unlinked.
	nsMu  sync.RWMutex
	loads singleflight.Group

	mu     sync.Mutex
	cache  map[merkle.Hash]weak.Pointer[Blob]
	closed bool
}

type cacheEntry struct {
	hash merkle.Hash
	ptr  weak.Pointer[Blob]
}

// NewVolume creates a volume over store whose blobs are paged in by p.
// Unless WithGraveyard is given, the volume starts its own graveyard that
// deletes tombstoned objects from store.
func NewVolume(store objstore.Store, p *pager.Pager, opts ...Option) (*Volume, error) {
	if store == nil {
		return nil, errors.New("blobfs: store is nil")
	}
	if p == nil {
		return nil, errors.New("blobfs: pager is nil")
	}
	v := &Volume{
		store: store,
		pager: p,
		cache: make(map[merkle.Hash]weak.Pointer[Blob]),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.decoders = codec.NewPool(v.decoderOpts...)

	if v.graveyard == nil {
		gopts := []graveyard.Option{graveyard.WithLogger(v.log())}
		if v.journalPath != "" {
			gopts = append(gopts, graveyard.WithJournal(v.journalPath))
		}
		g, err := graveyard.New(storeDeleter{store: store}, gopts...)
		if err != nil {
			return nil, err
		}
		v.graveyard = g
		v.ownedGraveyard = g
	}
	return v, nil
}

func (v *Volume) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

// Store returns the store backing the volume.
func (v *Volume) Store() objstore.Store {
	return v.store
}

// Pager returns the pager serving the volume's regions.
func (v *Volume) Pager() *pager.Pager {
	return v.pager
}

// Open returns a handle on the blob with the given content hash. The handle
// holds one reference until it is closed.
func (v *Volume) Open(ctx context.Context, hash merkle.Hash) (*OpenedBlob, error) {
	if b, err := v.cached(hash); err != nil {
		return nil, err
	} else if b != nil {
		v.log().Debug("blob cache hit", slog.String("hash", hash.Short()))
		return &OpenedBlob{blob: b}, nil
	}

	res, err, _ := v.loads.Do(hash.String(), func() (any, error) {
		return v.load(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	b := res.(*Blob)

	v.mu.Lock()
	defer v.mu.Unlock()
	if b.openCount.IsPurged() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	b.IncrementReference()
	return &OpenedBlob{blob: b}, nil
}

// cached takes a reference on the cached blob for hash, if one is live.
func (v *Volume) cached(hash merkle.Hash) (*Blob, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, fmt.Errorf("%w: volume closed", ErrBadState)
	}
	b := v.cache[hash].Value()
	if b == nil || b.openCount.IsPurged() {
		return nil, nil
	}
	b.IncrementReference()
	return b, nil
}

// load reads the record for hash and caches a new blob over it. A blob loaded
// concurrently by another caller wins.
func (v *Volume) load(ctx context.Context, hash merkle.Hash) (*Blob, error) {
	v.nsMu.RLock()
	defer v.nsMu.RUnlock()

	v.mu.Lock()
	if b := v.cache[hash].Value(); b != nil && !b.openCount.IsPurged() {
		v.mu.Unlock()
		return b, nil
	}
	v.mu.Unlock()

	v.log().Debug("blob cache miss", slog.String("hash", hash.Short()))
	rec, handle, err := v.store.Lookup(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", hash.Short(), err)
	}
	if err := rec.Validate(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: record for %s: %v", ErrInconsistent, hash.Short(), err)
	}
	tree := rec.Tree()
	if root := tree.Root(); root != hash {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: record for %s has root %s", ErrInconsistent, hash.Short(), root.Short())
	}

	b, err := v.NewBlob(handle, tree, rec.ChunkSize, rec.SeekTable, rec.UncompressedSize, WithCodec(rec.Compression))
	if err != nil {
		_ = handle.Close()
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		b.Terminate()
		return nil, fmt.Errorf("%w: volume closed", ErrBadState)
	}
	ptr := weak.Make(b)
	v.cache[hash] = ptr
	runtime.AddCleanup(b, v.evict, cacheEntry{hash: hash, ptr: ptr})
	return b, nil
}

// evict removes a collected blob's cache entry unless it has been replaced.
func (v *Volume) evict(e cacheEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.cache[e.hash]; ok && cur == e.ptr {
		delete(v.cache, e.hash)
	}
}

// Purge removes the blob with the given content hash. Its backing object is
// tombstoned now if nothing references it, otherwise when the last reference
// is dropped. Open handles and views keep working until then.
func (v *Volume) Purge(ctx context.Context, hash merkle.Hash) error {
	v.nsMu.Lock()
	objectID, err := v.store.Unlink(ctx, hash)
	if err != nil {
		v.nsMu.Unlock()
		return fmt.Errorf("purge %s: %w", hash.Short(), err)
	}

	v.mu.Lock()
	b := v.cache[hash].Value()
	if b != nil && b.ID() != objectID {
		b = nil
	}
	delete(v.cache, hash)
	tomb := true
	if b != nil {
		tomb = b.MarkToBePurged()
	}
	v.mu.Unlock()
	v.nsMu.Unlock()

	v.log().Debug("blob purged",
		slog.String("hash", hash.Short()),
		slog.Uint64("object", objectID),
		slog.Bool("referenced", !tomb))
	switch {
	case !tomb:
	case b != nil:
		b.tombstone()
	default:
		v.graveyard.QueueTombstone(v.store.ID(), objectID)
	}
	return nil
}

// Close terminates the cached blobs and stops the volume's own graveyard
// after it has processed every queued tombstone. Blobs and views already
// handed out remain readable. Close is idempotent.
func (v *Volume) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	live := make([]*Blob, 0, len(v.cache))
	for _, ptr := range v.cache {
		if b := ptr.Value(); b != nil {
			live = append(live, b)
		}
	}
	clear(v.cache)
	v.mu.Unlock()

	for _, b := range live {
		b.Terminate()
	}
	if v.ownedGraveyard == nil {
		return nil
	}
	err := v.ownedGraveyard.Flush(context.Background())
	return errors.Join(err, v.ownedGraveyard.Close())
}

// storeDeleter deletes tombstoned objects from the volume's store.
type storeDeleter struct {
	store objstore.Store
}

func (d storeDeleter) DeleteObject(ctx context.Context, storeID, objectID uint64) error {
	if storeID != d.store.ID() {
		return fmt.Errorf("%w: tombstone for store %d on store %d", ErrBadState, storeID, d.store.ID())
	}
	return d.store.DeleteObject(ctx, objectID)
}
