package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/merkle"
)

const (
	objectsDir  = "objects"
	recordsDir  = "records"
	counterFile = "next-id"
)

// FS is a Store rooted at a local directory.
//
// Layout:
//
//	objects/<id>       stored bytes of one object, id in hex
//	records/<hash>     FlatBuffers blob record keyed by content hash
//	next-id            next object id to allocate
//
// All files are written through a temp file and rename, so a crash leaves
// either the old or the new contents.
type FS struct {
	dir       string
	id        uint64
	blockSize uint64
	dirPerm   os.FileMode
	logger    *slog.Logger
	alloc     *Allocator

	mu     sync.Mutex // serializes Put, Unlink and id allocation
	nextID uint64
}

var _ Store = (*FS)(nil)

// Open opens or creates a store rooted at dir.
func Open(dir string, opts ...Option) (*FS, error) {
	if dir == "" {
		return nil, errors.New("objstore: dir is empty")
	}
	s := &FS{
		dir:       dir,
		id:        1,
		blockSize: DefaultBlockSize,
		dirPerm:   defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blockSize == 0 || bits.OnesCount64(s.blockSize) != 1 {
		return nil, fmt.Errorf("objstore: block size %d is not a power of two", s.blockSize)
	}
	if s.alloc == nil {
		s.alloc = NewAllocator()
	}
	for _, sub := range []string{objectsDir, recordsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), s.dirPerm); err != nil {
			return nil, fmt.Errorf("objstore: create %s: %w", sub, err)
		}
	}
	next, err := s.loadCounter()
	if err != nil {
		return nil, err
	}
	s.nextID = next
	return s, nil
}

func (s *FS) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ID returns the store identifier.
func (s *FS) ID() uint64 {
	return s.id
}

// Dir returns the store root.
func (s *FS) Dir() string {
	return s.dir
}

// ObjectPath returns the path of the file holding an object's bytes.
func (s *FS) ObjectPath(objectID uint64) string {
	return filepath.Join(s.dir, objectsDir, fmt.Sprintf("%016x", objectID))
}

func (s *FS) recordPath(hash merkle.Hash) string {
	return filepath.Join(s.dir, recordsDir, hash.String())
}

// Has reports whether a record exists for hash.
func (s *FS) Has(hash merkle.Hash) bool {
	_, err := os.Stat(s.recordPath(hash))
	return err == nil
}

// Lookup implements Store.
func (s *FS) Lookup(ctx context.Context, hash merkle.Hash) (*Record, Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	rec, err := s.readRecord(hash)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.ObjectPath(rec.ObjectID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: object %d for %s is missing", blobtype.ErrInconsistent, rec.ObjectID, hash.Short())
		}
		return nil, nil, fmt.Errorf("objstore: open object %d: %w", rec.ObjectID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("objstore: stat object %d: %w", rec.ObjectID, err)
	}
	return rec, &fileHandle{
		f:        f,
		store:    s,
		objectID: rec.ObjectID,
		size:     uint64(info.Size()), //nolint:gosec // file sizes are non-negative
	}, nil
}

func (s *FS) readRecord(hash merkle.Hash) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", blobtype.ErrNotFound, hash)
		}
		return nil, fmt.Errorf("objstore: read record: %w", err)
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unlink implements Store.
func (s *FS) Unlink(ctx context.Context, hash merkle.Hash) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(hash)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(s.recordPath(hash)); err != nil {
		return 0, fmt.Errorf("objstore: remove record: %w", err)
	}
	s.log().Debug("unlinked blob",
		slog.String("hash", hash.Short()),
		slog.Uint64("object", rec.ObjectID))
	return rec.ObjectID, nil
}

// DeleteObject implements Store.
func (s *FS) DeleteObject(ctx context.Context, objectID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.ObjectPath(objectID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objstore: delete object %d: %w", objectID, err)
	}
	return nil
}

// allocateID must be called with s.mu held.
func (s *FS) allocateID() (uint64, error) {
	id := s.nextID
	if err := s.writeFile(filepath.Join(s.dir, counterFile), []byte(strconv.FormatUint(id+1, 10))); err != nil {
		return 0, fmt.Errorf("objstore: persist object counter: %w", err)
	}
	s.nextID = id + 1
	return id, nil
}

func (s *FS) loadCounter() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, counterFile))
	if errors.Is(err, os.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("objstore: read object counter: %w", err)
	}
	next, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || next == 0 {
		return 0, fmt.Errorf("%w: object counter %q", blobtype.ErrInconsistent, data)
	}
	return next, nil
}

func (s *FS) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// fileHandle reads one object file.
type fileHandle struct {
	f        *os.File
	store    *FS
	objectID uint64
	size     uint64
	closed   atomic.Bool
}

func (h *fileHandle) ObjectID() uint64  { return h.objectID }
func (h *fileHandle) StoreID() uint64   { return h.store.id }
func (h *fileHandle) Size() uint64      { return h.size }
func (h *fileHandle) BlockSize() uint64 { return h.store.blockSize }

func (h *fileHandle) AllocateBuffer(n int) *Buffer {
	return h.store.alloc.Allocate(n)
}

func (h *fileHandle) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	if h.closed.Load() {
		return 0, blobtype.ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off >= h.size || len(p) == 0 {
		return 0, nil
	}
	if remaining := h.size - off; uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	pos, err := sizing.ToInt64(off, blobtype.ErrSizeOverflow)
	if err != nil {
		return 0, err
	}
	n, err := h.f.ReadAt(p, pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (h *fileHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.f.Close()
}
