package pager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/blobfs/internal/blobtype"
)

// View is a read-only handle on a region. Reads page in absent pages before
// copying. Views cannot be written, resized or have their content size
// changed.
//
// A View is safe for concurrent ReadAt and Map calls. Read and Seek share a
// cursor.
type View struct {
	region *Region

	mu     sync.RWMutex // held for reading by operations, for writing by Close
	closed bool
	unmap  []func() error

	posMu sync.Mutex
	pos   int64
}

var (
	_ io.ReaderAt   = (*View)(nil)
	_ io.ReadSeeker = (*View)(nil)
	_ io.WriterAt   = (*View)(nil)
)

// Name returns the region name.
func (v *View) Name() string {
	return v.region.name
}

// Size returns the mapped size of the view.
func (v *View) Size() uint64 {
	return v.region.size
}

// ContentSize returns the number of meaningful bytes.
func (v *View) ContentSize() uint64 {
	return v.region.contentSize
}

// ReadAt implements io.ReaderAt over the content bytes.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	return v.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext reads content bytes at off, paging in what is absent. A
// failed page-in returns a *PageInError and no bytes.
func (v *View) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return 0, blobtype.ErrHandleClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	size := v.region.contentSize
	start := uint64(off)
	if start >= size {
		return 0, io.EOF
	}
	end := min(start+uint64(len(p)), size)
	if err := v.ensure(ctx, Range{Start: start, End: end}); err != nil {
		return 0, err
	}
	n := copy(p, v.region.mem.bytes()[start:end])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read implements io.Reader.
func (v *View) Read(p []byte) (int, error) {
	v.posMu.Lock()
	defer v.posMu.Unlock()
	n, err := v.ReadAt(p, v.pos)
	v.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker over the content bytes.
func (v *View) Seek(offset int64, whence int) (int64, error) {
	v.posMu.Lock()
	defer v.posMu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = v.pos
	case io.SeekEnd:
		base = int64(v.region.contentSize) //nolint:gosec // region sizes fit in int64
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("seek: negative position %d", pos)
	}
	v.pos = pos
	return pos, nil
}

// Map pages in the whole region and returns a read-only mapping of it,
// including the zeroed tail past the content. The mapping is valid until the
// view is closed. On linux writes to it fault.
func (v *View) Map(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, blobtype.ErrHandleClosed
	}
	if err := v.ensure(ctx, Range{End: v.region.size}); err != nil {
		return nil, err
	}
	data, unmap, err := v.region.mem.mapReadOnly()
	if err != nil {
		return nil, err
	}
	v.unmap = append(v.unmap, unmap)
	return data, nil
}

// WriteAt always fails: views are read-only.
func (v *View) WriteAt(_ []byte, _ int64) (int, error) {
	return 0, blobtype.ErrAccessDenied
}

// SetSize always fails: views cannot be resized.
func (v *View) SetSize(uint64) error {
	return blobtype.ErrAccessDenied
}

// SetContentSize always fails: the content size is fixed.
func (v *View) SetContentSize(uint64) error {
	return blobtype.ErrAccessDenied
}

// Close releases the view and any mappings returned by Map. When it is the
// last view of the region, the registered object is notified if it is
// watching. Close is idempotent.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	unmap := v.unmap
	v.unmap = nil
	v.mu.Unlock()

	var errs []error
	for _, fn := range unmap {
		errs = append(errs, fn())
	}
	errs = append(errs, v.region.reg.viewClosed())
	return errors.Join(errs...)
}

// ensure pages in every absent page overlapping rng. The caller holds v.mu.
func (v *View) ensure(ctx context.Context, rng Range) error {
	runs := v.region.missingRuns(rng)
	if len(runs) == 0 {
		return nil
	}
	obj, err := v.region.reg.backing()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if v.region.IsResident(run) {
			continue
		}
		if err := obj.PageIn(ctx, run); err != nil {
			return err
		}
	}
	if page := v.region.firstMissing(rng); page >= 0 {
		return &PageInError{
			Range:  rng,
			Status: blobtype.ErrIO,
			Err:    fmt.Errorf("page %d still absent after page in", page),
		}
	}
	return nil
}
