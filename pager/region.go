package pager

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/sizing"
)

// memory is the platform storage behind a region.
type memory interface {
	// bytes is the read/write view the pager installs pages through.
	bytes() []byte
	// mapReadOnly returns a view readers may hold and a function that
	// releases it.
	mapReadOnly() ([]byte, func() error, error)
	release() error
}

func mapLength(size uint64) (int, error) {
	return sizing.ToInt(size, fmt.Errorf("%w: region of %d bytes", blobtype.ErrSizeOverflow, size))
}

// Region is a paged memory region. Its pages start absent and are installed
// by page-ins; installed pages never change.
type Region struct {
	name        string
	contentSize uint64
	size        uint64 // contentSize rounded up to the page size
	pageSize    uint64
	pageShift   uint

	mem       memory
	resident  []atomic.Uint64
	installMu sync.Mutex // serializes page installation

	reg *Registration
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// Size returns the mapped size, a multiple of the page size.
func (r *Region) Size() uint64 {
	return r.size
}

// ContentSize returns the number of meaningful bytes in the region.
func (r *Region) ContentSize() uint64 {
	return r.contentSize
}

// PageSize returns the page size of the region.
func (r *Region) PageSize() uint64 {
	return r.pageSize
}

// Registration returns the registration paired with the region.
func (r *Region) Registration() *Registration {
	return r.reg
}

// ResidentBytes returns the number of bytes currently paged in.
func (r *Region) ResidentBytes() uint64 {
	var n int
	for i := range r.resident {
		n += bits.OnesCount64(r.resident[i].Load())
	}
	return uint64(n) * r.pageSize
}

// IsResident reports whether every page overlapping rng is installed.
func (r *Region) IsResident(rng Range) bool {
	return r.firstMissing(rng) < 0
}

func (r *Region) pageRange(rng Range) (first, last uint64) {
	return rng.Start >> r.pageShift, (rng.End - 1) >> r.pageShift
}

func (r *Region) isPageResident(page uint64) bool {
	return r.resident[page/64].Load()&(1<<(page%64)) != 0
}

func (r *Region) setPageResident(page uint64) {
	r.resident[page/64].Or(1 << (page % 64))
}

// firstMissing returns the first absent page overlapping rng or -1.
func (r *Region) firstMissing(rng Range) int64 {
	if rng.Empty() {
		return -1
	}
	first, last := r.pageRange(rng)
	for p := first; p <= last; p++ {
		if !r.isPageResident(p) {
			return int64(p) //nolint:gosec // page counts fit in int64
		}
	}
	return -1
}

// missingRuns returns the maximal runs of absent pages within rng, as byte
// ranges.
func (r *Region) missingRuns(rng Range) []Range {
	if rng.Empty() {
		return nil
	}
	var runs []Range
	first, last := r.pageRange(rng)
	for p := first; p <= last; p++ {
		if r.isPageResident(p) {
			continue
		}
		start := p << r.pageShift
		end := (p + 1) << r.pageShift
		if n := len(runs); n > 0 && runs[n-1].End == start {
			runs[n-1].End = end
			continue
		}
		runs = append(runs, Range{Start: start, End: end})
	}
	return runs
}

// supply installs data for the pages of rng that are still absent. Pages that
// are already resident keep their contents.
func (r *Region) supply(rng Range, data []byte) uint64 {
	r.installMu.Lock()
	defer r.installMu.Unlock()

	mem := r.mem.bytes()
	var installed uint64
	first, last := r.pageRange(rng)
	for p := first; p <= last; p++ {
		if r.isPageResident(p) {
			continue
		}
		start := p << r.pageShift
		end := start + r.pageSize
		copy(mem[start:end], data[start-rng.Start:end-rng.Start])
		r.setPageResident(p)
		installed += r.pageSize
	}
	return installed
}

// Registration pairs a region with the object that supplies its pages and
// tracks its views.
type Registration struct {
	pager  *Pager
	region *Region

	mu       sync.Mutex
	backed   Backed
	views    int
	watching bool
	closed   bool
	released bool
}

// Region returns the registered region.
func (g *Registration) Region() *Region {
	return g.region
}

// Views returns the number of open views.
func (g *Registration) Views() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.views
}

func (g *Registration) backing() (Backed, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backed == nil {
		return nil, fmt.Errorf("%w: region %s has no registered object", blobtype.ErrBadState, g.region.name)
	}
	return g.backed, nil
}

// NewView creates a read-only view of the region. It fails with
// ErrHandleClosed once the region is closed.
func (r *Region) NewView() (*View, error) {
	g := r.reg
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("%w: region %s", blobtype.ErrHandleClosed, r.name)
	}
	g.views++
	return &View{region: r}, nil
}

// Close closes the region. Existing views keep working; the memory is
// released when the last of them closes. Close is idempotent.
func (r *Region) Close() error {
	g := r.reg
	g.mu.Lock()
	g.closed = true
	g.watching = false
	release := g.views == 0 && !g.released
	if release {
		g.released = true
		g.backed = nil
	}
	g.mu.Unlock()
	if release {
		return r.mem.release()
	}
	return nil
}

// viewClosed drops one view and fires the zero-children notification when
// it was the last one and a watch was registered.
func (g *Registration) viewClosed() error {
	g.mu.Lock()
	if g.views == 0 {
		g.mu.Unlock()
		panic("blobfs: region view count underflow")
	}
	g.views--
	var notify Backed
	if g.views == 0 && g.watching {
		g.watching = false
		notify = g.backed
	}
	release := g.views == 0 && g.closed && !g.released
	if release {
		g.released = true
		g.backed = nil
	}
	g.mu.Unlock()

	if notify != nil {
		g.pager.log().Debug("zero children", slog.String("region", g.region.name))
		notify.OnZeroChildren()
	}
	if release {
		return g.region.mem.release()
	}
	return nil
}
