// Package pager supplies the pages of immutable memory regions on demand.
//
// A region starts with every page absent. Views of the region call into the
// pager before exposing bytes; the pager asks the registered object to read
// and verify the missing range and installs the result. Installed pages never
// change, so readers that have seen a page resident may read it without locks.
//
// The pager also watches regions for the moment their last view closes and
// tells the registered object, which lets the object hold itself alive for
// exactly as long as views exist.
package pager

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/sizing"
	"github.com/meigma/blobfs/objstore"
)

// Backed is an object whose region pages are supplied by the pager.
type Backed interface {
	// ReadAlignment is the alignment AlignedRead ranges must satisfy.
	ReadAlignment() uint64
	// ByteSize is the logical size of the object.
	ByteSize() uint64
	// AlignedRead reads, verifies and returns the bytes of rng, which starts
	// on a ReadAlignment boundary. The buffer holds exactly rng.Len() bytes
	// with anything past ByteSize zeroed. The caller releases it.
	AlignedRead(ctx context.Context, rng Range) (*objstore.Buffer, error)
	// PageIn supplies the pages of rng, usually through DefaultPageIn.
	PageIn(ctx context.Context, rng Range) error
	// MarkDirty is called when a page is about to be modified. Immutable
	// objects never see it.
	MarkDirty(rng Range)
	// OnZeroChildren is called once per successful WatchForZeroChildren when
	// the last view of the region closes.
	OnZeroChildren()
}

// Pager is the paging authority shared by all regions of a volume.
type Pager struct {
	pageSize    uint64
	readAhead   ReadAheadPolicy
	maxInFlight int64
	registerer  prometheus.Registerer
	logger      *slog.Logger

	sem     *semaphore.Weighted
	group   singleflight.Group
	metrics *Metrics
}

// New creates a pager.
func New(opts ...Option) (*Pager, error) {
	p := &Pager{
		pageSize:    uint64(os.Getpagesize()), //nolint:gosec // page size is positive
		readAhead:   FixedWindow(DefaultReadAhead),
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pageSize == 0 || bits.OnesCount64(p.pageSize) != 1 {
		return nil, fmt.Errorf("pager: page size %d is not a power of two", p.pageSize)
	}
	if p.readAhead == nil {
		p.readAhead = NoReadAhead
	}
	if p.maxInFlight <= 0 {
		return nil, fmt.Errorf("pager: max in-flight page-ins must be > 0, got %d", p.maxInFlight)
	}
	p.sem = semaphore.NewWeighted(p.maxInFlight)
	p.metrics = NewMetrics()
	if p.registerer != nil {
		if err := p.metrics.Register(p.registerer); err != nil {
			return nil, fmt.Errorf("pager: register metrics: %w", err)
		}
	}
	return p, nil
}

func (p *Pager) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// PageSize returns the page size of every region the pager creates.
func (p *Pager) PageSize() uint64 {
	return p.pageSize
}

// ReadAhead returns the read-ahead policy.
func (p *Pager) ReadAhead() ReadAheadPolicy {
	return p.readAhead
}

// Metrics returns the pager's collectors.
func (p *Pager) Metrics() *Metrics {
	return p.metrics
}

// CreateRegion creates a region holding size bytes of content and the
// registration that ties it to a Backed object.
func (p *Pager) CreateRegion(name string, size uint64) (*Region, *Registration, error) {
	mapped, ok := sizing.RoundUp(size, p.pageSize)
	if !ok {
		return nil, nil, fmt.Errorf("%w: region of %d bytes", blobtype.ErrSizeOverflow, size)
	}
	mem, err := newMemory(name, mapped)
	if err != nil {
		return nil, nil, fmt.Errorf("pager: create region %s: %w", name, err)
	}
	pages := mapped / p.pageSize
	r := &Region{
		name:        name,
		contentSize: size,
		size:        mapped,
		pageSize:    p.pageSize,
		pageShift:   uint(bits.TrailingZeros64(p.pageSize)),
		mem:         mem,
		resident:    make([]atomic.Uint64, sizing.DivCeil(pages, 64)),
	}
	g := &Registration{pager: p, region: r}
	r.reg = g
	// Regions dropped without Close still give their memory back.
	runtime.AddCleanup(r, func(m memory) { _ = m.release() }, mem)
	return r, g, nil
}

// RegisterObject sets the object that supplies the pages of reg's region.
func (p *Pager) RegisterObject(reg *Registration, obj Backed) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.backed = obj
}

// WatchForZeroChildren arms a one-shot notification for when the last view
// of the region closes. It returns true only when the watch is newly armed,
// which requires at least one open view. Each true result is matched by
// exactly one OnZeroChildren call unless the watch is stopped first.
func (p *Pager) WatchForZeroChildren(reg *Registration) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return false, fmt.Errorf("%w: region %s", blobtype.ErrHandleClosed, reg.region.name)
	}
	if reg.backed == nil {
		return false, fmt.Errorf("%w: region %s has no registered object", blobtype.ErrBadState, reg.region.name)
	}
	if reg.watching || reg.views == 0 {
		return false, nil
	}
	reg.watching = true
	return true, nil
}

// StopWatchingForZeroChildren disarms a pending watch. No notification is
// delivered for it.
func (p *Pager) StopWatchingForZeroChildren(reg *Registration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.watching = false
}
