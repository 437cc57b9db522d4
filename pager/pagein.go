package pager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/sizing"
)

// PageInError reports a range the pager could not supply. It unwraps to both
// the status readers see and the underlying cause.
type PageInError struct {
	Range Range
	// Status is ErrDataIntegrity, ErrOutOfRange or ErrIO.
	Status error
	Err    error
}

func (e *PageInError) Error() string {
	return fmt.Sprintf("page in %s: %v: %v", e.Range, e.Status, e.Err)
}

func (e *PageInError) Unwrap() []error {
	return []error{e.Status, e.Err}
}

// Status maps a page-in cause to the status reported to readers. Content
// that failed verification is distinguished from other I/O failures.
func Status(err error) error {
	switch {
	case errors.Is(err, blobtype.ErrInconsistent), errors.Is(err, blobtype.ErrIntegrity):
		return blobtype.ErrDataIntegrity
	case errors.Is(err, blobtype.ErrOutOfRange):
		return blobtype.ErrOutOfRange
	default:
		return blobtype.ErrIO
	}
}

func resultLabel(status error) string {
	switch status {
	case blobtype.ErrDataIntegrity:
		return "integrity"
	case blobtype.ErrOutOfRange:
		return "out_of_range"
	default:
		return "io"
	}
}

// DefaultPageIn supplies rng for obj, which must be registered with reg.
//
// The range is grown by the read-ahead policy, aligned to the larger of the
// page size and the object's read alignment, and split into windows. Each
// window is read with AlignedRead and installed independently: a failing
// window leaves the others resident. Concurrent requests for the same window
// share one read. The error, if any, is the PageInError of the lowest failing
// window.
func DefaultPageIn(ctx context.Context, p *Pager, reg *Registration, obj Backed, rng Range) error {
	region := reg.region
	if rng.Empty() {
		return nil
	}
	if rng.End > region.size {
		err := &PageInError{
			Range:  rng,
			Status: blobtype.ErrOutOfRange,
			Err:    fmt.Errorf("%w: region %s is %d bytes", blobtype.ErrOutOfRange, region.name, region.size),
		}
		p.metrics.PageIns.WithLabelValues("out_of_range").Inc()
		return err
	}

	align := max(p.pageSize, obj.ReadAlignment())
	expanded := p.readAhead.Expand(rng, region.size).align(align, region.size)
	window := expanded.Len()
	if w := p.readAhead.WindowSize(); w > 0 {
		if rounded, ok := sizing.RoundUp(w, align); ok {
			window = rounded
		}
	}

	var (
		mu   sync.Mutex
		errs []*PageInError
		g    errgroup.Group
	)
	for start := expanded.Start; start < expanded.End; start += window {
		w := Range{Start: start, End: min(start+window, expanded.End)}
		if region.IsResident(w) {
			continue
		}
		g.Go(func() error {
			if err := p.pageInWindow(ctx, reg, obj, w); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // window errors are collected above
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Range.Start < errs[j].Range.Start })
	return errs[0]
}

func (p *Pager) pageInWindow(ctx context.Context, reg *Registration, obj Backed, w Range) *PageInError {
	region := reg.region
	key := fmt.Sprintf("%p/%d/%d", reg, w.Start, w.End)
	_, err, shared := p.group.Do(key, func() (any, error) {
		if region.IsResident(w) {
			return nil, nil
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		start := time.Now()
		buf, err := obj.AlignedRead(ctx, w)
		p.sem.Release(1)
		p.metrics.PageInLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		defer buf.Release()
		if uint64(buf.Len()) < w.Len() {
			return nil, fmt.Errorf("aligned read returned %d bytes, want %d", buf.Len(), w.Len())
		}
		installed := region.supply(w, buf.Bytes())
		p.metrics.SuppliedBytes.Add(float64(installed))
		return nil, nil
	})
	if err == nil {
		if shared {
			p.metrics.PageIns.WithLabelValues("shared").Inc()
		} else {
			p.metrics.PageIns.WithLabelValues("ok").Inc()
		}
		return nil
	}

	status := Status(err)
	p.metrics.PageIns.WithLabelValues(resultLabel(status)).Inc()
	p.log().Warn("page in failed",
		slog.String("region", region.name),
		slog.Uint64("start", w.Start),
		slog.Uint64("end", w.End),
		slog.String("status", status.Error()),
		slog.Any("error", err))
	return &PageInError{Range: w, Status: status, Err: err}
}
