package pager

import (
	"fmt"

	"github.com/meigma/blobfs/internal/sizing"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no bytes.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// align widens r outward to multiples of alignment and clips it to limit.
func (r Range) align(alignment, limit uint64) Range {
	start := sizing.RoundDown(r.Start, alignment)
	end, ok := sizing.RoundUp(r.End, alignment)
	if !ok || end > limit {
		end = limit
	}
	return Range{Start: start, End: end}
}

// ReadAheadPolicy decides how much more than the faulting range the pager
// supplies in one page-in.
type ReadAheadPolicy interface {
	// Expand grows r, which lies within [0, size), to the range to supply.
	Expand(r Range, size uint64) Range
	// WindowSize is the largest range handed to one AlignedRead. Zero means
	// the expanded range is read in one call.
	WindowSize() uint64
}

// DefaultReadAhead is the read-ahead window used when none is configured.
const DefaultReadAhead = 128 << 10

type fixedWindow uint64

// FixedWindow returns a policy that supplies whole n-byte windows around every
// fault. n is rounded up to the page size by the pager.
func FixedWindow(n uint64) ReadAheadPolicy {
	return fixedWindow(n)
}

func (w fixedWindow) Expand(r Range, size uint64) Range {
	if w == 0 {
		return r
	}
	return r.align(uint64(w), size)
}

func (w fixedWindow) WindowSize() uint64 {
	return uint64(w)
}

type noReadAhead struct{}

// NoReadAhead supplies exactly the faulting pages.
var NoReadAhead ReadAheadPolicy = noReadAhead{}

func (noReadAhead) Expand(r Range, _ uint64) Range { return r }
func (noReadAhead) WindowSize() uint64             { return 0 }
