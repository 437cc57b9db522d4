// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import "math"

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// RoundDown rounds offset down to a multiple of alignment.
// alignment must be non-zero.
func RoundDown(offset, alignment uint64) uint64 {
	return offset - offset%alignment
}

// RoundUp rounds offset up to a multiple of alignment, returning
// (0, false) if the result does not fit in a uint64.
// alignment must be non-zero.
func RoundUp(offset, alignment uint64) (uint64, bool) {
	rem := offset % alignment
	if rem == 0 {
		return offset, true
	}
	return AddUint64(offset, alignment-rem)
}

// DivCeil returns the quotient of a and b rounded up. b must be non-zero.
func DivCeil(a, b uint64) uint64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
