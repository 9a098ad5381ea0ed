package splatbucket

import (
	"math"
	"math/bits"
)

// mulSat multiplies a and b, saturating at the maximum representable value
// instead of wrapping. Used when estimating microblock counts so the
// recursion fan-out cap holds even for enormous extents.
func mulSat(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// addSat adds a and b, saturating at the maximum representable value.
func addSat(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return s
}

// divUp divides and rounds up. a must be non-negative, b positive.
func divUp(a, b int64) int64 {
	return (a + b - 1) / b
}

// floorDiv divides rounding toward negative infinity, unlike Go's
// truncating division. Bucket coordinates can be negative.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func max3(v [3]int64) int64 {
	m := v[0]
	if v[1] > m {
		m = v[1]
	}
	if v[2] > m {
		m = v[2]
	}
	return m
}
