package splatbucket

import (
	"math"

	splaterrors "github.com/sverber/splatbucket/errors"
)

// MaxRangeSize is the largest run of splats a single SplatRange can index.
const MaxRangeSize = math.MaxUint32

// SplatRange indexes a contiguous run of splats within one scan.
//
// Invariant: Start + Size - 1 does not overflow uint64 (maintained by
// NewSplatRange and Append).
type SplatRange struct {
	Scan  uint32 // scan the run belongs to
	Size  uint32 // number of splats in the run
	Start uint64 // index of the first splat within the scan
}

// NewSplatRange constructs a splat range covering [start, start+size).
// It fails with ErrRangeOverflow if the end of the range would overflow
// the index type; ranges are rejected at construction, never clamped.
func NewSplatRange(scan uint32, start uint64, size uint32) (SplatRange, error) {
	if size != 0 && start > math.MaxUint64-uint64(size)+1 {
		return SplatRange{}, splaterrors.ErrRangeOverflow
	}
	return SplatRange{Scan: scan, Start: start, Size: size}, nil
}

// Append attempts to extend the range with one splat. It reports whether
// the splat was absorbed: an empty range accepts anything, a non-empty
// range accepts only a contiguous (or already covered) id from the same
// scan. A full range rejects the extension rather than overflowing Size.
func (r *SplatRange) Append(scan uint32, splat uint64) bool {
	switch {
	case r.Size == 0:
		r.Scan = scan
		r.Start = splat
		r.Size = 1
	case r.Scan == scan && splat >= r.Start && splat-r.Start <= uint64(r.Size):
		if splat-r.Start == uint64(r.Size) {
			if r.Size == MaxRangeSize {
				return false // would overflow
			}
			r.Size++
		}
	default:
		return false
	}
	return true
}

// appendRun attempts to extend the range with count consecutive splats
// starting at start. Used when replaying blob records, which describe runs
// rather than single splats.
func (r *SplatRange) appendRun(scan uint32, start, count uint64) bool {
	switch {
	case count == 0:
		return true
	case r.Size == 0:
		if count > MaxRangeSize {
			return false
		}
		r.Scan = scan
		r.Start = start
		r.Size = uint32(count)
	case r.Scan == scan && start == r.Start+uint64(r.Size):
		if count > uint64(MaxRangeSize-r.Size) {
			return false // would overflow
		}
		r.Size += uint32(count)
	default:
		return false
	}
	return true
}

// RangeCounter counts how many ranges and splats a sequence of appends
// would produce, without storing them. It is used during counting passes to
// size the output arrays for the redistribution pass.
type RangeCounter struct {
	ranges  uint64
	splats  uint64
	current SplatRange
}

// Append adds one splat to the counter, merging it into the current run
// when contiguous.
func (c *RangeCounter) Append(scan uint32, splat uint64) {
	c.splats++
	// The first append always succeeds (empty range), but it still opens
	// the first real range.
	if c.ranges == 0 || !c.current.Append(scan, splat) {
		c.current = SplatRange{Scan: scan, Start: splat, Size: 1}
		c.ranges++
	}
}

// AppendRun adds a run of count consecutive splats starting at start.
// Runs longer than MaxRangeSize are split across multiple ranges.
func (c *RangeCounter) AppendRun(scan uint32, start, count uint64) {
	c.splats += count
	for count > 0 {
		piece := count
		if piece > MaxRangeSize {
			piece = MaxRangeSize
		}
		if c.ranges == 0 || !c.current.appendRun(scan, start, piece) {
			c.current = SplatRange{Scan: scan, Start: start, Size: uint32(piece)}
			c.ranges++
		}
		start += piece
		count -= piece
	}
}

// Ranges returns the number of ranges the appended sequence compacts into.
func (c *RangeCounter) Ranges() uint64 {
	return c.ranges
}

// Splats returns the total number of splats appended.
func (c *RangeCounter) Splats() uint64 {
	return c.splats
}

// RangeCollector compacts a sequence of appends into a pre-sized slice of
// ranges. Fed the same sequence as a RangeCounter, it emits exactly
// Ranges() entries, which is how the redistribution pass fills the output
// slots reserved from the counting pass.
type RangeCollector struct {
	out     []SplatRange
	n       int
	current SplatRange
}

// NewRangeCollector returns a collector writing into out.
func NewRangeCollector(out []SplatRange) RangeCollector {
	return RangeCollector{out: out}
}

// Append adds one splat, flushing the current run when it cannot be
// extended.
func (c *RangeCollector) Append(scan uint32, splat uint64) {
	if !c.current.Append(scan, splat) {
		c.out[c.n] = c.current
		c.n++
		c.current = SplatRange{Scan: scan, Start: splat, Size: 1}
	}
}

// AppendRun adds a run of count consecutive splats starting at start,
// splitting runs longer than MaxRangeSize exactly as RangeCounter does.
func (c *RangeCollector) AppendRun(scan uint32, start, count uint64) {
	for count > 0 {
		piece := count
		if piece > MaxRangeSize {
			piece = MaxRangeSize
		}
		if !c.current.appendRun(scan, start, piece) {
			c.out[c.n] = c.current
			c.n++
			c.current = SplatRange{Scan: scan, Start: start, Size: uint32(piece)}
		}
		start += piece
		count -= piece
	}
}

// Flush writes out the final pending run. It must be called exactly once,
// after the last append.
func (c *RangeCollector) Flush() {
	if c.current.Size != 0 {
		c.out[c.n] = c.current
		c.n++
	}
}
