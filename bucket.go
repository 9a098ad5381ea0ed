package splatbucket

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	splaterrors "github.com/sverber/splatbucket/errors"
)

// DensityError reports that a single grid cell, even at the minimum
// granularity, conservatively intersects more splats than the splat budget
// allows. It is fatal to the bucketing invocation: the caller must retry
// with a larger maxSplats or a finer grid, never with the same parameters.
type DensityError struct {
	// CellSplats is the number of splats covering the offending cell.
	CellSplats uint64
}

func (e *DensityError) Error() string {
	return fmt.Sprintf("splatbucket: %d splats cover a single grid cell, exceeding the splat budget", e.CellSplats)
}

// Processor consumes one finished bucket. It is invoked once per non-empty
// bucket with the backing store, the conservative splat count, the range
// list and the bucket's sub-grid. All splats intersecting the bucket are
// covered by ranges, though the conservative intersection test may include
// extras. The ranges slice is reused after the call returns; implementations
// that retain it must copy.
type Processor func(store Store, numSplats uint64, ranges []SplatRange, grid Grid) error

// BucketOption configures a bucketing run.
type BucketOption func(*bucketConfig)

type bucketConfig struct {
	maxSplats uint64
	maxCells  int64
	maxSplit  uint64
	stats     *BucketStats
}

func defaultBucketConfig() *bucketConfig {
	return &bucketConfig{
		maxSplats: 1_000_000,
		maxCells:  256,
		maxSplit:  4096,
	}
}

// WithMaxSplats sets the maximum number of splats permitted in a bucket.
func WithMaxSplats(n uint64) BucketOption {
	return func(c *bucketConfig) { c.maxSplats = n }
}

// WithMaxCells sets the maximum side length of a bucket, in grid cells.
func WithMaxCells(n int64) BucketOption {
	return func(c *bucketConfig) { c.maxCells = n }
}

// WithMaxSplit sets the maximum recursion fan-out. Larger values reduce
// recursion depth (fewer passes over the data) at the cost of more memory
// for the per-level histograms.
func WithMaxSplit(n uint64) BucketOption {
	return func(c *bucketConfig) { c.maxSplit = n }
}

// WithBucketStats directs run counters into stats.
func WithBucketStats(stats *BucketStats) BucketOption {
	return func(c *bucketConfig) { c.stats = stats }
}

// BucketStats accumulates counters over one bucketing run.
type BucketStats struct {
	// Buckets is the number of process invocations.
	Buckets uint64
	// Splats is the total splat count over all emitted buckets. A splat
	// intersecting several buckets is counted once per bucket.
	Splats uint64
	// MaxDepth is the deepest recursion level reached (0 = root).
	MaxDepth int
}

// Bucket subdivides grid and the splats it contains into buckets satisfying
// both a splat-count budget and a spatial-extent budget, and calls process
// once for each. It operates out-of-core: splats are streamed from the
// store in bounded chunks, several times per recursion level, and peak
// memory is bounded by a single level's histogram working set.
//
// Splats falling outside grid may or may not be delivered; splats inside
// are always delivered to at least one bucket. Empty buckets are never
// emitted.
func Bucket(store Store, grid Grid, process Processor, opts ...BucketOption) error {
	root, numSplats, err := makeRoot(store)
	if err != nil {
		return err
	}
	return BucketRanges(store, root, numSplats, grid, process, opts...)
}

// BucketRanges is Bucket for a caller-supplied range list, such as the root
// ranges replayed from a blob cache partition. numSplats must be the total
// count covered by ranges.
func BucketRanges(store Store, ranges []SplatRange, numSplats uint64, grid Grid, process Processor, opts ...BucketOption) error {
	cfg := defaultBucketConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	b := &bucketer{store: store, cfg: cfg, process: process, stats: cfg.stats}
	if b.stats == nil {
		b.stats = &BucketStats{}
	}
	return b.recurse(ranges, numSplats, grid, 0)
}

func (c *bucketConfig) validate() error {
	if c.maxSplats < 1 {
		return fmt.Errorf("maxSplats must be at least 1: %w", splaterrors.ErrInvalidConfig)
	}
	if c.maxCells < 1 {
		return fmt.Errorf("maxCells must be at least 1: %w", splaterrors.ErrInvalidConfig)
	}
	if c.maxSplit < 8 {
		return fmt.Errorf("maxSplit must be at least 8: %w", splaterrors.ErrInvalidConfig)
	}
	return nil
}

// MakeGrid scans the store and derives a bounding grid suitable for passing
// to Bucket. The reference point is the per-axis minimum sample position;
// the extents cover every bounding sphere. Non-finite splats are ignored.
// It fails with ErrNoSplats if the store holds no finite splats.
func MakeGrid(store Store, spacing float64) (Grid, error) {
	root, _, err := makeRoot(store)
	if err != nil {
		return Grid{}, err
	}

	first := true
	var low, bboxMin, bboxMax r3.Vector
	err = forEachSplat(store, root, func(_ uint32, _ uint64, s *Splat) error {
		if !s.IsFinite() {
			return nil
		}
		if first {
			low = s.Position
			bboxMin = s.Position.Sub(r3.Vector{X: s.Radius, Y: s.Radius, Z: s.Radius})
			bboxMax = s.Position.Add(r3.Vector{X: s.Radius, Y: s.Radius, Z: s.Radius})
			first = false
			return nil
		}
		low = minVec(low, s.Position)
		bboxMin = minVec(bboxMin, s.Position.Sub(r3.Vector{X: s.Radius, Y: s.Radius, Z: s.Radius}))
		bboxMax = maxVec(bboxMax, s.Position.Add(r3.Vector{X: s.Radius, Y: s.Radius, Z: s.Radius}))
		return nil
	})
	if err != nil {
		return Grid{}, err
	}
	if first {
		return Grid{}, splaterrors.ErrNoSplats
	}

	grid := Grid{Reference: low, Spacing: spacing}
	lows := [3]float64{low.X, low.Y, low.Z}
	mins := [3]float64{bboxMin.X, bboxMin.Y, bboxMin.Z}
	maxs := [3]float64{bboxMax.X, bboxMax.Y, bboxMax.Z}
	for i := range 3 {
		lo := int64(math.Floor((mins[i] - lows[i]) / spacing))
		hi := int64(math.Ceil((maxs[i] - lows[i]) / spacing))
		if hi <= lo {
			hi = lo + 1 // a degenerate bbox still covers one cell
		}
		grid.Extents[i] = [2]int64{lo, hi}
	}
	return grid, nil
}

func minVec(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

func maxVec(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}
