package splatbucket

import (
	"encoding/binary"
	"hash/fnv"
	randv2 "math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
)

const (
	testSeed1 = 0x9e3779b97f4a7c15
	testSeed2 = 0xc2b2ae3d27d4eb4f
)

// newTestRNG returns a deterministic RNG seeded from the test name, so each
// test gets its own reproducible stream.
func newTestRNG(t testing.TB) *randv2.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return randv2.New(randv2.NewPCG(testSeed1^s1, testSeed2^s2))
}

// randomSplats generates n finite splats uniformly inside a cube of the
// given extent, with radii up to maxRadius.
func randomSplats(rng *randv2.Rand, n int, extent, maxRadius float64) []Splat {
	splats := make([]Splat, n)
	for i := range splats {
		splats[i] = Splat{
			Position: r3.Vector{
				X: rng.Float64() * extent,
				Y: rng.Float64() * extent,
				Z: rng.Float64() * extent,
			},
			Radius: rng.Float64() * maxRadius,
			Normal: r3.Vector{Z: 1},
		}
	}
	return splats
}

// splatKey identifies one splat across scans.
type splatKey struct {
	scan uint32
	id   uint64
}

// expandRanges enumerates the splat keys a range list covers.
func expandRanges(ranges []SplatRange) []splatKey {
	var keys []splatKey
	for _, r := range ranges {
		for j := uint64(0); j < uint64(r.Size); j++ {
			keys = append(keys, splatKey{scan: r.Scan, id: r.Start + j})
		}
	}
	return keys
}

// capturedBucket is one Processor invocation recorded by captureBuckets.
type capturedBucket struct {
	grid      Grid
	numSplats uint64
	ranges    []SplatRange
}

// captureBuckets returns a Processor appending every bucket to out. The
// ranges slice is copied, since the engine reuses it.
func captureBuckets(out *[]capturedBucket) Processor {
	return func(_ Store, numSplats uint64, ranges []SplatRange, grid Grid) error {
		b := capturedBucket{grid: grid, numSplats: numSplats}
		b.ranges = append(b.ranges, ranges...)
		*out = append(*out, b)
		return nil
	}
}

// splatInGrid reports whether the splat's bounding box overlaps the grid's
// world-space box, using the same conservative comparisons as the engine.
func splatInGrid(s *Splat, g *Grid) bool {
	dims := g.Dims()
	lo := g.Vertex(0, 0, 0)
	hi := g.Vertex(dims[0], dims[1], dims[2])
	if s.Position.X+s.Radius < lo.X || s.Position.X-s.Radius > hi.X {
		return false
	}
	if s.Position.Y+s.Radius < lo.Y || s.Position.Y-s.Radius > hi.Y {
		return false
	}
	if s.Position.Z+s.Radius < lo.Z || s.Position.Z-s.Radius > hi.Z {
		return false
	}
	return true
}
