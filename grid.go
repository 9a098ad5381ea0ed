package splatbucket

import (
	"math"

	"github.com/golang/geo/r3"
)

// Grid is a regular axis-aligned grid of cubic cells. Cell coordinates are
// integers relative to the reference point: the world position of vertex
// (x, y, z) is Reference + Spacing*(lo+x, lo+y, lo+z) where lo is the lower
// extent on each axis. Extents are half-open cell ranges [lo, hi) and may
// be negative.
type Grid struct {
	Reference r3.Vector
	Spacing   float64
	Extents   [3][2]int64
}

// NewGrid constructs a grid from a reference point, spacing and extents.
func NewGrid(reference r3.Vector, spacing float64, extents [3][2]int64) Grid {
	return Grid{Reference: reference, Spacing: spacing, Extents: extents}
}

// NumCells returns the number of cells along the given axis.
func (g *Grid) NumCells(axis int) int64 {
	return g.Extents[axis][1] - g.Extents[axis][0]
}

// Dims returns the number of cells along each axis.
func (g *Grid) Dims() [3]int64 {
	return [3]int64{g.NumCells(0), g.NumCells(1), g.NumCells(2)}
}

// MaxDim returns the largest cell count over the three axes.
func (g *Grid) MaxDim() int64 {
	return max3(g.Dims())
}

// Vertex returns the world-space position of the grid vertex with the given
// cell coordinates, relative to the lower extent corner. Coordinates may
// exceed the extents; the result is extrapolated.
func (g *Grid) Vertex(x, y, z int64) r3.Vector {
	return r3.Vector{
		X: g.Reference.X + g.Spacing*float64(g.Extents[0][0]+x),
		Y: g.Reference.Y + g.Spacing*float64(g.Extents[1][0]+y),
		Z: g.Reference.Z + g.Spacing*float64(g.Extents[2][0]+z),
	}
}

// SubGrid returns the grid covering cells [lo, hi) of this grid, with
// coordinates relative to the lower extent corner. The result is clamped
// to this grid's extents, since octree cells may overhang the boundary.
func (g *Grid) SubGrid(lo, hi [3]int64) Grid {
	sub := Grid{Reference: g.Reference, Spacing: g.Spacing}
	for i := range 3 {
		l := g.Extents[i][0] + lo[i]
		h := g.Extents[i][0] + hi[i]
		if h > g.Extents[i][1] {
			h = g.Extents[i][1]
		}
		sub.Extents[i] = [2]int64{l, h}
	}
	return sub
}

// splatIntersectsCell conservatively tests whether a splat's bounding
// sphere intersects a cube of side cells starting at base (in local cell
// coordinates). This is a bounding-box test, not an exact sphere-box test,
// so it may report extra intersections but never misses one.
func splatIntersectsCell(s *Splat, base [3]int64, side int64, g *Grid) bool {
	lo := g.Vertex(base[0], base[1], base[2])
	hi := g.Vertex(base[0]+side, base[1]+side, base[2]+side)

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

// splatToBuckets computes the inclusive range of buckets covered by a
// splat's bounding box, for a grid based at the origin. Coordinates are in
// units of buckets, each bucketSize cells across, with bucket (0,0,0)
// overlapping cell (0,0,0).
func splatToBuckets(s *Splat, spacing float64, bucketSize int64) (lower, upper [3]int64) {
	pos := [3]float64{s.Position.X, s.Position.Y, s.Position.Z}
	for i := range 3 {
		loCell := int64(math.Floor((pos[i] - s.Radius) / spacing))
		hiCell := int64(math.Ceil((pos[i] + s.Radius) / spacing))
		lower[i] = floorDiv(loCell, bucketSize)
		upper[i] = floorDiv(hiCell, bucketSize)
	}
	return lower, upper
}
