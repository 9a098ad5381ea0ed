package splatbucket

import (
	"math"

	"github.com/golang/geo/r3"
)

// Splat is a point sample with a bounding radius. The bounding sphere
// (Position, Radius) is the primitive spatial object for bucketing; the
// normal is carried through for downstream consumers but never inspected.
type Splat struct {
	Position r3.Vector
	Radius   float64
	Normal   r3.Vector
}

// IsFinite reports whether every component of the splat is finite and the
// radius is non-negative. Splats failing this test are skipped by the
// streaming passes rather than treated as errors.
func (s *Splat) IsFinite() bool {
	return isFinite(s.Position.X) && isFinite(s.Position.Y) && isFinite(s.Position.Z) &&
		isFinite(s.Normal.X) && isFinite(s.Normal.Y) && isFinite(s.Normal.Z) &&
		isFinite(s.Radius) && s.Radius >= 0
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// NewVector is a convenience constructor for splat positions and normals.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}
