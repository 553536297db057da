package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	radToDeg = 180 / math.Pi
	degToRad = math.Pi / 180
)

// R3VectorAlmostEqual compares two r3.Vector objects and returns if the all elementwise differences are less than epsilon.
func R3VectorAlmostEqual(a, b r3.Vector, epsilon float64) bool {
	return math.Abs(a.X-b.X) < epsilon && math.Abs(a.Y-b.Y) < epsilon && math.Abs(a.Z-b.Z) < epsilon
}
