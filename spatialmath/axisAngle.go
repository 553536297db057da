package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// See here for a thorough explanation: https://en.wikipedia.org/wiki/Axis%E2%80%93angle_representation
// Basic explanation: Imagine a 3d cartesian grid centered at 0,0,0, and a sphere of radius 1 centered at
// that same point. An orientation can be expressed by first specifying an axis, i.e. a line from the origin
// to a point on that sphere, represented by (rx, ry, rz), and a rotation around that axis, theta.
// These four numbers can be used as-is (R4), or they can be converted to R3, where theta is multiplied by each of
// the unit sphere components to give a vector whose length is theta and whose direction is the original axis.
// Universal Robots controllers and teach pendants report orientation in the R3 form.

// R4AA represents an R4 axis angle.
type R4AA struct {
	Theta float64 `json:"th"`
	RX    float64 `json:"x"`
	RY    float64 `json:"y"`
	RZ    float64 `json:"z"`
}

// NewR4AA creates an empty R4AA struct.
func NewR4AA() *R4AA {
	return &R4AA{Theta: 0, RX: 0, RY: 0, RZ: 1}
}

// AxisAngles returns the orientation in axis angle representation.
func (r4 *R4AA) AxisAngles() *R4AA {
	return r4
}

// RotationVector returns the orientation as an R3 rotation vector of length at most pi.
func (r4 *R4AA) RotationVector() r3.Vector {
	return QuatToR3AA(r4.ToQuat())
}

// Quaternion returns orientation in quaternion representation.
func (r4 *R4AA) Quaternion() quat.Number {
	return r4.ToQuat()
}

// EulerAngles returns orientation in Euler angle representation.
func (r4 *R4AA) EulerAngles() *EulerAngles {
	return QuatToEulerAngles(r4.Quaternion())
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (r4 *R4AA) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(r4.Quaternion())
}

// ToR3 converts an R4 angle axis to R3.
func (r4 *R4AA) ToR3() r3.Vector {
	return r3.Vector{X: r4.RX * r4.Theta, Y: r4.RY * r4.Theta, Z: r4.RZ * r4.Theta}
}

// ToQuat converts an R4 axis angle to a unit quaternion
// See: https://www.euclideanspace.com/maths/geometry/rotations/conversions/angleToQuaternion/index.htm
func (r4 *R4AA) ToQuat() quat.Number {
	if r4.RX == 0 && r4.RY == 0 && r4.RZ == 0 {
		return quat.Number{Real: 1}
	}
	sinA := math.Sin(r4.Theta / 2)
	// Ensure that point xyz is on the unit sphere
	r4.Normalize()

	// Get the unit-sphere components
	ax := r4.RX * sinA
	ay := r4.RY * sinA
	az := r4.RZ * sinA
	w := math.Cos(r4.Theta / 2)
	return Normalize(quat.Number{Real: w, Imag: ax, Jmag: ay, Kmag: az})
}

// Normalize scales the x, y, and z components of a R4 axis angle to be on the unit sphere.
// A zero axis is replaced by +Z.
func (r4 *R4AA) Normalize() {
	norm := math.Sqrt(r4.RX*r4.RX + r4.RY*r4.RY + r4.RZ*r4.RZ)
	if norm == 0.0 {
		r4.RX, r4.RY, r4.RZ = 0, 0, 1
		return
	}
	r4.RX /= norm
	r4.RY /= norm
	r4.RZ /= norm
}

// fixOrientation makes theta non-negative by flipping the axis.
func (r4 *R4AA) fixOrientation() {
	if r4.Theta < 0.0 {
		r4.Theta *= -1.
		r4.RX *= -1.
		r4.RY *= -1.
		r4.RZ *= -1.
	}
}

// R3ToR4 converts an R3 angle axis to R4.
func R3ToR4(aa r3.Vector) *R4AA {
	theta := aa.Norm()
	if theta < 1e-12 {
		return NewR4AA()
	}
	return &R4AA{theta, aa.X / theta, aa.Y / theta, aa.Z / theta}
}

// NewRotationVector returns the Orientation described by the R3 rotation vector rv. Vectors longer
// than pi are stored as their wrapped equivalent.
func NewRotationVector(rv r3.Vector) Orientation {
	return R3ToR4(WrapRotationVector(rv))
}

// QuatToR4AA converts a quat to an R4 axis angle in the same way the C++ Eigen library does.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
// The returned angle is in [0, pi].
func QuatToR4AA(q quat.Number) R4AA {
	q = Normalize(q)
	denom := Norm(q)

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}

	if denom < 1e-12 {
		return R4AA{0, 0, 0, 1}
	}
	aa := R4AA{angle, q.Imag / denom, q.Jmag / denom, q.Kmag / denom}
	aa.fixOrientation()
	return aa
}

// QuatToR3AA converts a quat to an R3 axis angle in the same way the C++ Eigen library does.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
// The length of the returned vector is in [0, pi].
func QuatToR3AA(q quat.Number) r3.Vector {
	aa := QuatToR4AA(q)
	return aa.ToR3()
}

// WrapRotationVector returns the rotation vector of length at most pi that describes the same rotation as rv.
// Controllers may report the equivalent vector of length 2*pi - theta about the flipped axis.
func WrapRotationVector(rv r3.Vector) r3.Vector {
	theta := rv.Norm()
	if theta <= math.Pi {
		return rv
	}
	wrapped := math.Mod(theta, 2*math.Pi)
	if wrapped > math.Pi {
		wrapped -= 2 * math.Pi
	}
	return rv.Mul(wrapped / theta)
}
