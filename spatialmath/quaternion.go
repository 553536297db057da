package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is an orientation in unit quaternion representation.
type Quaternion quat.Number

// AxisAngles returns the orientation in axis angle representation.
func (q *Quaternion) AxisAngles() *R4AA {
	aa := QuatToR4AA(q.Quaternion())
	return &aa
}

// RotationVector returns the orientation as an R3 rotation vector.
func (q *Quaternion) RotationVector() r3.Vector {
	return QuatToR3AA(q.Quaternion())
}

// Quaternion returns orientation in quaternion representation.
func (q *Quaternion) Quaternion() quat.Number {
	return quat.Number(*q)
}

// EulerAngles returns orientation in Euler angle representation.
func (q *Quaternion) EulerAngles() *EulerAngles {
	return QuatToEulerAngles(q.Quaternion())
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (q *Quaternion) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(q.Quaternion())
}

// NewQuaternion normalizes the given quaternion and returns it as an Orientation.
func NewQuaternion(q quat.Number) Orientation {
	n := Quaternion(Normalize(q))
	return &n
}

// Normalize returns the unit quaternion pointing the same way as q. A zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 || math.IsNaN(norm) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}

// Norm returns the norm of the quaternion, i.e. the sqrt of the squares of the imaginary parts.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// PositiveReal returns q or its negation, whichever has a non-negative real part. Both describe the same rotation.
func PositiveReal(q quat.Number) quat.Number {
	if q.Real < 0 {
		return Flip(q)
	}
	return q
}

// QuaternionAlmostEqual is an equality test for all the float components of a quaternion. Quaternions have double coverage,
// so q and -q are considered equal.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	close := func(x, y quat.Number) bool {
		return math.Abs(x.Real-y.Real) < tol &&
			math.Abs(x.Imag-y.Imag) < tol &&
			math.Abs(x.Jmag-y.Jmag) < tol &&
			math.Abs(x.Kmag-y.Kmag) < tol
	}
	return close(a, b) || close(a, Flip(b))
}

// QuatAngle returns the rotation angle of a unit quaternion in [0, pi].
func QuatAngle(q quat.Number) float64 {
	q = Normalize(q)
	return 2 * math.Atan2(Norm(q), math.Abs(q.Real))
}

// RotateVector rotates v by the unit quaternion q.
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}
