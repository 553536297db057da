// Package spatialmath defines spatial mathematical operations.
// Positions are in millimetres and angles in radians unless a name says otherwise.
package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Orientation is an interface used to express the different parameterizations of the orientation
// of a rigid object or a frame of reference in 3D Euclidean space.
type Orientation interface {
	AxisAngles() *R4AA
	RotationVector() r3.Vector
	Quaternion() quat.Number
	EulerAngles() *EulerAngles
	RotationMatrix() *RotationMatrix
}

// NewZeroOrientation returns an orientatation which signifies no rotation.
func NewZeroOrientation() Orientation {
	return &Quaternion{1, 0, 0, 0}
}

// OrientationAlmostEqual will return a bool describing whether 2 poses have approximately the same orientation.
func OrientationAlmostEqual(o1, o2 Orientation) bool {
	return QuaternionAlmostEqual(o1.Quaternion(), o2.Quaternion(), 1e-5)
}

// OrientationAlmostEqualEps is OrientationAlmostEqual with a caller supplied tolerance on the quaternion components.
func OrientationAlmostEqualEps(o1, o2 Orientation, epsilon float64) bool {
	return QuaternionAlmostEqual(o1.Quaternion(), o2.Quaternion(), epsilon)
}

// OrientationBetween returns the orientation representing the difference between the two given Orientations.
func OrientationBetween(o1, o2 Orientation) Orientation {
	q := Quaternion(Normalize(quat.Mul(o2.Quaternion(), quat.Conj(o1.Quaternion()))))
	return &q
}

// AngleBetween returns the magnitude in radians of the rotation that takes o1 onto o2, in [0, pi].
func AngleBetween(o1, o2 Orientation) float64 {
	return QuatAngle(quat.Mul(quat.Conj(o1.Quaternion()), o2.Quaternion()))
}

// OrientationInverse returns the inverse of the given orientation.
func OrientationInverse(o Orientation) Orientation {
	q := Quaternion(quat.Conj(Normalize(o.Quaternion())))
	return &q
}
