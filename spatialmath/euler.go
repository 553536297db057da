package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// EulerAngles are three angles (in radians) used to represent the rotation of an object in 3D Euclidean space.
// The rotation is extrinsic about the fixed x, y and z axes in that order, i.e. R = Rz(Yaw) * Ry(Pitch) * Rx(Roll).
// Euler angles are terrible, don't use them for math. They exist so poses can be shown the way operators expect.
type EulerAngles struct {
	Roll  float64 `json:"roll"`  // phi
	Pitch float64 `json:"pitch"` // theta
	Yaw   float64 `json:"yaw"`   // psi
}

// NewEulerAngles creates an empty EulerAngles struct.
func NewEulerAngles() *EulerAngles {
	return &EulerAngles{Roll: 0, Pitch: 0, Yaw: 0}
}

// AxisAngles returns the orientation in axis angle representation.
func (ea *EulerAngles) AxisAngles() *R4AA {
	aa := QuatToR4AA(ea.Quaternion())
	return &aa
}

// RotationVector returns the orientation as an R3 rotation vector.
func (ea *EulerAngles) RotationVector() r3.Vector {
	return QuatToR3AA(ea.Quaternion())
}

// Quaternion returns orientation in quaternion representation.
// reference: https://en.wikipedia.org/wiki/Conversion_between_quaternions_and_Euler_angles#Euler_angles_to_quaternion_conversion
func (ea *EulerAngles) Quaternion() quat.Number {
	cy := math.Cos(ea.Yaw * 0.5)
	sy := math.Sin(ea.Yaw * 0.5)
	cp := math.Cos(ea.Pitch * 0.5)
	sp := math.Sin(ea.Pitch * 0.5)
	cr := math.Cos(ea.Roll * 0.5)
	sr := math.Sin(ea.Roll * 0.5)

	q := quat.Number{}
	q.Real = cr*cp*cy + sr*sp*sy
	q.Imag = sr*cp*cy - cr*sp*sy
	q.Jmag = cr*sp*cy + sr*cp*sy
	q.Kmag = cr*cp*sy - sr*sp*cy

	return Normalize(q)
}

// EulerAngles returns orientation in Euler angle representation.
func (ea *EulerAngles) EulerAngles() *EulerAngles {
	return ea
}

// RotationMatrix returns the orientation in rotation matrix representation.
func (ea *EulerAngles) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(ea.Quaternion())
}

// Degrees returns roll, pitch and yaw in degrees.
func (ea *EulerAngles) Degrees() r3.Vector {
	return r3.Vector{X: ea.Roll * radToDeg, Y: ea.Pitch * radToDeg, Z: ea.Yaw * radToDeg}
}

// NewEulerAnglesFromDegrees builds EulerAngles from roll, pitch and yaw given in degrees.
func NewEulerAnglesFromDegrees(roll, pitch, yaw float64) *EulerAngles {
	return &EulerAngles{Roll: roll * degToRad, Pitch: pitch * degToRad, Yaw: yaw * degToRad}
}

// QuatToEulerAngles converts a quaternion to the euler angle representation. Algorithm from Wikipedia.
// https://en.wikipedia.org/wiki/Conversion_between_quaternions_and_Euler_angles#Quaternion_to_Euler_angles_conversion
func QuatToEulerAngles(q quat.Number) *EulerAngles {
	q = Normalize(q)
	angles := EulerAngles{}

	// roll (x-axis rotation)
	sinrCosp := 2 * (q.Real*q.Imag + q.Jmag*q.Kmag)
	cosrCosp := 1 - 2*(q.Imag*q.Imag+q.Jmag*q.Jmag)
	angles.Roll = math.Atan2(sinrCosp, cosrCosp)

	// pitch (y-axis rotation)
	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if math.Abs(sinp) >= 1 {
		angles.Pitch = math.Copysign(math.Pi/2., sinp) // use 90 degrees if out of range
	} else {
		angles.Pitch = math.Asin(sinp)
	}

	// yaw (z-axis rotation)
	sinyCosp := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosyCosp := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	angles.Yaw = math.Atan2(sinyCosp, cosyCosp)

	return &angles
}
