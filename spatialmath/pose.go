package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pose represents a rigid transform: a translation in millimeters followed by a proper rotation.
// Poses are immutable; every operation returns a new Pose.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// NewZeroPose returns a pose at (0,0,0) with same orientation as whatever frame it is placed in.
func NewZeroPose() Pose {
	return newDualQuaternion()
}

// NewPose takes in a position and orientation and returns a Pose.
func NewPose(p r3.Vector, o Orientation) Pose {
	return newDualQuaternionFromPose(p, o)
}

// NewPoseFromPoint takes in a cartesian (x,y,z) and stores it as a vector.
// It will have the same orientation as the frame it is in.
func NewPoseFromPoint(point r3.Vector) Pose {
	return newDualQuaternionFromPose(point, nil)
}

// NewPoseFromOrientation takes in an orientation and returns a pose at the origin.
func NewPoseFromOrientation(o Orientation) Pose {
	return newDualQuaternionFromPose(r3.Vector{}, o)
}

// NewPoseFromRotationVector builds a pose from a position in millimeters and an R3 rotation vector in radians,
// the form used by Universal Robots pendants.
func NewPoseFromRotationVector(p, rv r3.Vector) Pose {
	return NewPose(p, NewRotationVector(rv))
}

func asDualQuaternion(p Pose) *dualQuaternion {
	if dq, ok := p.(*dualQuaternion); ok {
		return dq
	}
	return newDualQuaternionFromPose(p.Point(), p.Orientation())
}

// Compose treats Poses as functions A(x) and B(x), and produces a new function C(x) = A(B(x)).
// It calculates this by multiplying two dual quaternions and re-normalizing the result.
func Compose(a, b Pose) Pose {
	result := &dualQuaternion{asDualQuaternion(a).Transformation(asDualQuaternion(b).Number)}
	result.normalize()
	return result
}

// ComposeAll composes a chain of poses from left to right.
func ComposeAll(poses ...Pose) Pose {
	out := NewZeroPose()
	for _, p := range poses {
		out = Compose(out, p)
	}
	return out
}

// PoseInverse will return the inverse of a pose. So if a given pose p is the pose of A relative to B, PoseInverse(p) will give
// the pose of B relative to A.
func PoseInverse(p Pose) Pose {
	return asDualQuaternion(p).Invert()
}

// PoseBetween returns the difference between two poses, i.e. the pose whose composition with a gives b:
// Compose(a, PoseBetween(a, b)) == b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// PoseDelta is the size of the difference between two poses.
type PoseDelta struct {
	// Translation is the euclidean distance between the two positions, in millimeters.
	Translation float64
	// Rotation is the angle of the rotation taking one orientation onto the other, in radians.
	Rotation float64
}

// PoseDifference returns the positional and angular distance between two poses.
func PoseDifference(a, b Pose) PoseDelta {
	return PoseDelta{
		Translation: a.Point().Sub(b.Point()).Norm(),
		Rotation:    AngleBetween(a.Orientation(), b.Orientation()),
	}
}

// TransformPoint applies the pose to a point expressed in the pose's child frame.
func TransformPoint(p Pose, pt r3.Vector) r3.Vector {
	return RotateVector(Normalize(p.Orientation().Quaternion()), pt).Add(p.Point())
}

// PoseAlmostEqual will return a bool describing whether 2 poses are approximately the same.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, 1e-6)
}

// PoseAlmostEqualEps will return a bool describing whether 2 poses are approximately the same,
// with epsilon applied to both the translation in millimeters and the rotation angle in radians.
func PoseAlmostEqualEps(a, b Pose, epsilon float64) bool {
	d := PoseDifference(a, b)
	return d.Translation < epsilon && d.Rotation < epsilon
}

// PoseIsFinite reports whether every component of the pose is a finite number.
func PoseIsFinite(p Pose) bool {
	pt := p.Point()
	q := p.Orientation().Quaternion()
	for _, v := range []float64{pt.X, pt.Y, pt.Z, q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// PoseRecord is the serialized form of a Pose: millimeters and an R3 rotation vector in radians.
type PoseRecord struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`
}

// PoseToRecord converts a Pose to its serialized form.
func PoseToRecord(p Pose) PoseRecord {
	pt := p.Point()
	rv := p.Orientation().RotationVector()
	return PoseRecord{X: pt.X, Y: pt.Y, Z: pt.Z, RX: rv.X, RY: rv.Y, RZ: rv.Z}
}

// Pose converts the record back into a Pose.
func (r PoseRecord) Pose() Pose {
	return NewPoseFromRotationVector(r3.Vector{X: r.X, Y: r.Y, Z: r.Z}, r3.Vector{X: r.RX, Y: r.RY, Z: r.RZ})
}

// Validate returns an error if any component is not finite.
func (r PoseRecord) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.Z, r.RX, r.RY, r.RZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("pose %v has non-finite component", r)
		}
	}
	return nil
}

// PrettyPrint prints a pose as position and rotation vector.
func PrettyPrint(p Pose) string {
	r := PoseToRecord(p)
	return fmt.Sprintf("X:%.3f Y:%.3f Z:%.3f RX:%.5f RY:%.5f RZ:%.5f", r.X, r.Y, r.Z, r.RX, r.RY, r.RZ)
}
