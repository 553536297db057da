package spatialmath

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// dualQuaternion defines functions to perform rigid dualQuaternion transformations in 3D.
// If you find yourself initializing this struct directly, you are probably doing something wrong;
// use NewPose or one of the other constructors.
type dualQuaternion struct {
	dualquat.Number
}

// newDualQuaternion returns a pointer to a new dualQuaternion object whose Quaternion is an identity Quaternion.
// Since the real part of a dual quaternion should be a unit quaternion, not all zeroes, this should be used
// instead of &dualQuaternion{}.
func newDualQuaternion() *dualQuaternion {
	return &dualQuaternion{dualquat.Number{
		Real: quat.Number{Real: 1},
		Dual: quat.Number{},
	}}
}

// newDualQuaternionFromPose builds a normalized dual quaternion from a point and an orientation.
func newDualQuaternionFromPose(point r3.Vector, o Orientation) *dualQuaternion {
	q := newDualQuaternion()
	if o != nil {
		q.Real = Normalize(o.Quaternion())
	}
	q.SetTranslation(point)
	return q
}

// Point multiplies the dual quaternion by its own conjugate to give a dq where the real is the identity quat,
// and the dual is representative of real world millimeters. We then return the xyz of the dual.
func (q *dualQuaternion) Point() r3.Vector {
	tQuat := quat.Scale(2, quat.Mul(q.Dual, quat.Conj(q.Real)))
	return r3.Vector{X: tQuat.Imag, Y: tQuat.Jmag, Z: tQuat.Kmag}
}

// Orientation returns the rotation quaternion as an Orientation.
func (q *dualQuaternion) Orientation() Orientation {
	rot := Quaternion(q.Real)
	return &rot
}

// SetTranslation correctly sets the translation quaternion against the rotation.
func (q *dualQuaternion) SetTranslation(pt r3.Vector) {
	q.Dual = quat.Mul(quat.Number{Real: 0, Imag: pt.X / 2, Jmag: pt.Y / 2, Kmag: pt.Z / 2}, q.Real)
}

// normalize re-projects the dual quaternion onto the set of rigid transforms. Repeated composition
// accumulates floating point drift in both parts; the rotation is renormalized and the translation
// is re-derived against it.
func (q *dualQuaternion) normalize() {
	pt := q.Point()
	q.Real = Normalize(q.Real)
	q.SetTranslation(pt)
}

// Transformation multiplies the dual quat contained in this dualQuaternion by another dual quat.
func (q *dualQuaternion) Transformation(by dualquat.Number) dualquat.Number {
	// Ensure we are multiplying by a unit dual quaternion
	if vecLen := quat.Abs(by.Real); vecLen != 1 {
		by.Real = quat.Scale(1/vecLen, by.Real)
		by.Dual = quat.Scale(1/vecLen, by.Dual)
	}
	return dualquat.Mul(q.Number, by)
}

// Invert returns a dualQuaternion representing the opposite transformation.
func (q *dualQuaternion) Invert() Pose {
	inv := &dualQuaternion{dualquat.Number{
		Real: quat.Conj(q.Real),
		Dual: quat.Conj(q.Dual),
	}}
	inv.normalize()
	return inv
}
