package posereader

import (
	"fmt"

	"go.viam.com/handeye/spatialmath"
)

// FormatPendant renders a pose the way the UR teach pendant shows it: millimetres and a rotation
// vector in radians.
func FormatPendant(p spatialmath.Pose) string {
	r := spatialmath.PoseToRecord(p)
	return fmt.Sprintf("X=%.2fmm Y=%.2fmm Z=%.2fmm RX=%.4f RY=%.4f RZ=%.4f", r.X, r.Y, r.Z, r.RX, r.RY, r.RZ)
}

// FormatEuler renders a pose as millimetres and extrinsic xyz Euler angles in degrees.
func FormatEuler(p spatialmath.Pose) string {
	pt := p.Point()
	deg := p.Orientation().EulerAngles().Degrees()
	return fmt.Sprintf("X=%.2fmm Y=%.2fmm Z=%.2fmm Rx=%.2f° Ry=%.2f° Rz=%.2f°", pt.X, pt.Y, pt.Z, deg.X, deg.Y, deg.Z)
}
