package handeye_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/spatialmath"
)

var sceneStart = time.Date(2024, 6, 11, 14, 0, 0, 0, time.UTC)

// scene is a cell with a known camera transform and marker pose.
type scene struct {
	mounting handeye.Mounting
	x        spatialmath.Pose
	target   spatialmath.Pose
}

func eyeInHandScene() scene {
	return scene{
		mounting: handeye.EyeInHand,
		x:        spatialmath.NewPoseFromRotationVector(r3.Vector{X: 35, Y: -12, Z: 58}, r3.Vector{X: 0.02, Y: -0.03, Z: math.Pi / 2}),
		target:   spatialmath.NewPoseFromRotationVector(r3.Vector{X: 520, Y: 40, Z: 5}, r3.Vector{Z: 0.3}),
	}
}

func eyeToHandScene() scene {
	return scene{
		mounting: handeye.EyeToHand,
		x:        spatialmath.NewPoseFromRotationVector(r3.Vector{X: 900, Y: 50, Z: 700}, r3.Vector{X: 0.1, Y: 2.6, Z: 0.05}),
		target:   spatialmath.NewPoseFromRotationVector(r3.Vector{Z: 25}, r3.Vector{Z: 0.7}),
	}
}

// markerPose is what the camera sees with the robot at robot.
func (s scene) markerPose(robot spatialmath.Pose) spatialmath.Pose {
	frame := robot
	if s.mounting == handeye.EyeToHand {
		frame = spatialmath.PoseInverse(robot)
	}
	return spatialmath.ComposeAll(spatialmath.PoseInverse(s.x), spatialmath.PoseInverse(frame), s.target)
}

func randomUnit(rng *rand.Rand) r3.Vector {
	for {
		v := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		if n := v.Norm(); n > 1e-3 {
			return v.Mul(1 / n)
		}
	}
}

// randomRobotPose is a tool-down pose tilted 10 to 35 degrees about a random axis.
func randomRobotPose(rng *rand.Rand) spatialmath.Pose {
	position := r3.Vector{
		X: 400 + 200*(rng.Float64()-0.5),
		Y: 300 * (rng.Float64() - 0.5),
		Z: 300 + 160*(rng.Float64()-0.5),
	}
	tilt := randomUnit(rng).Mul((10 + 25*rng.Float64()) * math.Pi / 180)
	down := spatialmath.NewPoseFromRotationVector(r3.Vector{}, r3.Vector{X: math.Pi})
	o := spatialmath.Compose(down, spatialmath.NewPoseFromRotationVector(r3.Vector{}, tilt)).Orientation()
	return spatialmath.NewPose(position, o)
}

// perturb composes p with a random motion of about mm millimetres and deg degrees.
func perturb(rng *rand.Rand, p spatialmath.Pose, mm, deg float64) spatialmath.Pose {
	if mm == 0 && deg == 0 {
		return p
	}
	d := spatialmath.NewPoseFromRotationVector(
		randomUnit(rng).Mul(mm*math.Abs(rng.NormFloat64())),
		randomUnit(rng).Mul(deg*math.Pi/180*math.Abs(rng.NormFloat64())),
	)
	return spatialmath.Compose(p, d)
}

// samples synthesizes n samples with marker pose noise.
func (s scene) samples(t *testing.T, rng *rand.Rand, n int, noiseMM, noiseDeg float64) []*handeye.CalibrationSample {
	t.Helper()
	out := make([]*handeye.CalibrationSample, 0, n)
	for i := 0; i < n; i++ {
		robot := randomRobotPose(rng)
		marker := perturb(rng, s.markerPose(robot), noiseMM, noiseDeg)
		sample, err := handeye.NewCalibrationSample(robot, marker, 3, sceneStart.Add(time.Duration(i)*time.Second))
		test.That(t, err, test.ShouldBeNil)
		out = append(out, sample)
	}
	return out
}

// rawPose is how a controller with the identity convention would report p.
func rawPose(p spatialmath.Pose) arm.RawPose {
	rec := spatialmath.PoseToRecord(p)
	return arm.RawPose{X: rec.X, Y: rec.Y, Z: rec.Z, RX: rec.RX, RY: rec.RY, RZ: rec.RZ, Status: arm.Status{PoweredOn: true}}
}

func expectPoseNear(t *testing.T, got, want spatialmath.Pose, mm, rad float64) {
	t.Helper()
	test.That(t, got, test.ShouldNotBeNil)
	d := spatialmath.PoseDifference(got, want)
	test.That(t, d.Translation, test.ShouldBeLessThan, mm)
	test.That(t, d.Rotation, test.ShouldBeLessThan, rad)
}
