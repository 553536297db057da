package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/handeye/store"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/spatialmath"
	"go.viam.com/handeye/utils"
)

var (
	flangeToCamera = spatialmath.NewPoseFromRotationVector(r3.Vector{X: 30, Y: -10, Z: 60}, r3.Vector{Z: math.Pi / 2})
	markerInBase   = spatialmath.NewPoseFromRotationVector(r3.Vector{X: 500, Y: 40}, r3.Vector{Z: 0.3})
)

// seenMarker is the marker pose an eye-in-hand camera reports with the flange at robot.
func seenMarker(robot spatialmath.Pose) spatialmath.Pose {
	return spatialmath.ComposeAll(spatialmath.PoseInverse(flangeToCamera), spatialmath.PoseInverse(robot), markerInBase)
}

func robotPose(rng *rand.Rand) spatialmath.Pose {
	position := r3.Vector{X: 400 + 100*rng.Float64(), Y: 100 * (rng.Float64() - 0.5), Z: 300 + 100*rng.Float64()}
	axis := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Normalize()
	tilt := spatialmath.NewPoseFromRotationVector(r3.Vector{}, axis.Mul((10+25*rng.Float64())*math.Pi/180))
	down := spatialmath.NewPoseFromRotationVector(r3.Vector{}, r3.Vector{X: math.Pi})
	return spatialmath.NewPose(position, spatialmath.Compose(down, tilt).Orientation())
}

// fakePose is the config form of a fake controller pose with the identity convention.
func fakePose(p spatialmath.Pose) map[string]float64 {
	rec := spatialmath.PoseToRecord(p)
	return map[string]float64{"x": rec.X, "y": rec.Y, "z": rec.Z, "rx": rec.RX, "ry": rec.RY, "rz": rec.RZ}
}

type testEnv struct {
	configPath string
	feedPath   string
	dataDir    string
}

// newTestEnv writes a fake robot config whose controller sits at robot. extra is merged into the
// top level of the config.
func newTestEnv(t *testing.T, robot spatialmath.Pose, extra map[string]interface{}) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		configPath: filepath.Join(dir, "handeye.json"),
		feedPath:   filepath.Join(dir, "feed", "detections.json"),
		dataDir:    filepath.Join(dir, "data"),
	}
	test.That(t, os.MkdirAll(filepath.Dir(env.feedPath), 0o700), test.ShouldBeNil)

	conf := map[string]interface{}{
		"robot":    map[string]interface{}{"model": "fake", "fake_pose": fakePose(robot)},
		"detector": map[string]interface{}{"feed_path": env.feedPath, "frame_timeout": "2s"},
		"data_dir": env.dataDir,
	}
	for k, v := range extra {
		conf[k] = v
	}
	data, err := json.Marshal(conf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(env.configPath, data, 0o600), test.ShouldBeNil)
	return env
}

// detect keeps writing a frame with the marker at pose until the test ends, as a detector would.
func (env *testEnv) detect(t *testing.T, pose spatialmath.Pose) {
	t.Helper()
	rec := spatialmath.PoseToRecord(pose)
	frame := fmt.Sprintf(`{"detections": [{"tag_id": 3, "family": "tag36h11", "translation": [%g, %g, %g],
		"rotation_vector": [%g, %g, %g], "decision_margin": 60}]}`, rec.X, rec.Y, rec.Z, rec.RX, rec.RY, rec.RZ)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
			}
			tmp := env.feedPath + ".tmp"
			if err := os.WriteFile(tmp, []byte(frame), 0o600); err != nil {
				return
			}
			if err := os.Rename(tmp, env.feedPath); err != nil {
				return
			}
		}
	}()
}

func runApp(t *testing.T, in string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := NewApp(strings.NewReader(in), &out, &errOut)
	err := a.Run(append([]string{"handeye"}, args...))
	return out.String(), errOut.String(), err
}

func TestParsePose(t *testing.T) {
	p, err := parsePose("400, -100.5, 300, 0, 3.14, 0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Point().Y, test.ShouldEqual, -100.5)
	test.That(t, p.Orientation().RotationVector().Y, test.ShouldAlmostEqual, 3.14, 1e-9)

	for _, bad := range []string{"", "1,2,3", "1,2,3,4,5,6,7", "1,2,3,4,5,x", "1,2,3,4,5,NaN"} {
		_, err := parsePose(bad)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestPoseCommand(t *testing.T) {
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 400, Y: -100, Z: 300}, r3.Vector{Y: 3.1})
	env := newTestEnv(t, robot, nil)

	out, _, err := runApp(t, "", "-c", env.configPath, "pose")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "X=400.00mm Y=-100.00mm Z=300.00mm")
	test.That(t, out, test.ShouldContainSubstring, "powered on")

	out, _, err = runApp(t, "", "-c", env.configPath, "pose", "--continuous", "--interval", "1ms", "--count", "3")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Count(out, "X=400.00mm"), test.ShouldEqual, 3)

	// the config file can come from the environment
	t.Setenv(utils.ConfigEnvVar, env.configPath)
	out, _, err = runApp(t, "", "--trace", "pose")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "X=400.00mm")
}

func TestPendantCheckCommand(t *testing.T) {
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 400, Y: -100, Z: 300}, r3.Vector{Y: 3.1})
	env := newTestEnv(t, robot, nil)

	out, _, err := runApp(t, "", "-c", env.configPath, "pendant-check", "--pose", "400,-100,300,0,3.1,0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "PASS")

	// a pendant showing x and y flipped is a sign convention error
	out, _, err = runApp(t, "", "-c", env.configPath, "pendant-check", "--pose", "-400,100,300,0,3.1,0")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sign convention")
	test.That(t, out, test.ShouldContainSubstring, "FAIL")

	_, _, err = runApp(t, "", "-c", env.configPath, "pendant-check", "--pose", "400,-100")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveAndVerifyCommands(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	held := robotPose(rng)
	metricsPath := filepath.Join(t.TempDir(), "handeye.prom")
	env := newTestEnv(t, held, map[string]interface{}{"metrics_textfile": metricsPath})

	fs, err := store.NewFileStore(env.dataDir, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	var samples []*handeye.CalibrationSample
	start := time.Date(2024, 6, 11, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		robot := robotPose(rng)
		s, err := handeye.NewCalibrationSample(robot, seenMarker(robot), 3, start.Add(time.Duration(i)*time.Second))
		test.That(t, err, test.ShouldBeNil)
		samples = append(samples, s)
	}
	input, err := fs.SaveSamples(samples, handeye.EyeInHand)
	test.That(t, err, test.ShouldBeNil)

	out, _, err := runApp(t, "", "-c", env.configPath, "solve", "--input", input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ACCEPTED")
	test.That(t, out, test.ShouldContainSubstring, "saved result to")
	resultPath, err := fs.LatestResult()
	test.That(t, err, test.ShouldBeNil)
	result, err := store.LoadResult(resultPath)
	test.That(t, err, test.ShouldBeNil)
	d := spatialmath.PoseDifference(result.Transform, flangeToCamera)
	test.That(t, d.Translation, test.ShouldBeLessThan, 1)
	test.That(t, d.Rotation, test.ShouldBeLessThan, 0.01)

	metrics, err := os.ReadFile(metricsPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(metrics), test.ShouldContainSubstring, `handeye_solves_total{quality="accepted"} 1`)

	env.detect(t, seenMarker(held))
	out, _, err = runApp(t, "\n", "-c", env.configPath, "verify", "--count", "1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "sample 1:")
	test.That(t, out, test.ShouldContainSubstring, "PASS")
	test.That(t, out, test.ShouldContainSubstring, "saved held-out samples")

	// an unknown mounting fails solver validation
	_, _, err = runApp(t, "", "-c", env.configPath, "solve", "--input", input, "--mounting", "sideways")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveRejected(t *testing.T) {
	env := newTestEnv(t, spatialmath.NewZeroPose(), nil)
	fs, err := store.NewFileStore(env.dataDir, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 400}, r3.Vector{X: math.Pi})
	s, err := handeye.NewCalibrationSample(robot, seenMarker(robot), 3, time.Now())
	test.That(t, err, test.ShouldBeNil)
	input, err := fs.SaveSamples([]*handeye.CalibrationSample{s}, handeye.EyeInHand)
	test.That(t, err, test.ShouldBeNil)

	out, _, err := runApp(t, "", "-c", env.configPath, "solve", "--input", input)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "calibration rejected")
	test.That(t, out, test.ShouldContainSubstring, "REJECTED")

	resultPath, err := fs.LatestResult()
	test.That(t, err, test.ShouldBeNil)
	_, _, err = runApp(t, "\n", "-c", env.configPath, "verify", "--result", resultPath)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, handeye.ErrResultRejected.Error())
}

func TestCollectCommand(t *testing.T) {
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 450, Y: 20, Z: 320}, r3.Vector{X: 3})
	env := newTestEnv(t, robot, nil)
	env.detect(t, seenMarker(robot))

	out, _, err := runApp(t, "\n\n\nd\nx\nq\n", "-c", env.configPath, "collect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "never moves the robot")
	test.That(t, out, test.ShouldContainSubstring, "discarded sample 3")
	test.That(t, out, test.ShouldContainSubstring, `unknown command "x"`)
	test.That(t, out, test.ShouldContainSubstring, "only 2 samples collected")
	test.That(t, out, test.ShouldContainSubstring, "saved 2 samples to")

	matches, err := filepath.Glob(filepath.Join(env.dataDir, store.SamplesPrefix+"_*.json"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldHaveLength, 1)
	set, samples, err := store.LoadSamples(matches[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.Mounting, test.ShouldEqual, handeye.EyeInHand)
	test.That(t, samples, test.ShouldHaveLength, 2)
	test.That(t, samples[0].MarkerID(), test.ShouldEqual, 3)
	test.That(t, spatialmath.PoseAlmostEqualEps(samples[0].RobotPose(), robot, 1e-6), test.ShouldBeTrue)

	// without a detector every capture times out and nothing is saved
	quiet := newTestEnv(t, robot, map[string]interface{}{
		"detector": map[string]interface{}{"feed_path": filepath.Join(t.TempDir(), "detections.json"), "frame_timeout": "50ms"},
	})
	out, _, err = runApp(t, "\nc\n", "-c", quiet.configPath, "collect")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "no frame from the detector")
	test.That(t, out, test.ShouldContainSubstring, "no samples collected")
}

func TestMoveCommand(t *testing.T) {
	start := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 400, Y: -100, Z: 300}, r3.Vector{Y: 3.1})
	env := newTestEnv(t, start, nil)

	_, _, err := runApp(t, "", "-c", env.configPath, "move", "--pose", "410,-100,300,0,3.1,0")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "--yes")

	_, _, err = runApp(t, "", "-c", env.configPath, "move", "--pose", "410,-100,300,0,3.1,0", "--yes")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, arm.ErrMotionNotPermitted.Error())

	allowed := newTestEnv(t, start, map[string]interface{}{
		"robot": map[string]interface{}{"model": "fake", "allow_motion": true, "fake_pose": fakePose(start)},
	})
	out, _, err := runApp(t, "", "-c", allowed.configPath, "move", "--pose", "410,-100,300,0,3.1,0", "--yes")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "X=410.00mm Y=-100.00mm Z=300.00mm")
}

func TestLogFile(t *testing.T) {
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 400}, r3.Vector{X: 3})
	logPath := filepath.Join(t.TempDir(), "handeye.log")
	env := newTestEnv(t, robot, map[string]interface{}{
		"log": map[string]interface{}{"file": map[string]interface{}{"path": logPath}},
	})

	_, errOut, err := runApp(t, "", "-c", env.configPath, "--debug", "pose")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldContainSubstring, "reading poses")
	logged, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logged), test.ShouldContainSubstring, "reading poses")

	_, errOut, err = runApp(t, "", "-c", env.configPath, "pose")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldNotContainSubstring, "reading poses")
}
