package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/spatialmath"
)

func newSample(t *testing.T, x float64, at time.Time) *handeye.CalibrationSample {
	t.Helper()
	robot := spatialmath.NewPoseFromRotationVector(r3.Vector{X: x, Y: 200, Z: 300}, r3.Vector{X: 0.1, Y: -0.2, Z: 0.3})
	marker := spatialmath.NewPoseFromRotationVector(r3.Vector{X: 10, Y: -20, Z: 400}, r3.Vector{X: 3, Y: 0.1, Z: 0})
	s, err := handeye.NewCalibrationSample(robot, marker, 7, at)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func newStore(t *testing.T) (*FileStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "data"), clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return fs, clk
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	fs, clk := newStore(t)
	test.That(t, fs.SessionPath(), test.ShouldBeEmpty)

	// clearing before anything was captured writes nothing
	test.That(t, fs.Replace(ctx, nil), test.ShouldBeNil)
	test.That(t, fs.SessionPath(), test.ShouldBeEmpty)

	fs.SetMounting(handeye.EyeInHand)
	s1 := newSample(t, 100, clk.Now())
	s2 := newSample(t, 110, clk.Now())
	test.That(t, fs.Append(ctx, s1), test.ShouldBeNil)
	test.That(t, fs.Append(ctx, s2), test.ShouldBeNil)
	test.That(t, filepath.Base(fs.SessionPath()), test.ShouldEqual, "handeye_data_20240301_123000.json")

	set, loaded, err := LoadSamples(fs.SessionPath())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.Mounting, test.ShouldEqual, handeye.EyeInHand)
	test.That(t, loaded, test.ShouldHaveLength, 2)
	test.That(t, loaded[1].ID(), test.ShouldEqual, s2.ID())
	test.That(t, spatialmath.PoseAlmostEqual(loaded[1].RobotPose(), s2.RobotPose()), test.ShouldBeTrue)
	test.That(t, loaded[0].MarkerID(), test.ShouldEqual, 7)

	test.That(t, fs.Replace(ctx, []*handeye.CalibrationSample{s1}), test.ShouldBeNil)
	_, loaded, err = LoadSamples(fs.SessionPath())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldHaveLength, 1)
	test.That(t, loaded[0].ID(), test.ShouldEqual, s1.ID())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	test.That(t, fs.Append(cancelled, s2), test.ShouldBeError, context.Canceled)
	_, loaded, err = LoadSamples(fs.SessionPath())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldHaveLength, 1)
}

func TestSaveSamples(t *testing.T) {
	fs, clk := newStore(t)
	samples := []*handeye.CalibrationSample{newSample(t, 1, clk.Now()), newSample(t, 2, clk.Now())}

	first, err := fs.SaveSamples(samples, handeye.EyeToHand)
	test.That(t, err, test.ShouldBeNil)
	second, err := fs.SaveSamples(samples[:1], handeye.EyeInHand)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldNotEqual, first)
	test.That(t, filepath.Base(second), test.ShouldEqual, "handeye_data_20240301_123000_1.json")

	set, loaded, err := LoadSamples(first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.Mounting, test.ShouldEqual, handeye.EyeToHand)
	test.That(t, loaded, test.ShouldHaveLength, 2)

	_, _, err = LoadSamples(filepath.Join(fs.Dir(), "missing.json"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	bad := filepath.Join(fs.Dir(), "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"samples":[{"robot_pose":{"x":"one"}}]}`), 0o600), test.ShouldBeNil)
	_, _, err = LoadSamples(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResults(t *testing.T) {
	fs, clk := newStore(t)
	_, err := fs.LatestResult()
	test.That(t, err, test.ShouldNotBeNil)

	var samples []*handeye.CalibrationSample
	for i := 0; i < 2; i++ {
		samples = append(samples, newSample(t, float64(i), clk.Now()))
	}
	solver, err := handeye.NewSolver(handeye.SolverConfig{}, logging.NewTestLogger(t), nil, clk)
	test.That(t, err, test.ShouldBeNil)
	rejected, err := solver.Solve(samples)
	test.That(t, err, test.ShouldBeError)

	path, err := fs.SaveResult(rejected)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, "result_20240301_123000.json")

	clk.Add(time.Minute)
	accepted := &handeye.CalibrationResult{
		CreatedAt: clk.Now(),
		Mounting:  handeye.EyeInHand,
		Transform: spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2, Z: 3}),
		Quality:   handeye.QualityAccepted,
	}
	newer, err := fs.SaveResult(accepted)
	test.That(t, err, test.ShouldBeNil)

	latest, err := fs.LatestResult()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, latest, test.ShouldEqual, newer)

	loaded, err := LoadResult(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Quality, test.ShouldEqual, handeye.QualityRejected)
	test.That(t, errors.Is(loaded.Failure, handeye.ErrInsufficientSamples), test.ShouldBeTrue)
	test.That(t, loaded.SampleIDs, test.ShouldResemble, rejected.SampleIDs)

	loaded, err = LoadResult(newer)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(loaded.Transform, accepted.Transform), test.ShouldBeTrue)

	report := &handeye.VerificationReport{ResultID: loaded.ID, Pass: true}
	reportPath, err := fs.SaveReport(report)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(reportPath), test.ShouldEqual, "verification_20240301_123100.json")
}

func TestNewFileStore(t *testing.T) {
	_, err := NewFileStore("", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
