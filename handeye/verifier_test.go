package handeye_test

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
	"go.viam.com/handeye/testutils/inject"
)

func newVerifier(t *testing.T, conf handeye.VerifierConfig, sampler handeye.Sampler, poses posereader.PoseReader) *handeye.Verifier {
	t.Helper()
	v, err := handeye.NewVerifier(conf, sampler, poses, logging.NewTestLogger(t), nil)
	test.That(t, err, test.ShouldBeNil)
	return v
}

func solveScene(t *testing.T, sc scene, samples []*handeye.CalibrationSample) *handeye.CalibrationResult {
	t.Helper()
	res, err := newSolver(t, handeye.SolverConfig{Mounting: sc.mounting}).Solve(samples)
	test.That(t, err, test.ShouldBeNil)
	return res
}

func TestVerify(t *testing.T) {
	for _, sc := range []scene{eyeInHandScene(), eyeToHandScene()} {
		t.Run(string(sc.mounting), func(t *testing.T) {
			rng := rand.New(rand.NewSource(61))
			res := solveScene(t, sc, sc.samples(t, rng, 12, 0.05, 0.02))
			heldOut := sc.samples(t, rng, 5, 0.05, 0.02)
			measured := spatialmath.PoseToRecord(sc.target)

			for _, conf := range []handeye.VerifierConfig{{}, {ReferenceMarkerPose: &measured}} {
				report, err := newVerifier(t, conf, nil, nil).Verify(res, heldOut)
				test.That(t, err, test.ShouldBeNil)
				test.That(t, report.Pass, test.ShouldBeTrue)
				test.That(t, report.ResultID, test.ShouldEqual, res.ID)
				test.That(t, report.Samples, test.ShouldHaveLength, 5)
				test.That(t, report.PositionMaxMM, test.ShouldBeLessThan, handeye.DefaultPositionToleranceMM)
				test.That(t, report.PositionMeanMM, test.ShouldBeLessThanOrEqualTo, report.PositionMaxMM)
				test.That(t, report.RotationToleranceDeg, test.ShouldEqual, handeye.DefaultRotationToleranceDeg)
				for i, s := range report.Samples {
					test.That(t, s.SampleID, test.ShouldEqual, heldOut[i].ID())
					test.That(t, s.Pass, test.ShouldBeTrue)
				}
			}

			// a sign error in one axis of the transform
			flipped := *res
			p := res.Transform.Point()
			flipped.Transform = spatialmath.NewPose(r3.Vector{X: -p.X, Y: p.Y, Z: p.Z}, res.Transform.Orientation())
			report, err := newVerifier(t, handeye.VerifierConfig{}, nil, nil).Verify(&flipped, heldOut)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, report.Pass, test.ShouldBeFalse)
			test.That(t, report.PositionMaxMM, test.ShouldBeGreaterThan, 10)
		})
	}
}

// A pose reader in the wrong base frame yields a perfectly consistent calibration with a wrong target
// pose. Only a measured reference exposes it.
func TestVerifyCatchesConventionError(t *testing.T) {
	sc := eyeInHandScene()
	rng := rand.New(rand.NewSource(67))
	wrong, err := posereader.NewSignConvention("turned-base", posereader.AxisMap{-1, -2, 3}, posereader.AxisMap{}, 1)
	test.That(t, err, test.ShouldBeNil)

	misread := func(n int) []*handeye.CalibrationSample {
		var out []*handeye.CalibrationSample
		for _, s := range sc.samples(t, rng, n, 0, 0) {
			robot, err := wrong.Apply(rawPose(s.RobotPose()))
			test.That(t, err, test.ShouldBeNil)
			sample, err := handeye.NewCalibrationSample(robot, s.MarkerPose(), s.MarkerID(), s.Timestamp())
			test.That(t, err, test.ShouldBeNil)
			out = append(out, sample)
		}
		return out
	}
	res := solveScene(t, sc, misread(12))
	test.That(t, res.Quality, test.ShouldEqual, handeye.QualityAccepted)
	test.That(t, res.Residuals.TranslationMeanMM, test.ShouldBeLessThan, 1e-3)
	heldOut := misread(4)

	report, err := newVerifier(t, handeye.VerifierConfig{}, nil, nil).Verify(res, heldOut)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Pass, test.ShouldBeTrue)
	test.That(t, report.Reference, test.ShouldEqual, handeye.ReferenceSolved)

	measured := spatialmath.PoseToRecord(sc.target)
	report, err = newVerifier(t, handeye.VerifierConfig{ReferenceMarkerPose: &measured}, nil, nil).Verify(res, heldOut)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Reference, test.ShouldEqual, handeye.ReferenceMeasured)
	test.That(t, report.Pass, test.ShouldBeFalse)
	test.That(t, report.RotationMaxDeg, test.ShouldBeGreaterThan, 90)
}

func TestVerifyRefusals(t *testing.T) {
	sc := eyeInHandScene()
	rng := rand.New(rand.NewSource(71))
	samples := sc.samples(t, rng, 12, 0, 0)
	res := solveScene(t, sc, samples)
	v := newVerifier(t, handeye.VerifierConfig{}, nil, nil)

	_, err := v.Verify(res, samples[3:4])
	test.That(t, errors.Is(err, handeye.ErrSampleUsedInSolve), test.ShouldBeTrue)

	_, err = v.Verify(res, nil)
	test.That(t, err, test.ShouldNotBeNil)

	rejected, solveErr := newSolver(t, handeye.SolverConfig{}).Solve(samples[:2])
	test.That(t, solveErr, test.ShouldNotBeNil)
	_, err = v.Verify(rejected, sc.samples(t, rng, 1, 0, 0))
	test.That(t, err, test.ShouldEqual, handeye.ErrResultRejected)
	_, err = v.Verify(nil, sc.samples(t, rng, 1, 0, 0))
	test.That(t, err, test.ShouldEqual, handeye.ErrResultRejected)

	// a result read back from disk still knows which samples it used
	data, err := json.Marshal(res)
	test.That(t, err, test.ShouldBeNil)
	var loaded handeye.CalibrationResult
	test.That(t, json.Unmarshal(data, &loaded), test.ShouldBeNil)
	_, err = v.Verify(&loaded, samples[:1])
	test.That(t, errors.Is(err, handeye.ErrSampleUsedInSolve), test.ShouldBeTrue)

	_, _, err = v.CaptureAndVerify(context.Background(), res)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = v.CheckPendant(context.Background(), res.Transform)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCaptureAndVerify(t *testing.T) {
	ctx := context.Background()
	sc := eyeInHandScene()
	rng := rand.New(rand.NewSource(73))
	r := newRig(t, sc)
	c := r.collector(t, handeye.CollectorConfig{})
	for i := 0; i < 10; i++ {
		r.moveTo(randomRobotPose(rng))
		_, err := c.CaptureSample(ctx)
		test.That(t, err, test.ShouldBeNil)
	}
	res := solveScene(t, sc, c.Samples())

	v := newVerifier(t, handeye.VerifierConfig{}, c, r.reader)
	r.moveTo(randomRobotPose(rng))
	report, sample, err := v.CaptureAndVerify(ctx, res)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Pass, test.ShouldBeTrue)
	test.That(t, sample, test.ShouldNotBeNil)
	test.That(t, report.Samples[0].SampleID, test.ShouldEqual, sample.ID())
	test.That(t, c.Len(), test.ShouldEqual, 10)
	test.That(t, r.controller.MoveCount(), test.ShouldEqual, 0)

	_, _, err = v.CaptureAndVerify(ctx, &handeye.CalibrationResult{Quality: handeye.QualityRejected})
	test.That(t, err, test.ShouldEqual, handeye.ErrResultRejected)
}

func TestCheckPendant(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(79))
	r := newRig(t, eyeInHandScene())
	robot := randomRobotPose(rng)
	r.moveTo(robot)
	v := newVerifier(t, handeye.VerifierConfig{}, nil, r.reader)

	check, err := v.CheckPendant(ctx, robot)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, check.Pass, test.ShouldBeTrue)
	test.That(t, check.PositionDeviationMM, test.ShouldBeLessThan, 1e-6)

	// the pendant shows X with the opposite sign
	p := robot.Point()
	displayed := spatialmath.NewPose(r3.Vector{X: -p.X, Y: p.Y, Z: p.Z}, robot.Orientation())
	check, err = v.CheckPendant(ctx, displayed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, check.Pass, test.ShouldBeFalse)
	test.That(t, check.PositionDeviationMM, test.ShouldBeGreaterThan, 40)

	_, err = v.CheckPendant(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)

	r.controller.SetConnected(false)
	_, err = v.CheckPendant(ctx, robot)
	test.That(t, errors.Is(err, posereader.ErrControllerUnavailable), test.ShouldBeTrue)

	stale := &inject.PoseReader{ReadPoseFunc: func(ctx context.Context) (spatialmath.Pose, error) {
		return nil, errors.Wrap(posereader.ErrStalePose, "report is 2s old")
	}}
	_, err = newVerifier(t, handeye.VerifierConfig{}, nil, stale).CheckPendant(ctx, robot)
	test.That(t, errors.Is(err, posereader.ErrStalePose), test.ShouldBeTrue)
}

func TestVerifierConfigValidate(t *testing.T) {
	bad := spatialmath.PoseRecord{X: 1, RZ: math.NaN()}
	for _, conf := range []handeye.VerifierConfig{
		{PositionToleranceMM: -1},
		{RotationToleranceDeg: -0.5},
		{ReferenceMarkerPose: &bad},
	} {
		_, err := handeye.NewVerifier(conf, nil, nil, logging.NewTestLogger(t), nil)
		test.That(t, err, test.ShouldNotBeNil)
	}
}
