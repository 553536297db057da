package handeye

import (
	"context"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// Verifier defaults.
const (
	DefaultPositionToleranceMM  = 2.0
	DefaultRotationToleranceDeg = 1.0
)

// Reference sources reported in a VerificationReport.
const (
	ReferenceMeasured = "measured"
	ReferenceSolved   = "solved_target"
)

// VerifierConfig sets the tolerances a verification is judged against.
type VerifierConfig struct {
	PositionToleranceMM  float64 `json:"position_tolerance_mm,omitempty"`
	RotationToleranceDeg float64 `json:"rotation_tolerance_deg,omitempty"`
	// ReferenceMarkerPose is an independently measured marker pose, in the base frame for
	// eye-in-hand and the flange frame for eye-to-hand. Without one the solved target pose is used.
	ReferenceMarkerPose *spatialmath.PoseRecord `json:"reference_marker_pose,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *VerifierConfig) Validate(path string) error {
	if cfg.PositionToleranceMM < 0 || !rutils.IsFinite(cfg.PositionToleranceMM) {
		return rutils.NewOutOfRangeError(path, "position_tolerance_mm", cfg.PositionToleranceMM, "non-negative")
	}
	if cfg.RotationToleranceDeg < 0 || !rutils.IsFinite(cfg.RotationToleranceDeg) {
		return rutils.NewOutOfRangeError(path, "rotation_tolerance_deg", cfg.RotationToleranceDeg, "non-negative")
	}
	if cfg.ReferenceMarkerPose != nil {
		if err := cfg.ReferenceMarkerPose.Validate(); err != nil {
			return rutils.NewConfigValidationError(path, err)
		}
	}
	return nil
}

func (cfg VerifierConfig) withDefaults() VerifierConfig {
	if cfg.PositionToleranceMM == 0 {
		cfg.PositionToleranceMM = DefaultPositionToleranceMM
	}
	if cfg.RotationToleranceDeg == 0 {
		cfg.RotationToleranceDeg = DefaultRotationToleranceDeg
	}
	return cfg
}

// Sampler captures a sample without recording it anywhere. *Collector is a Sampler.
type Sampler interface {
	Capture(ctx context.Context) (*CalibrationSample, error)
}

// SampleDeviation is how far one held-out sample's predicted marker pose lies from the reference.
type SampleDeviation struct {
	SampleID             uuid.UUID `json:"sample_id"`
	PositionDeviationMM  float64   `json:"position_deviation_mm"`
	RotationDeviationRad float64   `json:"rotation_deviation_rad"`
	RotationDeviationDeg float64   `json:"rotation_deviation_deg"`
	Pass                 bool      `json:"pass"`
}

// VerificationReport is the outcome of checking a result against held-out samples.
type VerificationReport struct {
	ResultID  uuid.UUID         `json:"result_id"`
	Reference string            `json:"reference"`
	Samples   []SampleDeviation `json:"samples"`

	PositionMeanMM  float64 `json:"position_mean_mm"`
	PositionMaxMM   float64 `json:"position_max_mm"`
	RotationMeanDeg float64 `json:"rotation_mean_deg"`
	RotationMaxDeg  float64 `json:"rotation_max_deg"`

	PositionToleranceMM  float64 `json:"position_tolerance_mm"`
	RotationToleranceDeg float64 `json:"rotation_tolerance_deg"`
	Pass                 bool    `json:"pass"`
}

// PendantCheck compares the pose shown on the teach pendant with what the pose reader reports.
type PendantCheck struct {
	Displayed            spatialmath.Pose
	Read                 spatialmath.Pose
	PositionDeviationMM  float64
	RotationDeviationDeg float64
	Pass                 bool
}

// Verifier checks a calibration result against samples it was not solved from.
type Verifier struct {
	conf    VerifierConfig
	sampler Sampler
	poses   posereader.PoseReader
	logger  logging.Logger
	metrics *Metrics
}

// NewVerifier returns a verifier. The sampler and pose reader are only needed for
// CaptureAndVerify and CheckPendant respectively, and metrics may be nil.
func NewVerifier(
	conf VerifierConfig,
	sampler Sampler,
	poses posereader.PoseReader,
	logger logging.Logger,
	metrics *Metrics,
) (*Verifier, error) {
	if err := conf.Validate("verifier"); err != nil {
		return nil, err
	}
	return &Verifier{
		conf:    conf.withDefaults(),
		sampler: sampler,
		poses:   poses,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Verify predicts the marker pose from each held-out sample through the result's transform and
// compares it with the reference marker pose.
func (v *Verifier) Verify(result *CalibrationResult, heldOut []*CalibrationSample) (*VerificationReport, error) {
	if result == nil || result.Quality == QualityRejected || result.Transform == nil {
		return nil, ErrResultRejected
	}
	if len(heldOut) == 0 {
		return nil, errors.New("no held-out samples to verify with")
	}

	reference, source := result.TargetPose, ReferenceSolved
	if v.conf.ReferenceMarkerPose != nil {
		reference, source = v.conf.ReferenceMarkerPose.Pose(), ReferenceMeasured
	}
	if reference == nil {
		return nil, errors.New("result has no target pose and no reference marker pose is configured")
	}

	report := &VerificationReport{
		ResultID:             result.ID,
		Reference:            source,
		PositionToleranceMM:  v.conf.PositionToleranceMM,
		RotationToleranceDeg: v.conf.RotationToleranceDeg,
		Pass:                 true,
	}
	positions := make([]float64, 0, len(heldOut))
	rotations := make([]float64, 0, len(heldOut))
	for _, sample := range heldOut {
		if sample == nil {
			return nil, errors.New("held-out sample is empty")
		}
		if result.UsedSample(sample.ID()) {
			return nil, errors.Wrapf(ErrSampleUsedInSolve, "sample %s", sample.ID())
		}
		g := sample.RobotPose()
		if result.Mounting == EyeToHand {
			g = spatialmath.PoseInverse(g)
		}
		predicted := spatialmath.ComposeAll(g, result.Transform, sample.MarkerPose())
		d := spatialmath.PoseDifference(predicted, reference)
		dev := SampleDeviation{
			SampleID:             sample.ID(),
			PositionDeviationMM:  d.Translation,
			RotationDeviationRad: d.Rotation,
			RotationDeviationDeg: rutils.RadToDeg(d.Rotation),
		}
		dev.Pass = dev.PositionDeviationMM <= v.conf.PositionToleranceMM &&
			dev.RotationDeviationDeg <= v.conf.RotationToleranceDeg
		report.Pass = report.Pass && dev.Pass
		report.Samples = append(report.Samples, dev)
		positions = append(positions, dev.PositionDeviationMM)
		rotations = append(rotations, dev.RotationDeviationDeg)
	}
	report.PositionMeanMM, _ = stats.Mean(positions)
	report.PositionMaxMM, _ = stats.Max(positions)
	report.RotationMeanDeg, _ = stats.Mean(rotations)
	report.RotationMaxDeg, _ = stats.Max(rotations)

	v.logger.Infow("verification finished",
		"pass", report.Pass,
		"reference", report.Reference,
		"samples", len(report.Samples),
		"position_mean_mm", report.PositionMeanMM,
		"rotation_mean_deg", report.RotationMeanDeg)
	v.metrics.ObserveVerification(report)
	return report, nil
}

// CaptureAndVerify captures one fresh sample and verifies the result with it. The sample is not
// added to any collection.
func (v *Verifier) CaptureAndVerify(ctx context.Context, result *CalibrationResult) (*VerificationReport, *CalibrationSample, error) {
	if v.sampler == nil {
		return nil, nil, errors.New("verifier has no sampler to capture with")
	}
	if result == nil || result.Quality == QualityRejected || result.Transform == nil {
		return nil, nil, ErrResultRejected
	}
	sample, err := v.sampler.Capture(ctx)
	if err != nil {
		return nil, nil, err
	}
	if sample == nil {
		return nil, nil, errors.New("no marker detected")
	}
	report, err := v.Verify(result, []*CalibrationSample{sample})
	if err != nil {
		return nil, sample, err
	}
	return report, sample, nil
}

// CheckPendant reads the current pose and compares it with the pose the operator read off the
// teach pendant. A wrong sign convention shows up as a deviation far beyond the tolerances.
func (v *Verifier) CheckPendant(ctx context.Context, displayed spatialmath.Pose) (*PendantCheck, error) {
	if v.poses == nil {
		return nil, errors.New("verifier has no pose reader")
	}
	if displayed == nil || !spatialmath.PoseIsFinite(displayed) {
		return nil, errors.New("displayed pose must be finite")
	}
	read, err := v.poses.ReadPose(ctx)
	if err != nil {
		return nil, err
	}
	d := spatialmath.PoseDifference(displayed, read)
	check := &PendantCheck{
		Displayed:            displayed,
		Read:                 read,
		PositionDeviationMM:  d.Translation,
		RotationDeviationDeg: rutils.RadToDeg(d.Rotation),
	}
	check.Pass = check.PositionDeviationMM <= v.conf.PositionToleranceMM &&
		check.RotationDeviationDeg <= v.conf.RotationToleranceDeg
	if !check.Pass {
		v.logger.Warnw("pendant and pose reader disagree, check the sign convention",
			"displayed", spatialmath.PrettyPrint(displayed),
			"read", spatialmath.PrettyPrint(read),
			"position_mm", check.PositionDeviationMM,
			"rotation_deg", check.RotationDeviationDeg)
	}
	return check, nil
}
