package handeye

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/handeye/spatialmath"
)

// Mounting says where the camera is attached.
type Mounting string

const (
	// EyeInHand is a camera on the robot flange looking at a marker fixed in the cell. The transform
	// solved for is flange to camera and the target pose is the marker in the base frame.
	EyeInHand Mounting = "eye-in-hand"
	// EyeToHand is a camera fixed in the cell looking at a marker on the flange. The transform solved
	// for is base to camera and the target pose is the marker in the flange frame.
	EyeToHand Mounting = "eye-to-hand"
)

// FormulationAXXB names the relative motion formulation A·X = X·B.
const FormulationAXXB = "AX=XB"

// Quality is the solver's verdict on a result.
type Quality string

// Result qualities.
const (
	QualityAccepted Quality = "accepted"
	QualityMarginal Quality = "marginal"
	QualityRejected Quality = "rejected"
)

// Residuals summarize how well a transform fits the samples.
type Residuals struct {
	// Per relative motion pair, the difference between A·X and X·B.
	RotationMeanRad   float64 `json:"rotation_mean_rad"`
	RotationMaxRad    float64 `json:"rotation_max_rad"`
	TranslationMeanMM float64 `json:"translation_mean_mm"`
	TranslationMaxMM  float64 `json:"translation_max_mm"`

	// Per sample, how far its implied target pose lies from the mean target pose.
	TargetSpreadMeanMM  float64 `json:"target_spread_mean_mm"`
	TargetSpreadMaxMM   float64 `json:"target_spread_max_mm"`
	TargetSpreadMeanRad float64 `json:"target_spread_mean_rad"`
	TargetSpreadMaxRad  float64 `json:"target_spread_max_rad"`
}

// CalibrationResult is the outcome of a solve. A rejected result carries the reason in Failure and
// has no transform when the solve could not produce one.
type CalibrationResult struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	Mounting    Mounting
	Formulation string

	Transform  spatialmath.Pose
	TargetPose spatialmath.Pose
	Residuals  Residuals

	SampleCount       int
	SampleIDs         []uuid.UUID
	RejectedSampleIDs []uuid.UUID
	PairCount         int
	RotationPairCount int
	// Conditioning holds the singular values of the rotation system divided by the largest.
	Conditioning []float64
	Refined      bool

	Quality     Quality
	Diagnostics []string
	Failure     error
}

// UsedSample reports whether the sample was given to the solve that produced this result, including
// samples dropped as outliers.
func (r *CalibrationResult) UsedSample(id uuid.UUID) bool {
	for _, used := range r.SampleIDs {
		if used == id {
			return true
		}
	}
	for _, used := range r.RejectedSampleIDs {
		if used == id {
			return true
		}
	}
	return false
}

type resultRecord struct {
	ID                string                  `json:"id"`
	CreatedAt         time.Time               `json:"created_at"`
	Mounting          Mounting                `json:"mounting"`
	Formulation       string                  `json:"formulation"`
	Transform         *spatialmath.PoseRecord `json:"transform,omitempty"`
	TargetPose        *spatialmath.PoseRecord `json:"target_pose,omitempty"`
	Residuals         Residuals               `json:"residuals"`
	SampleCount       int                     `json:"sample_count"`
	SampleIDs         []string                `json:"sample_ids"`
	RejectedSampleIDs []string                `json:"rejected_sample_ids,omitempty"`
	PairCount         int                     `json:"pair_count"`
	RotationPairCount int                     `json:"rotation_pair_count"`
	Conditioning      []float64               `json:"conditioning,omitempty"`
	Refined           bool                    `json:"refined"`
	Quality           Quality                 `json:"quality"`
	Diagnostics       []string                `json:"diagnostics,omitempty"`
	FailureCode       string                  `json:"failure_code,omitempty"`
	Failure           string                  `json:"failure,omitempty"`
}

func poseRecordPtr(p spatialmath.Pose) *spatialmath.PoseRecord {
	if p == nil {
		return nil
	}
	rec := spatialmath.PoseToRecord(p)
	return &rec
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func parseIDs(ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid sample id %q", s)
		}
		out = append(out, id)
	}
	return out, nil
}

// MarshalJSON writes poses as millimetres and rotation vectors.
func (r *CalibrationResult) MarshalJSON() ([]byte, error) {
	rec := resultRecord{
		ID:                r.ID.String(),
		CreatedAt:         r.CreatedAt,
		Mounting:          r.Mounting,
		Formulation:       r.Formulation,
		Transform:         poseRecordPtr(r.Transform),
		TargetPose:        poseRecordPtr(r.TargetPose),
		Residuals:         r.Residuals,
		SampleCount:       r.SampleCount,
		SampleIDs:         idStrings(r.SampleIDs),
		PairCount:         r.PairCount,
		RotationPairCount: r.RotationPairCount,
		Conditioning:      r.Conditioning,
		Refined:           r.Refined,
		Quality:           r.Quality,
		Diagnostics:       r.Diagnostics,
	}
	if len(r.RejectedSampleIDs) > 0 {
		rec.RejectedSampleIDs = idStrings(r.RejectedSampleIDs)
	}
	if r.Failure != nil {
		rec.FailureCode = failureCode(r.Failure)
		rec.Failure = r.Failure.Error()
	}
	return json.Marshal(rec)
}

// UnmarshalJSON reads a result written by MarshalJSON. The failure keeps its error kind.
func (r *CalibrationResult) UnmarshalJSON(data []byte) error {
	var rec resultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return errors.Wrapf(err, "invalid result id %q", rec.ID)
	}
	sampleIDs, err := parseIDs(rec.SampleIDs)
	if err != nil {
		return err
	}
	rejectedIDs, err := parseIDs(rec.RejectedSampleIDs)
	if err != nil {
		return err
	}
	out := CalibrationResult{
		ID:                id,
		CreatedAt:         rec.CreatedAt,
		Mounting:          rec.Mounting,
		Formulation:       rec.Formulation,
		Residuals:         rec.Residuals,
		SampleCount:       rec.SampleCount,
		SampleIDs:         sampleIDs,
		RejectedSampleIDs: rejectedIDs,
		PairCount:         rec.PairCount,
		RotationPairCount: rec.RotationPairCount,
		Conditioning:      rec.Conditioning,
		Refined:           rec.Refined,
		Quality:           rec.Quality,
		Diagnostics:       rec.Diagnostics,
	}
	if rec.Transform != nil {
		if err := rec.Transform.Validate(); err != nil {
			return errors.Wrap(err, "transform")
		}
		out.Transform = rec.Transform.Pose()
	}
	if rec.TargetPose != nil {
		if err := rec.TargetPose.Validate(); err != nil {
			return errors.Wrap(err, "target pose")
		}
		out.TargetPose = rec.TargetPose.Pose()
	}
	if rec.Failure != "" || rec.FailureCode != "" {
		kind, ok := failureCodes[rec.FailureCode]
		if !ok {
			kind = ErrSolveFailed
		}
		out.Failure = &restoredFailure{msg: rec.Failure, kind: kind}
	}
	switch out.Quality {
	case QualityAccepted, QualityMarginal, QualityRejected:
	default:
		return errors.Errorf("unknown result quality %q", out.Quality)
	}
	if out.Quality != QualityRejected && out.Transform == nil {
		return errors.New("result has no transform")
	}
	*r = out
	return nil
}
