// Package marker defines the fiducial detector interface consumed by the calibration core.
package marker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// Detection is one fiducial seen in a camera frame.
type Detection struct {
	ID     int
	Family string
	// Pose is the marker's pose in the camera frame, millimetres.
	Pose spatialmath.Pose
	// Confidence is a detector-specific quality score; higher is better.
	Confidence float64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
}

// Validate returns an error if the detection has no usable pose.
func (d Detection) Validate() error {
	if d.Pose == nil {
		return errors.Errorf("marker %d has no pose", d.ID)
	}
	if !spatialmath.PoseIsFinite(d.Pose) || !rutils.IsFinite(d.Confidence) {
		return errors.Errorf("marker %d has a non-finite pose or confidence", d.ID)
	}
	return nil
}

// Observer returns the markers visible in the next camera frame. No markers is an empty slice,
// not an error.
type Observer interface {
	Observe(ctx context.Context) ([]Detection, error)
}

// SelectionConfig decides which detection of a frame becomes the sample's marker.
type SelectionConfig struct {
	// TargetID restricts selection to one marker ID when set.
	TargetID      *int    `json:"target_id,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *SelectionConfig) Validate(path string) error {
	if cfg.MinConfidence < 0 {
		return rutils.NewOutOfRangeError(path, "min_confidence", cfg.MinConfidence, "non-negative")
	}
	if cfg.TargetID != nil && *cfg.TargetID < 0 {
		return rutils.NewOutOfRangeError(path, "target_id", *cfg.TargetID, "non-negative")
	}
	return nil
}

// Select picks the most confident acceptable detection. It returns false when none qualifies,
// along with how many detections were passed over either way.
func Select(detections []Detection, cfg SelectionConfig) (Detection, bool, int) {
	var (
		best  Detection
		found bool
	)
	for _, d := range detections {
		if cfg.TargetID != nil && d.ID != *cfg.TargetID {
			continue
		}
		if d.Confidence < cfg.MinConfidence || d.Validate() != nil {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best = d
			found = true
		}
	}
	discarded := len(detections)
	if found {
		discarded--
	}
	return best, found, discarded
}
