// Package handeye collects robot pose and marker observation pairs and solves for the fixed
// transform between the camera and the robot.
//
// Collection is read-only: a Collector is built from a pose reader and a marker observer and has
// no way to move the robot. The solver never modifies the samples it is given.
package handeye

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/handeye/spatialmath"
)

// CalibrationSample pairs a robot pose with the marker pose the camera saw at the same moment.
// Samples are immutable.
type CalibrationSample struct {
	id            uuid.UUID
	robotPose     spatialmath.Pose
	markerPose    spatialmath.Pose
	markerID      int
	markerFamily  string
	confidence    float64
	timestamp     time.Time
	detectionTime time.Time
	skew          time.Duration
}

// NewCalibrationSample creates a sample from a robot pose in the base frame and a marker pose in
// the camera frame, both in millimetres.
func NewCalibrationSample(robotPose, markerPose spatialmath.Pose, markerID int, timestamp time.Time) (*CalibrationSample, error) {
	return newSample(uuid.New(), robotPose, markerPose, markerID, "", 0, timestamp, timestamp, 0)
}

func newSample(
	id uuid.UUID,
	robotPose, markerPose spatialmath.Pose,
	markerID int,
	family string,
	confidence float64,
	timestamp, detectionTime time.Time,
	skew time.Duration,
) (*CalibrationSample, error) {
	if robotPose == nil || markerPose == nil {
		return nil, errors.New("sample needs both a robot pose and a marker pose")
	}
	if !spatialmath.PoseIsFinite(robotPose) || !spatialmath.PoseIsFinite(markerPose) {
		return nil, errors.New("sample poses must be finite")
	}
	return &CalibrationSample{
		id:            id,
		robotPose:     robotPose,
		markerPose:    markerPose,
		markerID:      markerID,
		markerFamily:  family,
		confidence:    confidence,
		timestamp:     timestamp,
		detectionTime: detectionTime,
		skew:          skew,
	}, nil
}

// ID returns the sample's unique ID.
func (s *CalibrationSample) ID() uuid.UUID { return s.id }

// RobotPose returns the TCP pose in the robot base frame.
func (s *CalibrationSample) RobotPose() spatialmath.Pose { return s.robotPose }

// MarkerPose returns the marker pose in the camera frame.
func (s *CalibrationSample) MarkerPose() spatialmath.Pose { return s.markerPose }

// MarkerID returns the detected marker's ID.
func (s *CalibrationSample) MarkerID() int { return s.markerID }

// MarkerFamily returns the detected marker's family, if the detector reported one.
func (s *CalibrationSample) MarkerFamily() string { return s.markerFamily }

// Confidence returns the detector's score for the marker.
func (s *CalibrationSample) Confidence() float64 { return s.confidence }

// Timestamp returns when the robot pose was read.
func (s *CalibrationSample) Timestamp() time.Time { return s.timestamp }

// DetectionTime returns when the camera frame was captured.
func (s *CalibrationSample) DetectionTime() time.Time { return s.detectionTime }

// Skew returns the time between the pose read and the detection.
func (s *CalibrationSample) Skew() time.Duration { return s.skew }

// SampleRecord is the serialized form of a CalibrationSample.
type SampleRecord struct {
	ID            string                 `json:"id"`
	RobotPose     spatialmath.PoseRecord `json:"robot_pose"`
	MarkerPose    spatialmath.PoseRecord `json:"marker_pose"`
	MarkerID      int                    `json:"tag_id"`
	MarkerFamily  string                 `json:"family,omitempty"`
	Confidence    float64                `json:"quality"`
	Timestamp     time.Time              `json:"timestamp"`
	DetectionTime time.Time              `json:"detection_time"`
	SkewMillis    float64                `json:"skew_ms"`
}

// Record returns the serialized form of the sample.
func (s *CalibrationSample) Record() SampleRecord {
	return SampleRecord{
		ID:            s.id.String(),
		RobotPose:     spatialmath.PoseToRecord(s.robotPose),
		MarkerPose:    spatialmath.PoseToRecord(s.markerPose),
		MarkerID:      s.markerID,
		MarkerFamily:  s.markerFamily,
		Confidence:    s.confidence,
		Timestamp:     s.timestamp,
		DetectionTime: s.detectionTime,
		SkewMillis:    float64(s.skew) / float64(time.Millisecond),
	}
}

// Sample rebuilds the sample. A record without an ID gets a new one.
func (r SampleRecord) Sample() (*CalibrationSample, error) {
	id := uuid.New()
	if r.ID != "" {
		parsed, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid sample id %q", r.ID)
		}
		id = parsed
	}
	if err := r.RobotPose.Validate(); err != nil {
		return nil, errors.Wrap(err, "robot pose")
	}
	if err := r.MarkerPose.Validate(); err != nil {
		return nil, errors.Wrap(err, "marker pose")
	}
	detection := r.DetectionTime
	if detection.IsZero() {
		detection = r.Timestamp
	}
	return newSample(id, r.RobotPose.Pose(), r.MarkerPose.Pose(), r.MarkerID, r.MarkerFamily, r.Confidence,
		r.Timestamp, detection, time.Duration(r.SkewMillis*float64(time.Millisecond)))
}

// SamplesFromRecords rebuilds a list of samples.
func SamplesFromRecords(records []SampleRecord) ([]*CalibrationSample, error) {
	samples := make([]*CalibrationSample, 0, len(records))
	for i, r := range records {
		s, err := r.Sample()
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", i)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Records serializes a list of samples.
func Records(samples []*CalibrationSample) []SampleRecord {
	records := make([]SampleRecord, 0, len(samples))
	for _, s := range samples {
		records = append(records, s.Record())
	}
	return records
}
