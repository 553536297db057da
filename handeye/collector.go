package handeye

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/marker"
	"go.viam.com/handeye/operation"
	"go.viam.com/handeye/posereader"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// Collector defaults.
const (
	DefaultMaxSkew                      = 150 * time.Millisecond
	DefaultStillTranslationMM           = 0.5
	DefaultStillRotationDeg             = 0.1
	DefaultMinRotationBetweenSamplesDeg = 5.0
)

// SampleStore persists the collector's samples. Replace overwrites the stored set, and is used after
// a discard or clear.
type SampleStore interface {
	Append(ctx context.Context, sample *CalibrationSample) error
	Replace(ctx context.Context, samples []*CalibrationSample) error
}

// CollectorConfig bounds what counts as a coherent sample.
type CollectorConfig struct {
	MaxSkew                      time.Duration `json:"max_skew,omitempty"`
	StillTranslationMM           float64       `json:"still_translation_mm,omitempty"`
	StillRotationDeg             float64       `json:"still_rotation_deg,omitempty"`
	MinRotationBetweenSamplesDeg float64       `json:"min_rotation_between_samples_deg,omitempty"`

	// Selection comes from the detector section.
	Selection marker.SelectionConfig `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (cfg *CollectorConfig) Validate(path string) error {
	if cfg.MaxSkew < 0 {
		return rutils.NewOutOfRangeError(path, "max_skew", cfg.MaxSkew, "positive")
	}
	if cfg.StillTranslationMM < 0 {
		return rutils.NewOutOfRangeError(path, "still_translation_mm", cfg.StillTranslationMM, "non-negative")
	}
	if cfg.StillRotationDeg < 0 {
		return rutils.NewOutOfRangeError(path, "still_rotation_deg", cfg.StillRotationDeg, "non-negative")
	}
	if cfg.MinRotationBetweenSamplesDeg < 0 || cfg.MinRotationBetweenSamplesDeg > 180 {
		return rutils.NewOutOfRangeError(path, "min_rotation_between_samples_deg", cfg.MinRotationBetweenSamplesDeg, "between 0 and 180")
	}
	return cfg.Selection.Validate(path)
}

func (cfg CollectorConfig) withDefaults() CollectorConfig {
	if cfg.MaxSkew == 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.StillTranslationMM == 0 {
		cfg.StillTranslationMM = DefaultStillTranslationMM
	}
	if cfg.StillRotationDeg == 0 {
		cfg.StillRotationDeg = DefaultStillRotationDeg
	}
	if cfg.MinRotationBetweenSamplesDeg == 0 {
		cfg.MinRotationBetweenSamplesDeg = DefaultMinRotationBetweenSamplesDeg
	}
	return cfg
}

// CollectorOption configures optional collector collaborators.
type CollectorOption func(*Collector)

// WithStore persists every accepted sample.
func WithStore(store SampleStore) CollectorOption {
	return func(c *Collector) { c.store = store }
}

// WithMetrics records capture outcomes.
func WithMetrics(m *Metrics) CollectorOption {
	return func(c *Collector) { c.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) CollectorOption {
	return func(c *Collector) { c.clock = clk }
}

// Collector captures calibration samples. It only reads: it holds a pose reader and a marker
// observer and nothing that can move the robot.
type Collector struct {
	poses    posereader.PoseReader
	observer marker.Observer
	conf     CollectorConfig
	logger   logging.Logger
	store    SampleStore
	metrics  *Metrics
	clock    clock.Clock
	opMgr    operation.SingleOperationManager

	mu      sync.Mutex
	samples []*CalibrationSample
}

// NewCollector returns a collector with no samples.
func NewCollector(
	poses posereader.PoseReader,
	observer marker.Observer,
	conf CollectorConfig,
	logger logging.Logger,
	opts ...CollectorOption,
) (*Collector, error) {
	if poses == nil || observer == nil {
		return nil, errors.New("collector needs a pose reader and a marker observer")
	}
	if err := conf.Validate("collector"); err != nil {
		return nil, err
	}
	c := &Collector{
		poses:    poses,
		observer: observer,
		conf:     conf.withDefaults(),
		logger:   logger,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Capture reads the pose, observes the marker and reads the pose again, and returns the resulting
// sample without recording it. It returns nil and no error when no acceptable marker was seen.
func (c *Collector) Capture(ctx context.Context) (*CalibrationSample, error) {
	ctx, done := c.opMgr.New(ctx)
	defer done()
	sample, outcome, err := c.capture(ctx)
	c.metrics.IncrementCapture(outcome)
	return sample, err
}

// CaptureSample captures a sample and appends it to the collection. A capture that is cancelled or
// superseded by a newer one records nothing.
func (c *Collector) CaptureSample(ctx context.Context) (*CalibrationSample, error) {
	ctx, done := c.opMgr.New(ctx)
	defer done()

	sample, outcome, err := c.capture(ctx)
	if err != nil || sample == nil {
		c.metrics.IncrementCapture(outcome)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		c.metrics.IncrementCapture(OutcomeCancelled)
		return nil, err
	}
	c.warnIfSimilar(sample)
	c.samples = append(c.samples, sample)
	if c.store != nil {
		if err := c.store.Append(ctx, sample); err != nil {
			c.samples = c.samples[:len(c.samples)-1]
			c.metrics.IncrementCapture(OutcomeStoreError)
			return nil, errors.Wrap(err, "failed to store sample")
		}
	}
	c.metrics.IncrementCapture(OutcomeAccepted)
	c.logger.Infow("sample captured",
		"count", len(c.samples), "marker", sample.MarkerID(), "skew", sample.Skew(),
		"robot_pose", spatialmath.PrettyPrint(sample.RobotPose()))
	return sample, nil
}

func (c *Collector) capture(ctx context.Context) (*CalibrationSample, string, error) {
	before, err := c.poses.Read(ctx)
	if err != nil {
		return nil, c.outcomeFor(ctx, OutcomePoseError), err
	}
	detections, err := c.observer.Observe(ctx)
	if err != nil {
		return nil, c.outcomeFor(ctx, OutcomeDetectorError), errors.Wrap(err, "marker detection failed")
	}
	observed := c.clock.Now()
	after, err := c.poses.Read(ctx)
	if err != nil {
		return nil, c.outcomeFor(ctx, OutcomePoseError), err
	}

	det, ok, discarded := marker.Select(detections, c.conf.Selection)
	if !ok {
		c.logger.CDebugw(ctx, "no acceptable marker detected", "detections", len(detections))
		return nil, OutcomeNoMarker, nil
	}
	if discarded > 0 {
		c.logger.Warnw("several markers detected, using the most confident", "marker", det.ID, "ignored", discarded)
	}

	moved := spatialmath.PoseDifference(before.Pose, after.Pose)
	if moved.Translation > c.conf.StillTranslationMM || rutils.RadToDeg(moved.Rotation) > c.conf.StillRotationDeg {
		return nil, OutcomeMoving, errors.Wrapf(ErrRobotMoving, "tcp moved %.2fmm %.3f° during capture",
			moved.Translation, rutils.RadToDeg(moved.Rotation))
	}

	detectedAt := det.Timestamp
	if detectedAt.IsZero() {
		detectedAt = observed
	}
	reading, skew := nearestReading(detectedAt, before, after)
	if skew > c.conf.MaxSkew {
		return nil, OutcomeSkew, errors.Wrapf(ErrExcessiveSkew, "%s between pose read and detection, limit %s", skew, c.conf.MaxSkew)
	}

	sample, err := newSample(uuid.New(), reading.Pose, det.Pose, det.ID, det.Family, det.Confidence,
		reading.Timestamp, detectedAt, skew)
	if err != nil {
		return nil, OutcomeDetectorError, err
	}
	return sample, OutcomeAccepted, nil
}

func (c *Collector) outcomeFor(ctx context.Context, outcome string) string {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}
	return outcome
}

// nearestReading picks the pose reading closest in time to the detection. A detection between the
// two reads has no skew since the robot was still throughout.
func nearestReading(detectedAt time.Time, before, after posereader.Reading) (posereader.Reading, time.Duration) {
	if !detectedAt.Before(before.Timestamp) && !detectedAt.After(after.Timestamp) {
		return after, 0
	}
	dBefore := absDuration(detectedAt.Sub(before.Timestamp))
	dAfter := absDuration(detectedAt.Sub(after.Timestamp))
	if dBefore < dAfter {
		return before, dBefore
	}
	return after, dAfter
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// warnIfSimilar logs when the new sample's orientation is close to one already collected.
func (c *Collector) warnIfSimilar(sample *CalibrationSample) {
	closest := math.Inf(1)
	for _, s := range c.samples {
		angle := spatialmath.AngleBetween(s.RobotPose().Orientation(), sample.RobotPose().Orientation())
		closest = math.Min(closest, angle)
	}
	if deg := rutils.RadToDeg(closest); deg < c.conf.MinRotationBetweenSamplesDeg {
		c.logger.Warnw("robot orientation barely differs from an earlier sample; vary the orientation more",
			"closest_deg", deg, "min_deg", c.conf.MinRotationBetweenSamplesDeg)
	}
}

// Samples returns a copy of the collected samples in capture order.
func (c *Collector) Samples() []*CalibrationSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CalibrationSample(nil), c.samples...)
}

// Len returns the number of collected samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// DiscardLast removes the most recent sample and returns it.
func (c *Collector) DiscardLast(ctx context.Context) (*CalibrationSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return nil, errors.New("no samples to discard")
	}
	last := c.samples[len(c.samples)-1]
	remaining := c.samples[:len(c.samples)-1]
	if c.store != nil {
		if err := c.store.Replace(ctx, remaining); err != nil {
			return nil, errors.Wrap(err, "failed to store samples")
		}
	}
	c.samples = remaining
	c.logger.Infow("discarded last sample", "id", last.ID(), "count", len(c.samples))
	return last, nil
}

// Clear removes every sample.
func (c *Collector) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Replace(ctx, nil); err != nil {
			return errors.Wrap(err, "failed to store samples")
		}
	}
	c.samples = nil
	c.logger.Info("cleared all samples")
	return nil
}

// CancelCapture cancels a capture in progress, if any.
func (c *Collector) CancelCapture(ctx context.Context) {
	c.opMgr.CancelRunning(ctx)
}
