// Package feed implements a marker.Observer fed by an external detector process.
//
// The detector writes its latest frame of detections as one JSON document to a file, replacing it
// on every frame. Observe waits for the next frame written after it was called.
package feed

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/marker"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// DefaultFrameTimeout bounds how long Observe waits for a frame.
const DefaultFrameTimeout = 3 * time.Second

// ErrFrameTimeout is returned when no new frame arrives in time.
var ErrFrameTimeout = errors.New("timed out waiting for a detector frame")

// Config describes where the detector writes frames.
type Config struct {
	Path         string        `json:"feed_path"`
	FrameTimeout time.Duration `json:"frame_timeout,omitempty"`
	// PositionScale converts the detector's translation units to millimetres.
	PositionScale float64 `json:"position_scale,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Path == "" {
		return rutils.NewConfigValidationFieldRequiredError(path, "feed_path")
	}
	if cfg.FrameTimeout < 0 {
		return rutils.NewOutOfRangeError(path, "frame_timeout", cfg.FrameTimeout, "positive")
	}
	if cfg.PositionScale < 0 || !rutils.IsFinite(cfg.PositionScale) {
		return rutils.NewOutOfRangeError(path, "position_scale", cfg.PositionScale, "positive")
	}
	return nil
}

type frameRecord struct {
	Timestamp  frameTime         `json:"timestamp"`
	Detections []detectionRecord `json:"detections"`
}

type detectionRecord struct {
	TagID          int        `json:"tag_id"`
	Family         string     `json:"family"`
	Translation    [3]float64 `json:"translation"`
	RotationVector [3]float64 `json:"rotation_vector"`
	DecisionMargin float64    `json:"decision_margin"`
}

// frameTime accepts RFC 3339, ISO 8601 without a zone (read as UTC), or unix seconds.
type frameTime time.Time

func (ft *frameTime) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		whole := math.Floor(secs)
		*ft = frameTime(time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string or a number")
	}
	if s == "" {
		*ft = frameTime{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			*ft = frameTime(t)
			return nil
		}
	}
	return errors.Errorf("unrecognized timestamp %q", s)
}

// Observer watches the detector's output file.
type Observer struct {
	path          string
	frameTimeout  time.Duration
	positionScale float64
	clock         clock.Clock
	logger        logging.Logger
	watcher       *fsnotify.Watcher

	lastFrame time.Time
}

var _ marker.Observer = (*Observer)(nil)

// New starts watching the feed file's directory. A nil clock means the wall clock.
func New(conf Config, clk clock.Clock, logger logging.Logger) (*Observer, error) {
	if err := conf.Validate("detector"); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	path, err := filepath.Abs(conf.Path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create feed watcher")
	}
	// the directory is watched so writers that rename a temp file into place are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot watch %s", filepath.Dir(path)), watcher.Close())
	}
	o := &Observer{
		path:          path,
		frameTimeout:  conf.FrameTimeout,
		positionScale: conf.PositionScale,
		clock:         clk,
		logger:        logger,
		watcher:       watcher,
	}
	if o.frameTimeout == 0 {
		o.frameTimeout = DefaultFrameTimeout
	}
	if o.positionScale == 0 {
		o.positionScale = 1
	}
	return o, nil
}

// drain discards events that happened before the current call.
func (o *Observer) drain() {
	for {
		select {
		case <-o.watcher.Events:
		case <-o.watcher.Errors:
		default:
			return
		}
	}
}

// Observe waits for the next frame and returns its detections.
func (o *Observer) Observe(ctx context.Context) ([]marker.Detection, error) {
	o.drain()
	timer := o.clock.Timer(o.frameTimeout)
	defer timer.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if lastErr != nil {
				return nil, errors.Wrapf(ErrFrameTimeout, "after %s, last read failed: %v", o.frameTimeout, lastErr)
			}
			return nil, errors.Wrapf(ErrFrameTimeout, "after %s", o.frameTimeout)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return nil, errors.New("feed watcher closed")
			}
			return nil, errors.Wrap(err, "feed watcher failed")
		case event, ok := <-o.watcher.Events:
			if !ok {
				return nil, errors.New("feed watcher closed")
			}
			if filepath.Clean(event.Name) != o.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			detections, fresh, err := o.readFrame()
			if err != nil {
				// a half written file fails to parse; the finishing write sends another event
				o.logger.CDebugw(ctx, "cannot read detector frame yet", "error", err)
				lastErr = err
				continue
			}
			if !fresh {
				continue
			}
			return detections, nil
		}
	}
}

func (o *Observer) readFrame() ([]marker.Detection, bool, error) {
	//nolint:gosec
	data, err := os.ReadFile(o.path)
	if err != nil {
		return nil, false, err
	}
	var frame frameRecord
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, errors.Wrap(err, "invalid detector frame")
	}
	ts := time.Time(frame.Timestamp)
	if ts.IsZero() {
		ts = o.clock.Now()
	} else if !ts.After(o.lastFrame) {
		return nil, false, nil
	}
	o.lastFrame = ts

	detections := make([]marker.Detection, 0, len(frame.Detections))
	for _, rec := range frame.Detections {
		t := r3.Vector{X: rec.Translation[0], Y: rec.Translation[1], Z: rec.Translation[2]}.Mul(o.positionScale)
		rv := r3.Vector{X: rec.RotationVector[0], Y: rec.RotationVector[1], Z: rec.RotationVector[2]}
		d := marker.Detection{
			ID:         rec.TagID,
			Family:     rec.Family,
			Pose:       spatialmath.NewPoseFromRotationVector(t, rv),
			Confidence: rec.DecisionMargin,
			Timestamp:  ts,
		}
		if err := d.Validate(); err != nil {
			o.logger.Warnw("dropping detection", "error", err)
			continue
		}
		detections = append(detections, d)
	}
	return detections, true, nil
}

// Close stops watching the feed.
func (o *Observer) Close() error {
	return o.watcher.Close()
}
