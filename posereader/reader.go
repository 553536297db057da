// Package posereader reads the robot's TCP pose and normalizes it so it matches the teach pendant.
//
// The sign convention is applied here and nowhere else. A reader only ever queries the controller's
// state link; it has no way to command motion.
package posereader

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

const (
	// DefaultFreshness is the oldest report accepted as the current pose.
	DefaultFreshness = 500 * time.Millisecond
	// DefaultQueryTimeout bounds one controller query.
	DefaultQueryTimeout = 2 * time.Second
)

var (
	// ErrControllerUnavailable is returned when the controller link cannot be queried.
	ErrControllerUnavailable = errors.New("robot controller unavailable")
	// ErrStalePose is returned when the latest report is older than the freshness threshold.
	ErrStalePose = errors.New("stale robot pose")
	// ErrInvalidReport is returned when the controller reports a pose that is not a finite number.
	ErrInvalidReport = errors.New("invalid robot pose report")
)

// unavailableError keeps the link error as the cause while matching ErrControllerUnavailable.
type unavailableError struct {
	msg   string
	cause error
}

func (e *unavailableError) Error() string {
	return ErrControllerUnavailable.Error() + ": " + e.msg + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrControllerUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.cause
}

// PoseReader returns the robot's current TCP pose in the pendant's frame, millimetres and radians.
type PoseReader interface {
	ReadPose(ctx context.Context) (spatialmath.Pose, error)
	Read(ctx context.Context) (Reading, error)
}

// Reading is one corrected pose along with what the controller reported.
type Reading struct {
	Pose spatialmath.Pose
	Raw  arm.RawPose
	// Timestamp is when the report was received from the controller.
	Timestamp time.Time
	// Age is how old the report was when it was read.
	Age time.Duration
}

// Config controls a Reader.
type Config struct {
	Freshness    time.Duration `json:"freshness,omitempty"`
	QueryTimeout time.Duration `json:"query_timeout,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Freshness < 0 {
		return rutils.NewOutOfRangeError(path, "freshness", cfg.Freshness, "positive")
	}
	if cfg.QueryTimeout < 0 {
		return rutils.NewOutOfRangeError(path, "query_timeout", cfg.QueryTimeout, "positive")
	}
	return nil
}

// Reader is the PoseReader over a controller state link.
type Reader struct {
	controller   arm.StateReader
	convention   SignConvention
	clock        clock.Clock
	logger       logging.Logger
	freshness    time.Duration
	queryTimeout time.Duration
}

var _ PoseReader = (*Reader)(nil)

// New returns a Reader. A nil clock means the wall clock.
func New(controller arm.StateReader, convention SignConvention, conf Config, clk clock.Clock, logger logging.Logger) (*Reader, error) {
	if controller == nil {
		return nil, errors.New("pose reader needs a controller link")
	}
	if convention.PositionScale() == 0 {
		return nil, errors.New("pose reader needs a sign convention")
	}
	if err := conf.Validate("pose_reader"); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Reader{
		controller:   controller,
		convention:   convention,
		clock:        clk,
		logger:       logger,
		freshness:    conf.Freshness,
		queryTimeout: conf.QueryTimeout,
	}
	if r.freshness == 0 {
		r.freshness = DefaultFreshness
	}
	if r.queryTimeout == 0 {
		r.queryTimeout = DefaultQueryTimeout
	}
	logger.Debugw("pose reader ready", "convention", convention.String(), "freshness", r.freshness)
	return r, nil
}

// Convention returns the sign convention the reader applies.
func (r *Reader) Convention() SignConvention {
	return r.convention
}

// ReadPose returns the current corrected pose.
func (r *Reader) ReadPose(ctx context.Context) (spatialmath.Pose, error) {
	reading, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	return reading.Pose, nil
}

// Read queries the controller once and returns the corrected pose with its timing.
func (r *Reader) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	if !r.controller.Connected() {
		return Reading{}, &unavailableError{msg: "link down", cause: arm.ErrNotConnected}
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	raw, err := r.controller.ReadState(queryCtx)
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; that is not a controller fault
			return Reading{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Reading{}, &unavailableError{msg: "query timed out after " + r.queryTimeout.String(), cause: err}
		}
		return Reading{}, &unavailableError{msg: "query failed", cause: err}
	}
	if err := raw.Validate(); err != nil {
		return Reading{}, errors.Wrap(ErrInvalidReport, err.Error())
	}

	now := r.clock.Now()
	received := raw.ReceivedAt
	if received.IsZero() {
		received = now
	}
	age := now.Sub(received)
	if age > r.freshness {
		return Reading{}, errors.Wrapf(ErrStalePose, "report is %s old, limit %s", age, r.freshness)
	}
	if raw.Status.Stopped() {
		r.logger.Warnw("controller reports a safety stop", "status", raw.Status)
	}

	pose, err := r.convention.Apply(raw)
	if err != nil {
		return Reading{}, errors.Wrap(ErrInvalidReport, err.Error())
	}
	return Reading{Pose: pose, Raw: raw, Timestamp: received, Age: age}, nil
}
