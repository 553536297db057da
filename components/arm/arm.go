// Package arm defines the robot controller link used by the calibration tooling. Reading state and
// commanding motion are separate capabilities: everything that only needs the TCP pose depends on
// StateReader, which has no way to move the robot.
package arm

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when the controller link is down or has not delivered a report yet.
	ErrNotConnected = errors.New("robot controller not connected")

	// ErrMotionNotPermitted is returned when a motion capable link is requested without explicitly
	// allowing motion in the configuration.
	ErrMotionNotPermitted = errors.New("motion not permitted: set allow_motion to enable the motion client")
)

// RawPose is a TCP pose exactly as a controller reported it, in the controller's own units and
// sign conventions. Universal Robots controllers report metres and an R3 rotation vector in radians.
type RawPose struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`

	// Joints are the actual joint positions in radians, when the controller reports them.
	Joints []float64 `json:"joints,omitempty"`

	// ControllerTimestamp is the controller's own clock for the report, in its native unit.
	ControllerTimestamp uint64 `json:"controller_timestamp,omitempty"`
	// ReceivedAt is the local time the report arrived.
	ReceivedAt time.Time `json:"received_at"`

	Status Status `json:"status"`
}

// Status summarizes the controller's robot mode flags.
type Status struct {
	PoweredOn         bool `json:"powered_on"`
	EmergencyStopped  bool `json:"emergency_stopped"`
	ProtectiveStopped bool `json:"protective_stopped"`
	ProgramRunning    bool `json:"program_running"`
}

// Stopped reports whether a safety stop is active.
func (s Status) Stopped() bool {
	return s.EmergencyStopped || s.ProtectiveStopped
}

// Validate returns an error if any pose component is not a finite number.
func (p RawPose) Validate() error {
	for _, v := range []float64{p.X, p.Y, p.Z, p.RX, p.RY, p.RZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("controller reported non-finite pose component in %v", []float64{p.X, p.Y, p.Z, p.RX, p.RY, p.RZ})
		}
	}
	return nil
}

// StateReader reads the latest robot state from a controller. Implementations never command motion.
type StateReader interface {
	// ReadState returns the most recent TCP report. It fails with ErrNotConnected when no report is available.
	ReadState(ctx context.Context) (RawPose, error)
	// Connected reports whether the link is currently up.
	Connected() bool
	Close(ctx context.Context) error
}

// Mover commands linear TCP motion. It is only ever constructed when motion is explicitly allowed and
// is never handed to the sample collection path.
type Mover interface {
	// MoveL moves the TCP linearly to target, given in the controller's native units, and waits for arrival.
	MoveL(ctx context.Context, target RawPose) error
	// Stop decelerates the robot to a stop.
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
}
