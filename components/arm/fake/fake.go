// Package fake implements an in-memory robot controller for tests and dry runs.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/logging"
)

// Arm is a fake controller that reports a settable TCP pose. Moves complete instantly.
type Arm struct {
	logger logging.Logger
	clock  clock.Clock

	mu           sync.Mutex
	pose         arm.RawPose
	script       []arm.RawPose
	disconnected bool
	reportAge    time.Duration
	onRead       func()
	readCount    int
	moveCount    int
	closeCount   int
}

var (
	_ arm.StateReader = (*Arm)(nil)
	_ arm.Mover       = (*Arm)(nil)
)

// NewArm returns a fake controller at the zero pose, powered on.
func NewArm(clk clock.Clock, logger logging.Logger) *Arm {
	if clk == nil {
		clk = clock.New()
	}
	return &Arm{
		logger: logger,
		clock:  clk,
		pose:   arm.RawPose{Status: arm.Status{PoweredOn: true}},
	}
}

// SetPose sets the pose reported until the next move or SetPose.
func (a *Arm) SetPose(p arm.RawPose) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pose = p
	a.script = nil
}

// Script queues poses returned by successive reads. Once drained, reads repeat the last one.
func (a *Arm) Script(poses ...arm.RawPose) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script[:0], poses...)
}

// SetConnected simulates the link going down or coming back.
func (a *Arm) SetConnected(connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnected = !connected
}

// SetReportAge makes every report appear to have arrived age before the read.
func (a *Arm) SetReportAge(age time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reportAge = age
}

// OnRead registers a hook run at the start of every read, e.g. to advance a mock clock.
func (a *Arm) OnRead(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRead = f
}

// ReadState returns the current or next scripted pose.
func (a *Arm) ReadState(ctx context.Context) (arm.RawPose, error) {
	if err := ctx.Err(); err != nil {
		return arm.RawPose{}, err
	}
	a.mu.Lock()
	hook := a.onRead
	a.mu.Unlock()
	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.readCount++
	if a.disconnected {
		return arm.RawPose{}, errors.Wrap(arm.ErrNotConnected, "fake controller disconnected")
	}
	if len(a.script) > 0 {
		a.pose = a.script[0]
		a.script = a.script[1:]
	}
	p := a.pose
	p.Joints = append([]float64(nil), a.pose.Joints...)
	p.ReceivedAt = a.clock.Now().Add(-a.reportAge)
	return p, nil
}

// Connected reports whether the simulated link is up.
func (a *Arm) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disconnected
}

// MoveL jumps straight to target.
func (a *Arm) MoveL(ctx context.Context, target arm.RawPose) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disconnected {
		return arm.ErrNotConnected
	}
	if a.pose.Status.Stopped() {
		return errors.New("fake controller is safety stopped")
	}
	status := a.pose.Status
	a.pose = target
	a.pose.Status = status
	a.script = nil
	a.moveCount++
	a.logger.Debugw("fake move", "x", target.X, "y", target.Y, "z", target.Z)
	return nil
}

// Stop does nothing but check the link.
func (a *Arm) Stop(ctx context.Context) error {
	if !a.Connected() {
		return arm.ErrNotConnected
	}
	return nil
}

// Close counts calls.
func (a *Arm) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeCount++
	return nil
}

// ReadCount returns how many reads were served or attempted.
func (a *Arm) ReadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readCount
}

// MoveCount returns how many moves completed.
func (a *Arm) MoveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moveCount
}

// CloseCount returns how many times Close was called.
func (a *Arm) CloseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCount
}
