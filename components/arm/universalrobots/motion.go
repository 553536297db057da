package universalrobots

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/operation"
	"go.viam.com/handeye/spatialmath"
)

const (
	motionPollDuration  = 10 * time.Millisecond
	defaultMoveTimeout  = 30 * time.Second
	arrivedTranslationM = 0.0005
	arrivedRotationRad  = 0.005
	dashboardTimeout    = time.Second
)

// urMover sends URScript motion commands over the primary port. It owns its own state link so it can
// wait for arrival and pick up controller error messages.
type urMover struct {
	conf   *Config
	state  *urArm
	logger logging.Logger
	opMgr  operation.SingleOperationManager

	muMove      sync.Mutex
	connControl net.Conn
}

// ConnectWithMotion connects both the read-only state link and the motion client. It fails with
// arm.ErrMotionNotPermitted unless the config sets allow_motion.
func ConnectWithMotion(ctx context.Context, conf *Config, logger logging.Logger) (arm.StateReader, arm.Mover, error) {
	if !conf.AllowMotion {
		return nil, nil, arm.ErrMotionNotPermitted
	}
	state, err := connect(ctx, conf, clock.New(), logger)
	if err != nil {
		return nil, nil, err
	}
	mover, err := newMover(ctx, conf, state, logger)
	if err != nil {
		return nil, nil, multierr.Combine(err, state.Close(ctx))
	}
	return state, mover, nil
}

func newMover(ctx context.Context, conf *Config, state *urArm, logger logging.Logger) (*urMover, error) {
	if !conf.AllowMotion {
		return nil, arm.ErrMotionNotPermitted
	}
	ctx, cancel := context.WithTimeout(ctx, conf.connectTimeout())
	defer cancel()
	var d net.Dialer
	controlAddr := conf.address(conf.ControlPort, defaultControlPort)
	connControl, err := d.DialContext(ctx, "tcp", controlAddr)
	if err != nil {
		return nil, errors.Wrapf(arm.ErrNotConnected, "couldn't connect to ur arm control port (%s): %v", controlAddr, err)
	}
	logger.Warnw("motion client connected; this link can move the robot", "address", controlAddr)
	return &urMover{conf: conf, state: state, logger: logger, connControl: connControl}, nil
}

func (um *urMover) speed() float64 {
	if um.conf.SpeedMetersPerSec == 0 {
		return defaultSpeed
	}
	return um.conf.SpeedMetersPerSec
}

func (um *urMover) acceleration() float64 {
	if um.conf.AccelerationMetersPerS2 == 0 {
		return defaultAcceleration
	}
	return um.conf.AccelerationMetersPerS2
}

// checkRemoteMode asks the dashboard server whether the pendant has remote control enabled.
func (um *urMover) checkRemoteMode(ctx context.Context) error {
	if um.conf.SkipRemoteCheck {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, dashboardTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", um.conf.address(um.conf.DashboardPort, defaultDashboardPort))
	if err != nil {
		return errors.Wrap(err, "can't connect to ur arm's dashboard")
	}
	defer goutils.UncheckedErrorFunc(conn.Close)
	if err := conn.SetDeadline(time.Now().Add(dashboardTimeout)); err != nil {
		return err
	}
	readerWriter := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	// Discard first line which is hello from dashboard
	if _, _, err := readerWriter.ReadLine(); err != nil {
		return err
	}
	if _, err := readerWriter.WriteString("is in remote control\n"); err != nil {
		return err
	}
	if err := readerWriter.Flush(); err != nil {
		return err
	}
	line, _, err := readerWriter.ReadLine()
	if err != nil {
		return err
	}
	if !strings.Contains(string(line), "true") {
		return errors.New("UR arm is in local mode; use the polyscope to switch it to remote control mode")
	}
	return nil
}

// MoveL moves the TCP linearly to target and waits until the reported pose is within tolerance.
func (um *urMover) MoveL(ctx context.Context, target arm.RawPose) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if err := um.checkRemoteMode(ctx); err != nil {
		return err
	}
	ctx, done := um.opMgr.New(ctx)
	defer done()

	um.muMove.Lock()
	defer um.muMove.Unlock()

	start, err := um.state.ReadState(ctx)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("movel(p[%f,%f,%f,%f,%f,%f], a=%1.3f, v=%1.3f, r=0)\r\n",
		target.X, target.Y, target.Z, target.RX, target.RY, target.RZ,
		um.acceleration(), um.speed(),
	)

	// make the timeout the max between the default and time calculated by slapping a 20% factor on the estimated time to complete
	distance := rawPosePose(start).Point().Distance(rawPosePose(target).Point())
	timeout := defaultMoveTimeout
	if estTime := time.Duration(1.2 * distance / um.speed() * float64(time.Second)); estTime > timeout {
		timeout = estTime
	}

	um.state.getAndResetRuntimeError()
	if _, err := um.connControl.Write([]byte(cmd)); err != nil {
		return err
	}
	um.logger.Infow("movel sent", "target", []float64{target.X, target.Y, target.Z, target.RX, target.RY, target.RZ})

	deadline := um.state.clock.Now().Add(timeout)
	return um.opMgr.WaitForSuccess(ctx, motionPollDuration, func(ctx context.Context) (bool, error) {
		cur, err := um.state.ReadState(ctx)
		if err != nil {
			return false, err
		}
		delta := spatialmath.PoseDifference(rawPosePose(cur), rawPosePose(target))
		if delta.Translation <= arrivedTranslationM && delta.Rotation <= arrivedRotationRad {
			return true, nil
		}
		if err := um.state.getAndResetRuntimeError(); err != nil {
			return false, err
		}
		if um.state.clock.Now().After(deadline) {
			return false, errors.Errorf("can't reach position within %s; remaining %.4fm %.4frad", timeout, delta.Translation, delta.Rotation)
		}
		return false, nil
	})
}

// Stop decelerates the arm to a stop.
func (um *urMover) Stop(ctx context.Context) error {
	_, done := um.opMgr.New(ctx)
	defer done()
	cmd := fmt.Sprintf("stopl(%1.2f)\r\n", 2*um.acceleration())
	_, err := um.connControl.Write([]byte(cmd))
	return err
}

// Close closes the control connection. The state link is closed by its own owner.
func (um *urMover) Close(ctx context.Context) error {
	um.opMgr.CancelRunning(ctx)
	if err := um.connControl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// rawPosePose interprets a raw report as metres and a rotation vector, for distance checks only.
func rawPosePose(p arm.RawPose) spatialmath.Pose {
	return spatialmath.PoseRecord{X: p.X, Y: p.Y, Z: p.Z, RX: p.RX, RY: p.RY, RZ: p.RZ}.Pose()
}
