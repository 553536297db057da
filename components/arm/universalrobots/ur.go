// Package universalrobots implements the controller link for arms from Universal Robots.
//
// The state link connects to the read-only secondary client port (30011) and keeps the latest
// robot state in memory. It never opens a port that accepts commands. Motion goes through a
// separate client on the primary port (30001) that can only be built with allow_motion set.
package universalrobots

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/logging"
	rutils "go.viam.com/handeye/utils"
)

const (
	defaultStatePort      = 30011
	defaultControlPort    = 30001
	defaultDashboardPort  = 29999
	defaultConnectTimeout = 5 * time.Second
	defaultSpeed          = 0.1 // m/s
	defaultAcceleration   = 0.5 // m/s^2

	reconnectInterval        = time.Second
	readDeadline             = time.Second
	waitBackgroundWorkersDur = 5 * time.Second
	maxMessageSize           = 10000
)

// Config is used for converting config attributes.
type Config struct {
	Host           string        `json:"host"`
	StatePort      int           `json:"state_port,omitempty"`
	ControlPort    int           `json:"control_port,omitempty"`
	DashboardPort  int           `json:"dashboard_port,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`

	// AllowMotion must be set for the motion client to be constructed at all.
	AllowMotion             bool    `json:"allow_motion,omitempty"`
	SpeedMetersPerSec       float64 `json:"speed_meters_per_sec,omitempty"`
	AccelerationMetersPerS2 float64 `json:"acceleration_meters_per_sec2,omitempty"`
	// SkipRemoteCheck disables asking the dashboard server whether remote control is enabled before moving.
	SkipRemoteCheck bool `json:"skip_remote_check,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Host == "" {
		return rutils.NewConfigValidationFieldRequiredError(path, "host")
	}
	for field, port := range map[string]int{
		"state_port": cfg.StatePort, "control_port": cfg.ControlPort, "dashboard_port": cfg.DashboardPort,
	} {
		if port < 0 || port > 65535 {
			return rutils.NewOutOfRangeError(path, field, port, "a TCP port")
		}
	}
	if cfg.SpeedMetersPerSec < 0 || cfg.SpeedMetersPerSec > 1 {
		return rutils.NewOutOfRangeError(path, "speed_meters_per_sec", cfg.SpeedMetersPerSec, "between 0 and 1")
	}
	if cfg.AccelerationMetersPerS2 < 0 || cfg.AccelerationMetersPerS2 > 5 {
		return rutils.NewOutOfRangeError(path, "acceleration_meters_per_sec2", cfg.AccelerationMetersPerS2, "between 0 and 5")
	}
	return nil
}

func (cfg *Config) address(port, def int) string {
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

func (cfg *Config) connectTimeout() time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return cfg.ConnectTimeout
}

type urArm struct {
	logger                  logging.Logger
	clock                   clock.Clock
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	debug                   bool

	mu                       sync.Mutex
	state                    robotState
	haveData                 bool
	runtimeError             error
	readRobotStateConnection net.Conn
	host                     string
	stateAddr                string
	isConnected              bool
}

// Connect dials the read-only state port and returns once the first robot state has arrived.
func Connect(ctx context.Context, conf *Config, logger logging.Logger) (arm.StateReader, error) {
	return connect(ctx, conf, clock.New(), logger)
}

func connect(ctx context.Context, conf *Config, clk clock.Clock, logger logging.Logger) (*urArm, error) {
	if err := conf.Validate("robot"); err != nil {
		return nil, err
	}
	// this is to speed up failure if the UR arm is not reachable
	ctx, cancel := context.WithTimeout(ctx, conf.connectTimeout())
	defer cancel()

	var d net.Dialer
	stateAddr := conf.address(conf.StatePort, defaultStatePort)
	connReadRobotState, err := d.DialContext(ctx, "tcp", stateAddr)
	if err != nil {
		return nil, errors.Wrapf(arm.ErrNotConnected, "can't connect to ur arm (%s): %v", stateAddr, err)
	}

	cancelCtx, cancelBackground := context.WithCancel(context.Background())
	newArm := &urArm{
		logger:                   logger,
		clock:                    clk,
		cancel:                   cancelBackground,
		debug:                    logger.GetLevel() == logging.DEBUG,
		readRobotStateConnection: connReadRobotState,
		host:                     conf.Host,
		stateAddr:                stateAddr,
		isConnected:              true,
	}

	onData := make(chan struct{})
	var onDataOnce sync.Once
	newArm.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			newArm.mu.Lock()
			conn := newArm.readRobotStateConnection
			newArm.mu.Unlock()

			err := reader(cancelCtx, conn, newArm, func() {
				onDataOnce.Do(func() {
					close(onData)
				})
			})
			if err == nil || cancelCtx.Err() != nil {
				return
			}
			newArm.setConnected(false)
			if !(errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrClosedPipe) ||
				os.IsTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
				logger.Errorw("reader failed", "error", err)
			}
			goutils.UncheckedError(conn.Close())
			for {
				if err := cancelCtx.Err(); err != nil {
					return
				}
				logger.Debugf("attempting to reconnect to ur arm %s", stateAddr)
				newConn, err := d.DialContext(cancelCtx, "tcp", stateAddr)
				if err == nil {
					newArm.mu.Lock()
					newArm.readRobotStateConnection = newConn
					newArm.isConnected = true
					newArm.mu.Unlock()
					break
				}
				if !goutils.SelectContextOrWait(cancelCtx, reconnectInterval) {
					return
				}
			}
		}
	}, newArm.activeBackgroundWorkers.Done)

	select {
	case <-ctx.Done():
		return nil, multierr.Combine(
			errors.Wrapf(arm.ErrNotConnected, "arm failed to report state in time (%s)", conf.connectTimeout()),
			newArm.Close(context.Background()))
	case <-onData:
		logger.Infow("connected to ur state port", "address", stateAddr)
		return newArm, nil
	}
}

func (ua *urArm) setConnected(connected bool) {
	ua.mu.Lock()
	ua.isConnected = connected
	ua.mu.Unlock()
}

// Connected reports whether the state connection is up.
func (ua *urArm) Connected() bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.isConnected
}

func (ua *urArm) setRuntimeError(re error) {
	ua.mu.Lock()
	ua.runtimeError = re
	ua.mu.Unlock()
}

func (ua *urArm) getAndResetRuntimeError() error {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	re := ua.runtimeError
	ua.runtimeError = nil
	return re
}

func (ua *urArm) setState(state robotState) {
	ua.mu.Lock()
	ua.state = state
	ua.haveData = true
	ua.mu.Unlock()
}

// ReadState returns the latest cached robot state. The caller decides whether its age is acceptable.
func (ua *urArm) ReadState(ctx context.Context) (arm.RawPose, error) {
	if err := ctx.Err(); err != nil {
		return arm.RawPose{}, err
	}
	ua.mu.Lock()
	defer ua.mu.Unlock()
	if !ua.isConnected {
		return arm.RawPose{}, errors.Wrapf(arm.ErrNotConnected, "lost connection to %s", ua.stateAddr)
	}
	if !ua.haveData {
		return arm.RawPose{}, errors.Wrap(arm.ErrNotConnected, "no robot state received yet")
	}
	return ua.state.rawPose(), nil
}

// Close cleans up the state connection.
func (ua *urArm) Close(ctx context.Context) error {
	ua.cancel()

	closeConn := func() {
		ua.mu.Lock()
		defer ua.mu.Unlock()
		if err := ua.readRobotStateConnection.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			ua.logger.Errorw("error closing arm's state connection", "error", err)
		}
		ua.isConnected = false
	}

	// give the worker some time to close but otherwise we must close the connection
	// since net.Conns do not utilize contexts.
	waitCtx, cancel := context.WithTimeout(ctx, waitBackgroundWorkersDur)
	defer cancel()
	goutils.PanicCapturingGo(func() {
		<-waitCtx.Done()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			closeConn()
		}
	})

	ua.activeBackgroundWorkers.Wait()
	cancel()
	closeConn()
	return nil
}

func reader(ctx context.Context, conn net.Conn, ua *urArm, onHaveData func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}

		sizeBuf, err := goutils.ReadBytes(ctx, conn, 4)
		if err != nil {
			return err
		}
		msgSize := binary.BigEndian.Uint32(sizeBuf)
		if msgSize <= 4 || msgSize > maxMessageSize {
			return errors.Errorf("invalid msg size: %d", msgSize)
		}

		buf, err := goutils.ReadBytes(ctx, conn, int(msgSize-4))
		if err != nil {
			return err
		}

		switch buf[0] {
		case msgTypeRobotState:
			state, err := readRobotStateMessage(ctx, buf[1:], ua.logger)
			if err != nil {
				// a malformed report is dropped rather than tearing down the link
				ua.logger.Warnw("dropping robot state message", "error", err)
				continue
			}
			state.creationTime = ua.clock.Now()
			ua.setState(state)
			onHaveData()
			if ua.debug && len(state.Joints) == numJoints {
				ua.logger.Debugf("isOn: %v stopped: %v joints: %f %f %f %f %f %f cartesian: %f %f %f %f %f %f",
					state.robotModeData.IsRobotPowerOn,
					state.robotModeData.IsEmergencyStopped || state.robotModeData.IsProtectiveStopped,
					state.Joints[0].degrees(),
					state.Joints[1].degrees(),
					state.Joints[2].degrees(),
					state.Joints[3].degrees(),
					state.Joints[4].degrees(),
					state.Joints[5].degrees(),
					state.cartesianInfo.X,
					state.cartesianInfo.Y,
					state.cartesianInfo.Z,
					state.cartesianInfo.Rx,
					state.cartesianInfo.Ry,
					state.cartesianInfo.Rz)
			}
		case msgTypeRobotMessage:
			if userErr := readURRobotMessage(ctx, buf, ua.logger); userErr != nil {
				ua.setRuntimeError(userErr)
			}
		case 5: // MODBUS_INFO_MESSAGE
		case 23: // SAFETY_SETUP_BROADCAST_MESSAGE
		case 24: // SAFETY_COMPLIANCE_TOLERANCES_MESSAGE
		case 25: // PROGRAM_STATE_MESSAGE
		default:
			ua.logger.Debugf("ur: unknown messageType: %v size: %d", buf[0], len(buf))
		}
	}
}
