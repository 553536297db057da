package universalrobots

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/logging"
)

// Primary/secondary interface message and package types.
const (
	msgTypeRobotState   = 16
	msgTypeRobotMessage = 20

	pkgTypeRobotModeData  = 0
	pkgTypeJointData      = 1
	pkgTypeCartesianInfo  = 4
	robotMessageText      = 0
	robotMessageErrorCode = 6

	numJoints = 6
)

type robotModeData struct {
	Timestamp                uint64
	IsRealRobotConnected     bool
	IsRealRobotEnabled       bool
	IsRobotPowerOn           bool
	IsEmergencyStopped       bool
	IsProtectiveStopped      bool
	IsProgramRunning         bool
	IsProgramPaused          bool
	RobotMode                uint8
	ControlMode              uint8
	TargetSpeedFraction      float64
	SpeedScaling             float64
	TargetSpeedFractionLimit float64
}

type jointData struct {
	Qactual   float64
	Qtarget   float64
	QDactual  float64
	Iactual   float32
	Vactual   float32
	Tmotor    float32
	Tmicro    float32
	JointMode uint8
}

func (j jointData) degrees() float64 {
	return j.Qactual * 180 / math.Pi
}

// cartesianInfo is the TCP pose in metres and an R3 rotation vector in radians.
type cartesianInfo struct {
	X  float64
	Y  float64
	Z  float64
	Rx float64
	Ry float64
	Rz float64
}

type robotState struct {
	creationTime  time.Time
	robotModeData robotModeData
	Joints        []jointData
	cartesianInfo cartesianInfo

	haveModeData  bool
	haveCartesian bool
}

func (s robotState) rawPose() arm.RawPose {
	joints := make([]float64, 0, len(s.Joints))
	for _, j := range s.Joints {
		joints = append(joints, j.Qactual)
	}
	return arm.RawPose{
		X:                   s.cartesianInfo.X,
		Y:                   s.cartesianInfo.Y,
		Z:                   s.cartesianInfo.Z,
		RX:                  s.cartesianInfo.Rx,
		RY:                  s.cartesianInfo.Ry,
		RZ:                  s.cartesianInfo.Rz,
		Joints:              joints,
		ControllerTimestamp: s.robotModeData.Timestamp,
		ReceivedAt:          s.creationTime,
		Status: arm.Status{
			PoweredOn:         s.robotModeData.IsRobotPowerOn,
			EmergencyStopped:  s.robotModeData.IsEmergencyStopped,
			ProtectiveStopped: s.robotModeData.IsProtectiveStopped,
			ProgramRunning:    s.robotModeData.IsProgramRunning,
		},
	}
}

// readRobotStateMessage parses the sub-packages of a robot state message. buf starts after the
// message type byte. Unknown sub-packages are skipped.
func readRobotStateMessage(ctx context.Context, buf []byte, logger logging.Logger) (robotState, error) {
	var state robotState
	for len(buf) > 0 {
		if len(buf) < 5 {
			return state, errors.Errorf("truncated robot state package header (%d bytes)", len(buf))
		}
		pkgLen := int(binary.BigEndian.Uint32(buf))
		if pkgLen < 5 || pkgLen > len(buf) {
			return state, errors.Errorf("invalid robot state package length %d with %d bytes remaining", pkgLen, len(buf))
		}
		pkgType := buf[4]
		payload := bytes.NewReader(buf[5:pkgLen])

		switch pkgType {
		case pkgTypeRobotModeData:
			if err := binary.Read(payload, binary.BigEndian, &state.robotModeData); err != nil {
				return state, errors.Wrap(err, "failed to read robot mode data")
			}
			state.haveModeData = true
		case pkgTypeJointData:
			joints := make([]jointData, numJoints)
			if err := binary.Read(payload, binary.BigEndian, joints); err != nil {
				return state, errors.Wrap(err, "failed to read joint data")
			}
			state.Joints = joints
		case pkgTypeCartesianInfo:
			if err := binary.Read(payload, binary.BigEndian, &state.cartesianInfo); err != nil {
				return state, errors.Wrap(err, "failed to read cartesian info")
			}
			state.haveCartesian = true
		default:
			logger.CDebugf(ctx, "skipping robot state package type %d (%d bytes)", pkgType, pkgLen)
		}
		buf = buf[pkgLen:]
	}
	if !state.haveCartesian {
		return state, errors.New("robot state message has no cartesian info")
	}
	return state, nil
}

type robotMessageHeader struct {
	Timestamp        uint64
	Source           int8
	RobotMessageType uint8
}

type errorCodeMessage struct {
	Code     int32
	Argument int32
	Level    int32
}

// readURRobotMessage parses a robot message. buf includes the message type byte. Error code messages
// are returned as errors so a move in progress can fail with them.
func readURRobotMessage(ctx context.Context, buf []byte, logger logging.Logger) error {
	r := bytes.NewReader(buf[1:])
	var hdr robotMessageHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return errors.Wrap(err, "failed to read robot message header")
	}
	switch hdr.RobotMessageType {
	case robotMessageText:
		text := make([]byte, r.Len())
		if _, err := r.Read(text); err != nil && r.Len() > 0 {
			return err
		}
		logger.CDebugw(ctx, "ur text message", "source", hdr.Source, "text", string(text))
	case robotMessageErrorCode:
		var msg errorCodeMessage
		if err := binary.Read(r, binary.BigEndian, &msg); err != nil {
			return errors.Wrap(err, "failed to read error code message")
		}
		return errors.Errorf("ur error code C%dA%d (source %d, level %d)", msg.Code, msg.Argument, hdr.Source, msg.Level)
	default:
		logger.CDebugw(ctx, "ur robot message", "source", hdr.Source, "type", hdr.RobotMessageType, "size", len(buf))
	}
	return nil
}
