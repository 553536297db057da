package handeye

import (
	"github.com/pkg/errors"
)

// Capture errors. Both are transient: nothing is recorded and the operator can try again.
var (
	// ErrExcessiveSkew is returned when the pose read and the marker detection are too far apart in time.
	ErrExcessiveSkew = errors.New("pose and marker detection too far apart in time")
	// ErrRobotMoving is returned when the robot moved while a sample was being captured.
	ErrRobotMoving = errors.New("robot moved during capture")
)

// Solve errors. None of them can be fixed by retrying with the same samples.
var (
	// ErrInsufficientSamples is returned when fewer samples than the minimum were given.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrDegenerateConfiguration is returned when the robot motions do not rotate about enough distinct axes.
	ErrDegenerateConfiguration = errors.New("degenerate sample configuration")
	// ErrSolveFailed is returned when the linear algebra itself fails.
	ErrSolveFailed = errors.New("hand-eye solve failed")
	// ErrExcessiveResidual is returned when the solution fits the samples too poorly to be used.
	ErrExcessiveResidual = errors.New("calibration residual above rejection threshold")
)

// Verification errors.
var (
	// ErrSampleUsedInSolve is returned when a sample offered for verification was part of the solve.
	ErrSampleUsedInSolve = errors.New("sample was used in the solve")
	// ErrResultRejected is returned when asked to verify a rejected calibration.
	ErrResultRejected = errors.New("calibration result was rejected")
)

var failureCodes = map[string]error{
	"insufficient_samples":     ErrInsufficientSamples,
	"degenerate_configuration": ErrDegenerateConfiguration,
	"solve_failed":             ErrSolveFailed,
	"excessive_residual":       ErrExcessiveResidual,
}

func failureCode(err error) string {
	for code, sentinel := range failureCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "solve_failed"
}

// restoredFailure is a failure read back from a saved result.
type restoredFailure struct {
	msg  string
	kind error
}

func (e *restoredFailure) Error() string {
	return e.msg
}

func (e *restoredFailure) Is(target error) bool {
	return target == e.kind
}

func (e *restoredFailure) Unwrap() error {
	return e.kind
}
