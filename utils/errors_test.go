package utils

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestNewUnexpectedTypeError(t *testing.T) {
	for _, tc := range []struct {
		expected interface{}
		actual   interface{}
		errStr   string
	}{
		{"exp1", 1, "expected string but got int"},
		{1.5, "two", "expected float64 but got string"},
	} {
		err := NewUnexpectedTypeError(tc.expected, tc.actual)
		test.That(t, err.Error(), test.ShouldEqual, tc.errStr)
	}
}

func TestConfigValidationErrors(t *testing.T) {
	err := NewConfigValidationFieldRequiredError("robot", "host")
	test.That(t, err.Error(), test.ShouldEqual, `error validating "robot": "host" is required`)

	err = NewOutOfRangeError("solver", "min_samples", 2, "at least 3")
	test.That(t, err.Error(), test.ShouldEqual, `error validating "solver": "min_samples" is 2, must be at least 3`)

	base := errors.New("boom")
	test.That(t, errors.Is(NewConfigValidationError("x", base), base), test.ShouldBeTrue)
}

func TestMath(t *testing.T) {
	test.That(t, DegToRad(180), test.ShouldAlmostEqual, math.Pi)
	test.That(t, RadToDeg(math.Pi/2), test.ShouldAlmostEqual, 90.)
	test.That(t, Float64AlmostEqual(1, 1.0005, 1e-3), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(1, 1.1, 1e-3), test.ShouldBeFalse)
	test.That(t, IsFinite(1, 2, 3), test.ShouldBeTrue)
	test.That(t, IsFinite(1, math.NaN()), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(-1)), test.ShouldBeFalse)
	test.That(t, Clamp(5, 0, 1), test.ShouldEqual, 1.)
	test.That(t, Clamp(-5, 0, 1), test.ShouldEqual, 0.)
	test.That(t, Square(3), test.ShouldEqual, 9.)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := SafeJoinDir(dir, "../escape")
	test.That(t, err, test.ShouldNotBeNil)
	joined, err := SafeJoinDir(dir, "sub/file.json")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, joined, test.ShouldEqual, filepath.Join(dir, "sub", "file.json"))

	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	test.That(t, TimestampedName("handeye_data", ".json", ts), test.ShouldEqual, "handeye_data_20240309_140507.json")

	path := filepath.Join(dir, "out.json")
	test.That(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, `{"a":1}`)

	RemoveFileNoError(path)
	_, err = os.Stat(path)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	RemoveFileNoError(path)
}

func TestDataDir(t *testing.T) {
	t.Setenv(DataDirEnvVar, "")
	test.That(t, DataDir(""), test.ShouldEqual, DefaultDataDir)
	test.That(t, DataDir("/tmp/cal/"), test.ShouldEqual, "/tmp/cal")
	t.Setenv(DataDirEnvVar, "/var/cal")
	test.That(t, DataDir(""), test.ShouldEqual, "/var/cal")
}
