package arm

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestRawPoseValidate(t *testing.T) {
	p := RawPose{X: 0.4, Y: -0.1, Z: 0.3, RX: 2.2, RY: -2.2, RZ: 0}
	test.That(t, p.Validate(), test.ShouldBeNil)

	p.RY = math.NaN()
	test.That(t, p.Validate(), test.ShouldNotBeNil)

	p.RY = 0
	p.Z = math.Inf(1)
	test.That(t, p.Validate(), test.ShouldNotBeNil)
}

func TestStatusStopped(t *testing.T) {
	test.That(t, Status{PoweredOn: true}.Stopped(), test.ShouldBeFalse)
	test.That(t, Status{ProtectiveStopped: true}.Stopped(), test.ShouldBeTrue)
	test.That(t, Status{EmergencyStopped: true}.Stopped(), test.ShouldBeTrue)
}
