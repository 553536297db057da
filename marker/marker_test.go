package marker

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/handeye/spatialmath"
)

func TestSelect(t *testing.T) {
	pose := spatialmath.NewPoseFromPoint(r3.Vector{Z: 300})
	detections := []Detection{
		{ID: 3, Pose: pose, Confidence: 40},
		{ID: 7, Pose: pose, Confidence: 90},
		{ID: 3, Pose: pose, Confidence: 70},
		{ID: 5, Pose: spatialmath.NewPoseFromPoint(r3.Vector{X: math.NaN()}), Confidence: 99},
	}

	d, ok, discarded := Select(detections, SelectionConfig{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, d.ID, test.ShouldEqual, 7)
	test.That(t, discarded, test.ShouldEqual, 3)

	three := 3
	d, ok, _ = Select(detections, SelectionConfig{TargetID: &three})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, d.ID, test.ShouldEqual, 3)
	test.That(t, d.Confidence, test.ShouldEqual, 70.0)

	_, ok, _ = Select(detections, SelectionConfig{TargetID: &three, MinConfidence: 80})
	test.That(t, ok, test.ShouldBeFalse)

	_, ok, discarded = Select(nil, SelectionConfig{})
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, discarded, test.ShouldEqual, 0)
}

func TestSelectionConfigValidate(t *testing.T) {
	cfg := SelectionConfig{MinConfidence: -1}
	test.That(t, cfg.Validate("detector"), test.ShouldNotBeNil)
	neg := -2
	cfg = SelectionConfig{TargetID: &neg}
	test.That(t, cfg.Validate("detector"), test.ShouldNotBeNil)
	cfg = SelectionConfig{}
	test.That(t, cfg.Validate("detector"), test.ShouldBeNil)
}

func TestDetectionValidate(t *testing.T) {
	test.That(t, Detection{ID: 1}.Validate(), test.ShouldNotBeNil)
	test.That(t, Detection{ID: 1, Pose: spatialmath.NewZeroPose(), Confidence: math.Inf(1)}.Validate(), test.ShouldNotBeNil)
	test.That(t, Detection{ID: 1, Pose: spatialmath.NewZeroPose()}.Validate(), test.ShouldBeNil)
}
