package posereader

import (
	"fmt"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/spatialmath"
	rutils "go.viam.com/handeye/utils"
)

// Names of the built-in sign conventions.
const (
	IdentityConvention      = "identity"
	URPendantConvention     = "ur-pendant"
	URROSBaseLinkConvention = "ur-ros-base-link"
)

// AxisMap is a signed axis permutation. Entry i names the raw axis (1, 2 or 3 for x, y, z) that
// becomes output axis i, negated when the entry is negative. {-1, -2, 3} flips x and y.
type AxisMap [3]int

func (m AxisMap) validate() error {
	var seen [3]bool
	for _, a := range m {
		idx := a
		if idx < 0 {
			idx = -idx
		}
		if idx < 1 || idx > 3 {
			return errors.Errorf("axis %d out of range, use 1, 2 or 3 with an optional minus sign", a)
		}
		if seen[idx-1] {
			return errors.Errorf("axis map %v uses an axis twice", m)
		}
		seen[idx-1] = true
	}
	return nil
}

// matrix returns m as a row major 3x3 matrix, so that apply(v) is matrix times v.
func (m AxisMap) matrix() []float64 {
	out := make([]float64, 9)
	for i, a := range m {
		if a < 0 {
			out[3*i-a-1] = -1
		} else {
			out[3*i+a-1] = 1
		}
	}
	return out
}

func (m AxisMap) det() float64 {
	e := m.matrix()
	r0 := r3.Vector{X: e[0], Y: e[1], Z: e[2]}
	r1 := r3.Vector{X: e[3], Y: e[4], Z: e[5]}
	r2 := r3.Vector{X: e[6], Y: e[7], Z: e[8]}
	return r0.Dot(r1.Cross(r2))
}

// frame returns the base frame change m describes. m must be proper.
func (m AxisMap) frame() (spatialmath.Pose, error) {
	rm, err := spatialmath.NewRotationMatrix(m.matrix())
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPoseFromOrientation(rm), nil
}

func (m AxisMap) apply(v r3.Vector) r3.Vector {
	raw := [3]float64{v.X, v.Y, v.Z}
	var out [3]float64
	for i, a := range m {
		if a < 0 {
			out[i] = -raw[-a-1]
		} else {
			out[i] = raw[a-1]
		}
	}
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

func (m AxisMap) invert(v r3.Vector) r3.Vector {
	in := [3]float64{v.X, v.Y, v.Z}
	var raw [3]float64
	for i, a := range m {
		if a < 0 {
			raw[-a-1] = -in[i]
		} else {
			raw[a-1] = in[i]
		}
	}
	return r3.Vector{X: raw[0], Y: raw[1], Z: raw[2]}
}

// SignConvention maps a controller's native pose report onto the frame and units the teach pendant
// displays: millimetres and an R3 rotation vector in radians. It is a value and cannot be changed
// after construction.
//
// The position map is a change of base frame and must be a proper rotation. It turns the whole pose,
// so the tool orientation R is reported as M·R. The rotation map is applied component by component
// to the resulting rotation vector; it models displays that flip or swap rotation vector components
// and is the identity for every built-in convention. Rotation vectors always come out with length
// at most pi.
type SignConvention struct {
	name          string
	position      AxisMap
	rotation      AxisMap
	positionScale float64
}

var identityAxes = AxisMap{1, 2, 3}

var presets = map[string]SignConvention{
	IdentityConvention: {
		name: IdentityConvention, position: identityAxes, rotation: identityAxes, positionScale: 1,
	},
	// Controller reports metres, the pendant shows millimetres.
	URPendantConvention: {
		name: URPendantConvention, position: identityAxes, rotation: identityAxes, positionScale: 1000,
	},
	// ROS base_link is the UR base frame turned half a turn about z.
	URROSBaseLinkConvention: {
		name: URROSBaseLinkConvention, position: AxisMap{-1, -2, 3}, rotation: identityAxes, positionScale: 1000,
	},
}

// Presets returns the names of the built-in conventions.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConventionByName returns a built-in convention.
func ConventionByName(name string) (SignConvention, error) {
	c, ok := presets[name]
	if !ok {
		return SignConvention{}, errors.Errorf("unknown sign convention %q, have %v", name, Presets())
	}
	return c, nil
}

// NewSignConvention builds a custom convention. A zero AxisMap means the identity. Position maps
// that mirror the frame are refused.
func NewSignConvention(name string, position, rotation AxisMap, positionScale float64) (SignConvention, error) {
	if name == "" {
		return SignConvention{}, errors.New("sign convention needs a name")
	}
	if position == (AxisMap{}) {
		position = identityAxes
	}
	if rotation == (AxisMap{}) {
		rotation = identityAxes
	}
	if err := position.validate(); err != nil {
		return SignConvention{}, errors.Wrap(err, "position axes")
	}
	if position.det() < 0 {
		return SignConvention{}, errors.Errorf("position axes %v describe a left-handed frame, flip one more sign", position)
	}
	if err := rotation.validate(); err != nil {
		return SignConvention{}, errors.Wrap(err, "rotation axes")
	}
	if !rutils.IsFinite(positionScale) || positionScale <= 0 {
		return SignConvention{}, errors.Errorf("position scale must be positive, got %v", positionScale)
	}
	return SignConvention{
		name:          name,
		position:      position,
		rotation:      rotation,
		positionScale: positionScale,
	}, nil
}

// Name returns the convention's name.
func (c SignConvention) Name() string {
	return c.name
}

// PositionScale returns the factor taking controller position units to millimetres.
func (c SignConvention) PositionScale() float64 {
	return c.positionScale
}

func (c SignConvention) String() string {
	return fmt.Sprintf("%s(position %v, rotation %v, scale %g)", c.name, c.position, c.rotation, c.positionScale)
}

// Apply converts a raw report into a canonical pose.
func (c SignConvention) Apply(raw arm.RawPose) (spatialmath.Pose, error) {
	if c.positionScale == 0 {
		return nil, errors.New("sign convention is not initialized")
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	frame, err := c.position.frame()
	if err != nil {
		return nil, err
	}
	native := spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: raw.X, Y: raw.Y, Z: raw.Z}.Mul(c.positionScale),
		r3.Vector{X: raw.RX, Y: raw.RY, Z: raw.RZ},
	)
	p := spatialmath.Compose(frame, native)
	return spatialmath.NewPoseFromRotationVector(p.Point(), c.rotation.apply(p.Orientation().RotationVector())), nil
}

// Raw converts a canonical pose back into the controller's native units and axes. It is the inverse
// of Apply and is used to build motion targets.
func (c SignConvention) Raw(p spatialmath.Pose) (arm.RawPose, error) {
	if c.positionScale == 0 {
		return arm.RawPose{}, errors.New("sign convention is not initialized")
	}
	frame, err := c.position.frame()
	if err != nil {
		return arm.RawPose{}, err
	}
	displayed := spatialmath.NewPoseFromRotationVector(p.Point(), c.rotation.invert(p.Orientation().RotationVector()))
	native := spatialmath.Compose(spatialmath.PoseInverse(frame), displayed)
	pos := native.Point().Mul(1 / c.positionScale)
	rv := native.Orientation().RotationVector()
	raw := arm.RawPose{X: pos.X, Y: pos.Y, Z: pos.Z, RX: rv.X, RY: rv.Y, RZ: rv.Z}
	return raw, raw.Validate()
}
