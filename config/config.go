// Package config defines the calibration tool's configuration file.
package config

import (
	"time"

	"github.com/pkg/errors"

	"go.viam.com/handeye/components/arm"
	"go.viam.com/handeye/components/arm/universalrobots"
	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/logging"
	"go.viam.com/handeye/marker"
	"go.viam.com/handeye/marker/feed"
	"go.viam.com/handeye/posereader"
	rutils "go.viam.com/handeye/utils"
)

// Robot models.
const (
	ModelUR   = "ur"
	ModelFake = "fake"
)

// Config is the whole configuration file.
type Config struct {
	Robot     RobotConfig             `json:"robot"`
	Detector  DetectorConfig          `json:"detector"`
	Collector handeye.CollectorConfig `json:"collector"`
	Solver    handeye.SolverConfig    `json:"solver"`
	Verifier  handeye.VerifierConfig  `json:"verifier"`
	Log       LogConfig               `json:"log"`

	DataDir         string `json:"data_dir,omitempty"`
	MetricsTextfile string `json:"metrics_textfile,omitempty"`
}

// RobotConfig describes the controller and how to read its poses.
type RobotConfig struct {
	Model string `json:"model"`

	// Link and Reader fields sit directly in the robot section.
	Link   universalrobots.Config `json:",squash"`
	Reader posereader.Config      `json:",squash"`

	SignConvention   string            `json:"sign_convention,omitempty"`
	CustomConvention *ConventionConfig `json:"custom_convention,omitempty"`

	// FakePose is the pose the fake controller starts at, in its native units.
	FakePose *arm.RawPose `json:"fake_pose,omitempty"`
}

// ConventionConfig is a sign convention spelled out axis by axis.
type ConventionConfig struct {
	Name          string             `json:"name,omitempty"`
	Position      posereader.AxisMap `json:"position"`
	Rotation      posereader.AxisMap `json:"rotation"`
	PositionScale float64            `json:"position_scale"`
}

// DetectorConfig describes where marker detections come from and which one to use.
type DetectorConfig struct {
	feed.Config
	marker.SelectionConfig
}

// LogConfig controls log output.
type LogConfig struct {
	Level    string                        `json:"level,omitempty"`
	File     *logging.FileAppenderConfig   `json:"file,omitempty"`
	Patterns []logging.LoggerPatternConfig `json:"patterns,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Robot.Validate("robot"); err != nil {
		return err
	}
	if err := c.Detector.Validate("detector"); err != nil {
		return err
	}
	collector := c.CollectorConfig()
	if err := collector.Validate("collector"); err != nil {
		return err
	}
	if err := c.Solver.Validate("solver"); err != nil {
		return err
	}
	if err := c.Verifier.Validate("verifier"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

// Validate ensures all parts of the config are valid.
func (c *RobotConfig) Validate(path string) error {
	switch c.Model {
	case ModelUR:
		if err := c.Link.Validate(path); err != nil {
			return err
		}
	case ModelFake:
		if c.FakePose != nil {
			if err := c.FakePose.Validate(); err != nil {
				return rutils.NewConfigValidationError(path+".fake_pose", err)
			}
		}
	case "":
		return rutils.NewConfigValidationFieldRequiredError(path, "model")
	default:
		return rutils.NewOutOfRangeError(path, "model", c.Model, ModelUR+" or "+ModelFake)
	}
	if err := c.Reader.Validate(path); err != nil {
		return err
	}
	if c.SignConvention != "" && c.CustomConvention != nil {
		return rutils.NewConfigValidationError(path, errors.New("set sign_convention or custom_convention, not both"))
	}
	if _, err := c.Convention(); err != nil {
		return rutils.NewConfigValidationError(path, err)
	}
	return nil
}

// Convention returns the sign convention to read poses with. UR controllers default to the
// pendant's convention and the fake controller to the identity.
func (c *RobotConfig) Convention() (posereader.SignConvention, error) {
	if cc := c.CustomConvention; cc != nil {
		name := cc.Name
		if name == "" {
			name = "custom"
		}
		return posereader.NewSignConvention(name, cc.Position, cc.Rotation, cc.PositionScale)
	}
	name := c.SignConvention
	if name == "" {
		name = posereader.IdentityConvention
		if c.Model == ModelUR {
			name = posereader.URPendantConvention
		}
	}
	return posereader.ConventionByName(name)
}

// Validate ensures all parts of the config are valid.
func (c *DetectorConfig) Validate(path string) error {
	if err := c.Config.Validate(path); err != nil {
		return err
	}
	return c.SelectionConfig.Validate(path)
}

// Validate ensures all parts of the config are valid.
func (c *LogConfig) Validate(path string) error {
	if c.Level != "" {
		if _, err := logging.LevelFromString(c.Level); err != nil {
			return rutils.NewConfigValidationError(path, err)
		}
	}
	if c.File != nil && c.File.Path == "" {
		return rutils.NewConfigValidationFieldRequiredError(path+".file", "path")
	}
	for _, p := range c.Patterns {
		if !logging.ValidatePattern(p.Pattern) {
			return rutils.NewOutOfRangeError(path, "patterns", p.Pattern, "a dotted logger name")
		}
		if _, err := logging.LevelFromString(p.Level); err != nil {
			return rutils.NewConfigValidationError(path, err)
		}
	}
	return nil
}

// CollectorConfig returns the collector section with the detector's marker selection.
func (c *Config) CollectorConfig() handeye.CollectorConfig {
	conf := c.Collector
	conf.Selection = c.Detector.SelectionConfig
	return conf
}

// DataDirectory returns data_dir, falling back to the environment and then the default.
func (c *Config) DataDirectory() string {
	return rutils.DataDir(c.DataDir)
}

// Default returns a config for the fake controller with every default filled in.
func Default() *Config {
	return &Config{
		Robot: RobotConfig{
			Model: ModelFake,
			Link:  universalrobots.Config{ConnectTimeout: 5 * time.Second},
		},
		Detector: DetectorConfig{Config: feed.Config{Path: "detections.json"}},
		Log:      LogConfig{Level: "info"},
	}
}
