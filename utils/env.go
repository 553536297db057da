package utils

import (
	"os"
	"path/filepath"
)

const (
	// EnvVarPrefix is the prefix for all toolkit environment variables.
	EnvVarPrefix = "HANDEYE_"

	// ConfigEnvVar names a config file used when no --config flag is given.
	ConfigEnvVar = EnvVarPrefix + "CONFIG"

	// DataDirEnvVar overrides the calibration data directory.
	DataDirEnvVar = EnvVarPrefix + "DATA_DIR"

	// DefaultDataDir is the calibration data directory used when nothing else is configured.
	DefaultDataDir = "calibration_data"
)

// DataDir returns the calibration data directory: the configured value if set, otherwise the
// environment override, otherwise DefaultDataDir.
func DataDir(configured string) string {
	if configured != "" {
		return filepath.Clean(configured)
	}
	if dir := os.Getenv(DataDirEnvVar); dir != "" {
		return filepath.Clean(dir)
	}
	return DefaultDataDir
}
