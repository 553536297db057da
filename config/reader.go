package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Read reads a config from the given file, substituting ${VAR} references from the environment.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies where, if applicable, the file the
// reader originated from.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var attributes map[string]interface{}
	if err := json.NewDecoder(r).Decode(&attributes); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q from json", originalPath)
	}
	cfg := Default()
	if err := decode(attributes, cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", originalPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode fills out from attributes, leaving fields the attributes do not name untouched.
func decode(attributes map[string]interface{}, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      out,
		Squash:      true,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attributes)
}
