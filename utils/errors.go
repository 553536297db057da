package utils

import (
	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// NewConfigValidationError returns an error specifying a config validation error.
func NewConfigValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// NewConfigValidationFieldRequiredError returns an error specifying that a config field is required.
func NewConfigValidationFieldRequiredError(path, field string) error {
	return NewConfigValidationError(path, errors.Errorf("%q is required", field))
}

// NewOutOfRangeError returns an error describing a config field whose value lies outside its valid range.
func NewOutOfRangeError(path, field string, value interface{}, valid string) error {
	return NewConfigValidationError(path, errors.Errorf("%q is %v, must be %s", field, value, valid))
}
