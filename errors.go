package punchzero

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// PunchError is the error type returned by every package in this module. Use
// [errors.Is] against one of the sentinel values below to classify it.
type PunchError interface {
	error
	WithMessage(message string) PunchError
	Wrap(err error) PunchError
}

type basePunchError string

const rootError = basePunchError("")

// ErrFormat is returned for malformed descriptors, duplicate or missing extent
// declarations, unsupported extent types, and sparse headers that disagree with
// their descriptor.
var ErrFormat = rootError.WithMessage("Malformed disk image")

// ErrIO is returned when opening, reading, writing, or seeking any source
// extent or the output file fails.
var ErrIO = rootError.WithMessage("Input/output error")

// ErrOutOfRange is returned for sectors outside an extent and for rewritten
// extents that would need sector offsets past 32 bits.
var ErrOutOfRange = rootError.WithMessage("Numerical argument out of domain")

// ErrInvalidArgument is returned when a caller passes something unusable: a
// non-sparse or parentless extent to rewrite, a bad configuration value, or a
// buffer of the wrong size.
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")

func (e basePunchError) Error() string {
	return string(e)
}

func (e basePunchError) WithMessage(message string) PunchError {
	return customPunchError{
		message:       message,
		originalError: e,
	}
}

func (e basePunchError) Wrap(err error) PunchError {
	return customPunchError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customPunchError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customPunchError) Error() string {
	return e.message
}

func (e customPunchError) WithMessage(message string) PunchError {
	return customPunchError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customPunchError) Wrap(err error) PunchError {
	return customPunchError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customPunchError) Unwrap() error {
	return e.originalError
}
