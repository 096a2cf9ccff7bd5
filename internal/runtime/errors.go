package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrRuntime          = errors.New("runtime error")
	ErrEmptyIndex       = errors.New("empty image index")
	ErrPlatformMismatch = errors.New("image has no manifest for the platform")
	ErrEmptyArchive     = errors.New("archive contains no image")
	ErrMultipleImages   = errors.New("archive contains more than one image")
	ErrTagConflict      = errors.New("tag names the base image")
)

// A failed runtime operation. Both [ErrRuntime] and the cause are reachable
// through [errors.Is].
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrRuntime, e.op, e.err)
}

func (e *opError) Unwrap() []error {
	return []error{ErrRuntime, e.err}
}

// Wraps err as a runtime error describing the failed operation.
func wrapf(err error, format string, args ...any) error {
	return &opError{op: fmt.Sprintf(format, args...), err: err}
}

// A helper command inside a container exited with a non-zero code.
type exitError struct {
	code   int
	stderr string
}

func (e *exitError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return fmt.Sprintf("exit code %d (%s)", e.code, e.stderr)
}
