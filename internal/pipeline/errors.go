package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrProvisioning      = errors.New("provisioning failed")
	ErrBuild             = errors.New("build failed")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrFinalization      = errors.New("image already finalized")
	ErrCopy              = errors.New("artifact copy failed")
	ErrExport            = errors.New("image export failed")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidImageRef   = errors.New("invalid image reference")
)

// Maximum number of stderr bytes kept on a [StageError].
const stderrTail = 2048

// Describes which stage and operation failed and why.
//
// Kind is one of the package sentinels and Err is the underlying cause.
// Both are reachable through [errors.Is] and [errors.As].
type StageError struct {
	Stage    string // Stage name, "builder" or "assembler".
	Op       string // Operation that failed (provision, build, copy, ...).
	ExitCode int    // Exit status of the failing command, 0 when no command ran.
	Stderr   string // Tail of the failing command's standard error.
	Kind     error  // Error class.
	Err      error  // Underlying cause, may be nil.
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q: %s", e.Stage, e.Op)
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

func (e *StageError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Returns the last stderrTail bytes of s, trimmed of surrounding whitespace.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	i := len(s) - stderrTail
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
