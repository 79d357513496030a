package script

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a script could not produce a normal exit.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindPermissionDenied
	KindTimeout
	KindExecutionFailed
	KindIO
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrScriptDisabled = errors.New("script is disabled")
)

// ExecError is returned by executors and the runner.
type ExecError struct {
	Kind     ErrorKind
	Path     string
	Elapsed  time.Duration
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("Script not found: %s", e.Path)
	case KindPermissionDenied:
		return fmt.Sprintf("Permission denied: %s", e.Path)
	case KindTimeout:
		return fmt.Sprintf("Script timed out after %dms", e.Elapsed.Milliseconds())
	case KindExecutionFailed:
		return fmt.Sprintf("Script failed with exit code %d: %s", e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("I/O error: %v", e.Err)
	}
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a timeout and how long the process ran.
func IsTimeout(err error) (time.Duration, bool) {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Kind == KindTimeout {
		return ee.Elapsed, true
	}
	return 0, false
}
