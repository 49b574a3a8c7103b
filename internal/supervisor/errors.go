package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/perch/internal/protocol"
)

var (
	// ErrNotRunning is returned by writes when no process is attached.
	ErrNotRunning = errors.New("agent process is not running")

	// ErrExecutableNotFound is returned when no candidate path and no
	// login shell could be found.
	ErrExecutableNotFound = errors.New("agent executable not found")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("supervisor is closed")
)

// EncodingError is returned when a control record cannot be serialized.
type EncodingError = protocol.EncodingError

// LaunchError reports that the agent could not be started. The supervisor
// is left idle and the session not started.
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	if e.Executable == "" {
		return fmt.Sprintf("launch agent: %v", e.Err)
	}
	return fmt.Sprintf("launch agent %s: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError describes an agent process that exited unsuccessfully without
// being asked to stop. Stderr holds the last lines the process wrote there.
type ExitError struct {
	Code   int
	Stderr []string
	Err    error
}

func (e *ExitError) Error() string {
	if len(e.Stderr) > 0 {
		return fmt.Sprintf("agent process failed: %s (exit: %v)", strings.Join(e.Stderr, "\n"), e.Err)
	}
	return fmt.Sprintf("agent process exited: %v", e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
