package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRestartCeiling marks a terminal Crashed state: the worker failed
	// MaxRestartAttempts times in a row and will not be respawned until the operator
	// toggles enabled off and on again.
	ErrRestartCeiling = errors.New("restart ceiling exceeded")

	// ErrClosed is returned by requests made after the control loop has exited.
	ErrClosed = errors.New("supervisor closed")

	// ErrDegradedStop means the worker survived SIGKILL for longer than the kill margin and
	// its handle was abandoned.
	ErrDegradedStop = errors.New("worker did not exit after SIGKILL, handle abandoned")
)

// SpawnError is a failure to start the worker (missing binary, permission denied, ...).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %q: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is an exit the supervisor did not ask for, including exit status 0.
type ExitError struct {
	Code   int
	Uptime time.Duration
	Err    error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker exited unexpectedly after %s: %v", e.Uptime.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("worker exited unexpectedly with code %d after %s", e.Code, e.Uptime.Round(time.Millisecond))
}

func (e *ExitError) Unwrap() error { return e.Err }

// crashReason is a short label for metrics.
func crashReason(err error) string {
	var se *SpawnError
	var ee *ExitError
	switch {
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &ee):
		return "exit"
	default:
		return "health"
	}
}
