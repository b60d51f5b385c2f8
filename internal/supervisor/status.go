package supervisor

import (
	"net/http"
	"time"

	"github.com/loykin/bootvisor/internal/process"
)

// Handle describes the current worker run.
type Handle struct {
	PID          int          `json:"pid"`
	StartedAt    time.Time    `json:"started_at"`
	Generation   uint64       `json:"generation"`
	Spec         process.Spec `json:"spec"`
	RestartCount int          `json:"restart_count"`
}

// Status is an immutable copy of the supervisor's state, published after every event.
type Status struct {
	Worker             string    `json:"worker"`
	State              State     `json:"state"`
	Enabled            bool      `json:"enabled"`
	Handle             *Handle   `json:"handle,omitempty"`
	Generation         uint64    `json:"generation"`
	RestartCount       int       `json:"restart_count"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`
	EverStarted        bool      `json:"ever_started"`
	LastError          string    `json:"last_error,omitempty"`
	FatalReason        string    `json:"fatal_reason,omitempty"`
	Degraded           bool      `json:"degraded,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Terminal reports whether the worker is in terminal Crashed and needs an operator toggle.
func (s *Status) Terminal() bool {
	return s.State == StateCrashed && s.FatalReason != ""
}

// Code summarizes a Status for probes and the status command.
type Code string

const (
	CodeOK           Code = "ok"
	CodeNeverStarted Code = "never_started"
	CodeFatal        Code = "fatal"
)

// HTTPStatus maps a code to the status API response code.
func (c Code) HTTPStatus() int {
	if c == CodeFatal {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ExitCode maps a code to the exit status of `bootvisor status`.
func (c Code) ExitCode() int {
	switch c {
	case CodeNeverStarted:
		return 3
	case CodeFatal:
		return 4
	default:
		return 0
	}
}

// Report is the wire form of a Status served by GET /status and written to the status file.
type Report struct {
	Code               Code      `json:"code"`
	Worker             string    `json:"worker"`
	State              string    `json:"state"`
	Enabled            bool      `json:"enabled"`
	PID                int       `json:"pid,omitempty"`
	Generation         uint64    `json:"generation"`
	UptimeSeconds      float64   `json:"uptime_seconds"`
	RestartCount       int       `json:"restart_count"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`
	LastError          string    `json:"last_error,omitempty"`
	FatalReason        string    `json:"fatal_reason,omitempty"`
	Degraded           bool      `json:"degraded,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Report builds the wire form; uptime is measured against now.
func (s *Status) Report(now time.Time) Report {
	r := Report{
		Code:               CodeOK,
		Worker:             s.Worker,
		State:              s.State.String(),
		Enabled:            s.Enabled,
		Generation:         s.Generation,
		RestartCount:       s.RestartCount,
		MaxRestartAttempts: s.MaxRestartAttempts,
		LastError:          s.LastError,
		FatalReason:        s.FatalReason,
		Degraded:           s.Degraded,
		UpdatedAt:          s.UpdatedAt,
	}
	switch {
	case s.Terminal():
		r.Code = CodeFatal
	case !s.EverStarted:
		r.Code = CodeNeverStarted
	}
	if h := s.Handle; h != nil {
		r.PID = h.PID
		if s.State == StateRunning && !h.StartedAt.IsZero() {
			r.UptimeSeconds = now.Sub(h.StartedAt).Seconds()
		}
	}
	return r
}
