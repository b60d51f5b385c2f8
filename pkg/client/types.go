package client

import "time"

// Code values reported by the status endpoint.
const (
	CodeOK           = "ok"
	CodeNeverStarted = "never_started"
	CodeFatal        = "fatal"
)

// Report is the worker status served by GET /status.
type Report struct {
	Code               string    `json:"code"`
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

// ExitCode maps the report code to the exit status used by `bootvisor status`.
func (r *Report) ExitCode() int {
	switch r.Code {
	case CodeNeverStarted:
		return 3
	case CodeFatal:
		return 4
	default:
		return 0
	}
}

// ResourceSample is one CPU/memory reading of the worker.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Resources is the response of GET /status/resources.
type Resources struct {
	Worker  string           `json:"worker"`
	Latest  *ResourceSample  `json:"latest,omitempty"`
	History []ResourceSample `json:"history"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
