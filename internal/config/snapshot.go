package config

import (
	"errors"
	"fmt"
	"time"
)

// Unlimited disables the restart ceiling when used as MaxRestartAttempts.
const Unlimited = -1

// Defaults applied to keys missing from the config file.
const (
	DefaultPollInterval           = 5 * time.Second
	DefaultHealthCheckInterval    = 10 * time.Second
	DefaultRestartBackoffBase     = 1 * time.Second
	DefaultRestartBackoffMax      = 60 * time.Second
	DefaultMaxRestartAttempts     = 5
	DefaultMinUptime              = 30 * time.Second
	DefaultGracefulStopTimeout    = 10 * time.Second
	DefaultKillMargin             = 2 * time.Second
	DefaultHealthFailureThreshold = 3
	DefaultHealthProbeTimeout     = 2 * time.Second
	DefaultBackoffJitter          = 0.1
)

// Snapshot is one immutable read of the hot-reloadable part of the config file.
// Only a change of Enabled triggers a start or stop; the remaining fields tune policy.
type Snapshot struct {
	Enabled                bool          `json:"enabled"`
	PollInterval           time.Duration `json:"poll_interval"`
	HealthCheckInterval    time.Duration `json:"health_check_interval"`
	RestartBackoffBase     time.Duration `json:"restart_backoff_base"`
	RestartBackoffMax      time.Duration `json:"restart_backoff_max"`
	MaxRestartAttempts     int           `json:"max_restart_attempts"`
	MinUptime              time.Duration `json:"min_uptime"`
	GracefulStopTimeout    time.Duration `json:"graceful_stop_timeout"`
	KillMargin             time.Duration `json:"kill_margin"`
	HealthFailureThreshold int           `json:"health_failure_threshold"`
	HealthProbeTimeout     time.Duration `json:"health_probe_timeout"`
	BackoffJitter          float64       `json:"backoff_jitter"`
}

// DefaultSnapshot is the state assumed before the first successful read: disabled, with
// default policy.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		PollInterval:           DefaultPollInterval,
		HealthCheckInterval:    DefaultHealthCheckInterval,
		RestartBackoffBase:     DefaultRestartBackoffBase,
		RestartBackoffMax:      DefaultRestartBackoffMax,
		MaxRestartAttempts:     DefaultMaxRestartAttempts,
		MinUptime:              DefaultMinUptime,
		GracefulStopTimeout:    DefaultGracefulStopTimeout,
		KillMargin:             DefaultKillMargin,
		HealthFailureThreshold: DefaultHealthFailureThreshold,
		HealthProbeTimeout:     DefaultHealthProbeTimeout,
		BackoffJitter:          DefaultBackoffJitter,
	}
}

// Validate rejects snapshots the supervisor cannot act on.
func (s Snapshot) Validate() error {
	var errs []error
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval_seconds", s.PollInterval},
		{"health_check_interval_seconds", s.HealthCheckInterval},
		{"restart_backoff_base_seconds", s.RestartBackoffBase},
		{"restart_backoff_max_seconds", s.RestartBackoffMax},
		{"min_uptime_seconds", s.MinUptime},
		{"graceful_stop_timeout_seconds", s.GracefulStopTimeout},
		{"kill_margin_seconds", s.KillMargin},
		{"health_probe_timeout_seconds", s.HealthProbeTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", p.name, p.d))
		}
	}
	if s.RestartBackoffMax > 0 && s.RestartBackoffBase > s.RestartBackoffMax {
		errs = append(errs, fmt.Errorf("restart_backoff_base_seconds (%s) exceeds restart_backoff_max_seconds (%s)",
			s.RestartBackoffBase, s.RestartBackoffMax))
	}
	if s.MaxRestartAttempts < Unlimited {
		errs = append(errs, fmt.Errorf("max_restart_attempts must be >= 0 or \"unlimited\", got %d", s.MaxRestartAttempts))
	}
	if s.HealthFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health_failure_threshold must be >= 1, got %d", s.HealthFailureThreshold))
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("restart_backoff_jitter must be in [0,1), got %g", s.BackoffJitter))
	}
	return errors.Join(errs...)
}

// SamePolicy reports whether every field except Enabled is equal.
func (s Snapshot) SamePolicy(o Snapshot) bool {
	s.Enabled = o.Enabled
	return s == o
}

// Unlimited reports whether the restart ceiling is disabled.
func (s Snapshot) Unlimited() bool { return s.MaxRestartAttempts == Unlimited }
