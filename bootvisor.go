package bootvisor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/daemon"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/history/factory"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
	iapi "github.com/loykin/bootvisor/internal/server"
	"github.com/loykin/bootvisor/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Policy = config.Snapshot

type FileConfig = config.FileConfig

type Status = supervisor.Status

type Report = supervisor.Report

type State = supervisor.State

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StateStopped      = supervisor.StateStopped
	StateStarting     = supervisor.StateStarting
	StateRunning      = supervisor.StateRunning
	StateStopping     = supervisor.StateStopping
	StateCrashed      = supervisor.StateCrashed
	StateRestarting   = supervisor.StateRestarting
	StateShuttingDown = supervisor.StateShuttingDown
)

var (
	ErrRestartCeiling = supervisor.ErrRestartCeiling
	ErrDegradedStop   = supervisor.ErrDegradedStop
)

func DefaultPolicy() Policy { return config.DefaultSnapshot() }

// Supervisor is a thin facade over internal/supervisor for embedding without a config
// file: the caller drives enable/disable and policy directly.
type Supervisor struct{ inner *supervisor.Supervisor }

// NewSupervisor returns a stopped supervisor; env nil inherits the caller's environment.
func NewSupervisor(spec Spec, env []string, policy Policy, log *slog.Logger) *Supervisor {
	return &Supervisor{inner: supervisor.New(supervisor.Options{
		Spec:   spec,
		Env:    env,
		Policy: policy,
		Log:    log,
	})}
}

func (s *Supervisor) Start(ctx context.Context) { s.inner.Start(ctx) }

// SetEnabled delivers an enabled transition carrying policy p.
func (s *Supervisor) SetEnabled(ctx context.Context, enabled bool, p Policy) error {
	p.Enabled = enabled
	return s.inner.EnabledTransition(ctx, p)
}

// SetPolicy updates the tunables without touching the enabled flag.
func (s *Supervisor) SetPolicy(ctx context.Context, p Policy) error {
	return s.inner.IntervalChanged(ctx, p)
}

func (s *Supervisor) Status() *Status                    { return s.inner.Status() }
func (s *Supervisor) Changes() <-chan struct{}           { return s.inner.Changes() }
func (s *Supervisor) Shutdown(ctx context.Context) error { return s.inner.Shutdown(ctx) }

// Handler returns the read-only status API for this supervisor.
func (s *Supervisor) Handler(basePath string, withMetrics bool) http.Handler {
	return iapi.NewRouter(s.inner, iapi.RouterConfig{BasePath: basePath, Metrics: withMetrics}).Handler()
}

// Daemon runs the complete config-driven supervisor, as `bootvisor serve` does.
type Daemon struct{ inner *daemon.Daemon }

// NewDaemon loads configPath, takes the lock and builds every component.
func NewDaemon(configPath string, log *slog.Logger) (*Daemon, error) {
	d, err := daemon.New(daemon.Options{ConfigPath: configPath, Log: log})
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: d}, nil
}

func (d *Daemon) Start(ctx context.Context)     { d.inner.Start(ctx) }
func (d *Daemon) Run(ctx context.Context) error { return d.inner.Run(ctx) }
func (d *Daemon) Shutdown(reason string) error  { return d.inner.Shutdown(reason) }
func (d *Daemon) Status() *Status               { return d.inner.Status() }
func (d *Daemon) StatusAddr() string            { return d.inner.StatusAddr() }

// Config helpers

func LoadConfig(path string) (*FileConfig, error) { return config.Load(path) }

// ReadPolicy reads the hot-reloadable part of a config file once.
func ReadPolicy(path string) (Policy, error) { return config.NewFileSource(path).Read() }

func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
