package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/bootvisor/internal/auth"
	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/env"
	"github.com/loykin/bootvisor/internal/health"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/history/factory"
	"github.com/loykin/bootvisor/internal/lock"
	"github.com/loykin/bootvisor/internal/logger"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/server"
	"github.com/loykin/bootvisor/internal/shutdown"
	"github.com/loykin/bootvisor/internal/statusfile"
	"github.com/loykin/bootvisor/internal/supervisor"
	"github.com/loykin/bootvisor/internal/tls"
	"github.com/loykin/bootvisor/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// ConfigPath is loaded for the static part and polled for the dynamic part.
	ConfigPath string
	// Config replaces loading ConfigPath for the static part.
	Config *config.FileConfig
	// Source replaces ConfigPath as the dynamic config source.
	Source config.Source
	// Log replaces the logger built from the [log] section.
	Log        *slog.Logger
	Registerer prometheus.Registerer
}

// Daemon wires the supervisor to its config watcher, health monitor, history sinks and
// status surfaces, and owns the single-instance lock.
type Daemon struct {
	cfg       *config.FileConfig
	log       *slog.Logger
	logCloser io.Closer

	lock     *lock.Lock
	recorder *history.Recorder
	sampler  *metrics.Sampler
	monitor  *health.Monitor
	sup      *supervisor.Supervisor
	watcher  *watcher.Watcher
	server   *server.Server
	status   *statusfile.Writer
	coord    *shutdown.Coordinator

	startOnce sync.Once
	cancel    context.CancelFunc
}

// New loads and validates the configuration, takes the lock and builds every component.
// Nothing runs until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigPath == "" {
			return nil, errors.New("config path required")
		}
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Source == nil {
		if opts.ConfigPath == "" {
			return nil, errors.New("config path or source required")
		}
		opts.Source = config.NewFileSource(opts.ConfigPath)
	}

	d := &Daemon{cfg: cfg, log: opts.Log}
	if d.log == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		d.log, d.logCloser = l, closer
	}

	lk, err := lock.Acquire(cfg.Daemon.LockFile)
	if err != nil {
		d.closeLog()
		if errors.Is(err, lock.ErrLocked) {
			owner, _ := lock.ReadOwner(cfg.Daemon.LockFile)
			return nil, fmt.Errorf("another bootvisor (pid %d) holds %s: %w", owner, cfg.Daemon.LockFile, err)
		}
		return nil, err
	}
	d.lock = lk

	if err := d.build(opts); err != nil {
		if d.recorder != nil {
			_ = d.recorder.Close(context.Background())
		}
		_ = d.lock.Release()
		d.closeLog()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(opts Options) error {
	cfg := d.cfg
	spec := cfg.Worker.Spec

	workerEnv, err := d.workerEnv()
	if err != nil {
		return err
	}

	d.recorder = history.NewRecorder(openSinks(cfg.Daemon.History, d.log), d.log)
	if err := d.recorder.StartRetention(cfg.Daemon.HistoryRetention); err != nil {
		return fmt.Errorf("history retention: %w", err)
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if cfg.Daemon.Metrics {
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		d.sampler = metrics.NewSampler(cfg.Daemon.Resources, d.log)
		if err := d.sampler.Register(reg); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
	}

	probe, err := health.NewProbe(cfg.Health)
	if err != nil {
		return err
	}
	d.monitor = health.NewMonitor(probe, spec.Name, d.log)

	d.sup = supervisor.New(supervisor.Options{
		Spec:    spec,
		Env:     workerEnv,
		Health:  d.monitor,
		History: d.recorder,
		Log:     d.log,
	})

	watchPath := ""
	if cfg.Daemon.WatchFS {
		watchPath = opts.ConfigPath
	}
	d.watcher = watcher.New(watcher.Options{
		Source:      opts.Source,
		Target:      d.sup,
		Log:         d.log,
		WatchPath:   watchPath,
		ErrorWindow: cfg.Daemon.ErrorWindow(),
	})

	if cfg.Daemon.StatusListen != "" {
		rc := server.RouterConfig{Metrics: cfg.Daemon.Metrics}
		if d.sampler != nil {
			rc.Resources = d.sampler
		}
		tlsCfg, err := tls.Setup(cfg.Daemon.TLS)
		if err != nil {
			return fmt.Errorf("status server tls: %w", err)
		}
		if rc.Auth, err = auth.NewSigner(cfg.Daemon.Auth); err != nil {
			return fmt.Errorf("status server auth: %w", err)
		}
		srv, err := server.NewServer(cfg.Daemon.StatusListen, server.NewRouter(d.sup, rc), tlsCfg)
		if err != nil {
			return fmt.Errorf("status server on %s: %w", cfg.Daemon.StatusListen, err)
		}
		d.server = srv
	}
	if cfg.Daemon.StatusFile != "" {
		d.status = statusfile.New(cfg.Daemon.StatusFile, d.sup, statusfile.DefaultRefresh, d.log)
	}

	d.coord = shutdown.New(shutdown.Options{
		Watcher: d.watcher,
		Health:  d.monitor,
		Worker:  d.sup,
		Policy:  d.watcher.Last,
		Log:     d.log,
	})
	d.coord.AddCloser("background", func(context.Context) error {
		if d.cancel != nil {
			d.cancel()
		}
		return nil
	})
	d.coord.AddCloser("history", d.recorder.Close)
	if d.server != nil {
		d.coord.AddCloser("server", d.server.Shutdown)
	}
	if d.status != nil {
		d.coord.AddCloser("statusfile", func(context.Context) error { return d.status.Close() })
	}
	d.coord.AddCloser("lock", func(context.Context) error { return d.lock.Release() })
	return nil
}

// workerEnv composes the environment of every spawn: the daemon's own environment when
// inherit_env is set, then daemon.env and env files, then worker.env.
func (d *Daemon) workerEnv() ([]string, error) {
	base, err := d.cfg.WorkerEnv()
	if err != nil {
		return nil, err
	}
	e := env.New(d.cfg.Worker.InheritEnv)
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		e.Set(k, v)
	}
	return e.Merge(d.cfg.Worker.Env), nil
}

// openSinks skips sinks that cannot be opened so that a history backend outage never
// keeps the worker from starting.
func openSinks(dsns []string, log *slog.Logger) []history.NamedSink {
	var out []history.NamedSink
	for _, dsn := range dsns {
		name := factory.Scheme(dsn)
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink unavailable, skipping", "sink", name, "error", err)
			continue
		}
		out = append(out, history.NamedSink{Name: name, Sink: sink})
	}
	return out
}

// Start launches the supervisor and every background component. The first config read
// happens immediately. Components run until Shutdown; ctx only carries values.
func (d *Daemon) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		base, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.cancel = cancel

		d.sup.Start(base)
		d.monitor.Start(base, d.sup.ReportUnhealthy)
		if d.sampler != nil {
			go d.sampler.Run(base, d.samplerTarget)
		}
		if d.status != nil {
			d.status.Start(base)
		}
		d.watcher.Start(base)

		d.log.Info("bootvisor started",
			"worker", d.cfg.Worker.Name,
			"lock", d.lock.Path(),
			"status_addr", d.StatusAddr(),
			"history_sinks", len(d.cfg.Daemon.History),
		)
	})
}

// Run starts the daemon and blocks until SIGINT/SIGTERM, ctx cancellation or Shutdown,
// returning the result of the shutdown sequence.
func (d *Daemon) Run(ctx context.Context) error {
	d.Start(ctx)
	err := d.coord.Run(ctx)
	if err != nil {
		d.log.Warn("shutdown degraded", "error", err)
	} else {
		d.log.Info("bootvisor stopped")
	}
	d.closeLog()
	return err
}

// Shutdown runs the shutdown sequence once; concurrent callers share its result. It is
// also valid on a daemon that was never started.
func (d *Daemon) Shutdown(reason string) error {
	d.sup.Start(context.Background())
	return d.coord.Trigger(reason)
}

// Done is closed once the shutdown sequence has finished.
func (d *Daemon) Done() <-chan struct{} { return d.coord.Done() }

func (d *Daemon) Status() *supervisor.Status { return d.sup.Status() }

// Changes signals status changes; see supervisor.Supervisor.Changes.
func (d *Daemon) Changes() <-chan struct{} { return d.sup.Changes() }

// StatusAddr is the bound status API address, or "" when the API is disabled.
func (d *Daemon) StatusAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

func (d *Daemon) samplerTarget() (string, int) {
	st := d.sup.Status()
	if st.Handle == nil {
		return st.Worker, 0
	}
	return st.Worker, st.Handle.PID
}

func (d *Daemon) closeLog() {
	if d.logCloser != nil {
		_ = d.logCloser.Close()
		d.logCloser = nil
	}
}
