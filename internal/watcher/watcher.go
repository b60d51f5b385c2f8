package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/metrics"
)

// DefaultDebounce coalesces bursts of file events from a single editor save.
const DefaultDebounce = 100 * time.Millisecond

// Target receives transitions. Each call returns once the transition has been accepted.
type Target interface {
	EnabledTransition(ctx context.Context, snap config.Snapshot) error
	IntervalChanged(ctx context.Context, snap config.Snapshot) error
}

type Options struct {
	Source config.Source
	Target Target
	Log    *slog.Logger
	// WatchPath enables the fsnotify nudge for this file; empty polls only.
	WatchPath   string
	ErrorWindow time.Duration
	Debounce    time.Duration
}

// Watcher polls a config source, diffs consecutive snapshots and delivers transitions to
// its target. It exclusively owns the last-known-good snapshot.
type Watcher struct {
	src         config.Source
	target      Target
	log         *slog.Logger
	watchPath   string
	errorWindow time.Duration
	debounce    time.Duration

	mu        sync.Mutex
	last      config.Snapshot
	errSince  time.Time
	errCount  int
	escalated bool

	nudge  chan struct{}
	sctx   *stopper.Context
	cancel context.CancelFunc
}

func New(opts Options) *Watcher {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = config.DefaultConfigErrorWindow
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Watcher{
		src:         opts.Source,
		target:      opts.Target,
		log:         log.With("component", "watcher"),
		watchPath:   opts.WatchPath,
		errorWindow: opts.ErrorWindow,
		debounce:    opts.Debounce,
		last:        config.DefaultSnapshot(),
		nudge:       make(chan struct{}, 1),
	}
}

// Last returns the last-known-good snapshot (disabled defaults before the first read).
func (w *Watcher) Last() config.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Poll reads the source once. Failures are always *config.ReadError and leave the
// last-known-good snapshot untouched.
func (w *Watcher) Poll() (config.Snapshot, error) {
	snap, err := w.src.Read()
	if err != nil {
		var re *config.ReadError
		if !errors.As(err, &re) {
			err = &config.ReadError{Path: w.watchPath, Err: err}
		}
		return config.Snapshot{}, err
	}
	return snap, nil
}

// Step performs one poll and delivers the resulting change. EnabledTransition goes
// first, then IntervalChanged. The snapshot becomes last-known-good only after the
// target accepted it, so a rejected delivery is retried on the next poll.
func (w *Watcher) Step(ctx context.Context) error {
	snap, err := w.Poll()
	if err != nil {
		w.readFailed(err)
		return err
	}
	w.readRecovered()

	prev := w.Last()
	c := Diff(prev, snap)
	if c.EnabledChanged {
		w.log.Info("enabled flag changed", "enabled", c.Enabled)
		if err := w.target.EnabledTransition(ctx, snap); err != nil {
			w.log.Warn("enabled transition not delivered", "enabled", c.Enabled, "error", err)
			return err
		}
	}
	if c.IntervalChanged {
		w.log.Debug("policy changed", "poll_interval", snap.PollInterval)
		if err := w.target.IntervalChanged(ctx, snap); err != nil {
			w.log.Warn("policy change not delivered", "error", err)
			return err
		}
	}

	w.mu.Lock()
	w.last = snap
	w.mu.Unlock()
	return nil
}

func (w *Watcher) readFailed(err error) {
	metrics.IncConfigReadError()
	w.mu.Lock()
	now := time.Now()
	if w.errSince.IsZero() {
		w.errSince = now
	}
	w.errCount++
	since, count := w.errSince, w.errCount
	escalate := !w.escalated && now.Sub(since) >= w.errorWindow
	if escalate {
		w.escalated = true
	}
	w.mu.Unlock()

	w.log.Warn("config read failed, keeping last known good", "error", err, "failures", count)
	if escalate {
		w.log.Error("config unreadable for longer than the error window",
			"since", since, "window", w.errorWindow, "failures", count, "error", err)
	}
}

func (w *Watcher) readRecovered() {
	w.mu.Lock()
	since, count := w.errSince, w.errCount
	w.errSince = time.Time{}
	w.errCount = 0
	w.escalated = false
	w.mu.Unlock()
	if count > 0 {
		w.log.Info("config readable again", "failures", count, "after", time.Since(since).Round(time.Millisecond))
	}
}

// Start polls once immediately, then every PollInterval of the current snapshot.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.sctx = stopper.WithContext(ctx)
	if w.watchPath != "" {
		w.startNotify()
	}
	w.sctx.Go(func(sctx *stopper.Context) error {
		w.run(ctx, sctx)
		return nil
	})
}

// Stop ends polling; an in-flight delivery is cancelled.
func (w *Watcher) Stop(grace time.Duration) error {
	if w.sctx == nil {
		return nil
	}
	w.cancel()
	w.sctx.Stop(grace)
	return w.sctx.Wait()
}

func (w *Watcher) run(ctx context.Context, sctx *stopper.Context) {
	for !sctx.IsStopping() {
		_ = w.Step(ctx)

		t := time.NewTimer(w.Last().PollInterval)
		select {
		case <-sctx.Stopping():
			t.Stop()
			return
		case <-w.nudge:
			t.Stop()
			w.log.Debug("config file changed, polling early")
		case <-t.C:
		}
	}
}

func (w *Watcher) poke() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// startNotify watches the config file's directory so that editors replacing the file by
// rename are seen too. Failure leaves plain polling in place.
func (w *Watcher) startNotify() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("file watch unavailable, polling only", "error", err)
		return
	}
	path := filepath.Clean(w.watchPath)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		w.log.Warn("file watch unavailable, polling only", "path", path, "error", err)
		return
	}
	w.sctx.Defer(func() { _ = fw.Close() })

	w.sctx.Go(func(sctx *stopper.Context) error {
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.AfterFunc(w.debounce, w.poke)
				} else {
					debounce.Reset(w.debounce)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				w.log.Warn("file watch error", "error", err)
			}
		}
	})
}
