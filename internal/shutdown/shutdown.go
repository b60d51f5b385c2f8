// Package shutdown runs the daemon's stop sequence exactly once: config watcher, health
// monitor, worker, then the remaining resources.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/bootvisor/internal/config"
)

// ErrShutdownTimeout is returned when the sequence outlives its bound.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// componentGrace bounds stopping a background loop (watcher, health monitor).
const componentGrace = 500 * time.Millisecond

// closerFloor is the minimum time a closer gets after the overall deadline has passed.
const closerFloor = 250 * time.Millisecond

// Stopper is a background loop stopped with a grace period.
type Stopper interface {
	Stop(grace time.Duration) error
}

// Worker is the supervisor side of the sequence.
type Worker interface {
	Shutdown(ctx context.Context) error
}

// Closer releases one resource after the worker is down.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type Options struct {
	Watcher Stopper
	Health  Stopper
	Worker  Worker
	Closers []Closer
	// Policy returns the policy in force when shutdown starts.
	Policy func() config.Snapshot
	Log    *slog.Logger
}

type Coordinator struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	closers []Closer

	once   sync.Once
	done   chan struct{}
	err    error
	reason string
}

func New(opts Options) *Coordinator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Policy == nil {
		opts.Policy = config.DefaultSnapshot
	}
	return &Coordinator{
		opts:    opts,
		log:     log.With("component", "shutdown"),
		closers: append([]Closer(nil), opts.Closers...),
		done:    make(chan struct{}),
	}
}

// AddCloser appends a closer; closers run in the order they were added.
func (c *Coordinator) AddCloser(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, Closer{Name: name, Close: fn})
}

// Bound is the maximum duration of the sequence under p.
func Bound(p config.Snapshot) time.Duration {
	return p.GracefulStopTimeout + p.KillMargin + time.Second
}

// Done is closed when the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Trigger starts the sequence, or joins the one already running, and returns its result.
func (c *Coordinator) Trigger(reason string) error {
	c.once.Do(func() {
		c.reason = reason
		go c.run(reason)
	})
	<-c.done
	return c.err
}

// Run blocks until SIGINT, SIGTERM, ctx cancellation or another Trigger, then returns
// the result of the sequence.
func (c *Coordinator) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		reason := "signal"
		if ctx.Err() != nil {
			reason = "context"
		}
		return c.Trigger(reason)
	case <-c.done:
		return c.err
	}
}

func (c *Coordinator) run(reason string) {
	defer close(c.done)
	policy := c.opts.Policy()
	bound := Bound(policy)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()
	c.log.Info("shutdown started", "reason", reason, "bound", bound)

	var errs []error
	if c.opts.Watcher != nil {
		if err := c.opts.Watcher.Stop(componentGrace); err != nil {
			c.log.Warn("stop config watcher", "error", err)
		}
	}
	if c.opts.Health != nil {
		if err := c.opts.Health.Stop(componentGrace); err != nil {
			c.log.Warn("stop health monitor", "error", err)
		}
	}
	if c.opts.Worker != nil {
		if err := c.opts.Worker.Shutdown(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: worker stop: %v", ErrShutdownTimeout, err)
			}
			c.log.Warn("worker stop degraded", "error", err)
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	closers := append([]Closer(nil), c.closers...)
	c.mu.Unlock()
	for _, cl := range closers {
		cctx := ctx
		if ctx.Err() != nil {
			var ccancel context.CancelFunc
			cctx, ccancel = context.WithTimeout(context.Background(), closerFloor)
			defer ccancel()
		}
		if err := cl.Close(cctx); err != nil {
			c.log.Warn("close "+cl.Name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", cl.Name, err))
		}
	}

	elapsed := time.Since(start)
	if elapsed > bound && !errors.Is(errors.Join(errs...), ErrShutdownTimeout) {
		errs = append(errs, fmt.Errorf("%w: took %s, bound %s", ErrShutdownTimeout, elapsed.Round(time.Millisecond), bound))
	}
	c.err = errors.Join(errs...)
	if c.err != nil {
		c.log.Warn("shutdown finished degraded", "elapsed", elapsed.Round(time.Millisecond), "error", c.err)
		return
	}
	c.log.Info("shutdown complete", "elapsed", elapsed.Round(time.Millisecond))
}
