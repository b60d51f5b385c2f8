package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once a day at midnight.
const DefaultPruneSchedule = "@daily"

// Pruner is implemented by sinks that can delete old events.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RetentionConfig is the [daemon.history_retention] section. A zero MaxAge keeps events
// forever.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Schedule string        `mapstructure:"schedule"` // cron spec or descriptor, e.g. "0 3 * * *"
}

func (c RetentionConfig) Enabled() bool { return c.MaxAge > 0 }

func (c RetentionConfig) schedule() string {
	if c.Schedule == "" {
		return DefaultPruneSchedule
	}
	return c.Schedule
}

// Validate checks MaxAge and parses Schedule.
func (c RetentionConfig) Validate() error {
	if c.MaxAge < 0 {
		return errors.New("daemon.history_retention.max_age must be >= 0")
	}
	if !c.Enabled() {
		return nil
	}
	if _, err := cron.ParseStandard(c.schedule()); err != nil {
		return fmt.Errorf("daemon.history_retention.schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// StartRetention prunes events older than cfg.MaxAge from every Pruner sink on
// cfg.Schedule until Close. Runs never overlap.
func (r *Recorder) StartRetention(cfg RetentionConfig) error {
	if !cfg.Enabled() || !r.hasPruner() {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.schedule(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = r.Prune(ctx, cfg.MaxAge)
	}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.cron = c
	c.Start()
	r.log.Info("history retention scheduled", "max_age", cfg.MaxAge, "schedule", cfg.schedule())
	return nil
}

// Prune deletes events older than maxAge from every sink that supports it and returns
// the number of deleted rows.
func (r *Recorder) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	before := time.Now().Add(-maxAge).UTC()
	var total int64
	var errs []error
	for _, s := range r.sinks {
		p, ok := s.Sink.(Pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx, before)
		if err != nil {
			r.log.Warn("history prune failed", "sink", s.Name, "error", err)
			errs = append(errs, fmt.Errorf("prune %s: %w", s.Name, err))
			continue
		}
		total += n
		if n > 0 {
			r.log.Info("history pruned", "sink", s.Name, "deleted", n, "before", before)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Recorder) hasPruner() bool {
	for _, s := range r.sinks {
		if _, ok := s.Sink.(Pruner); ok {
			return true
		}
	}
	return false
}
