package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/robfig/cron/v3"
)

// DefaultQueueSize bounds the number of events waiting to be exported.
const DefaultQueueSize = 256

// NamedSink pairs a sink with a label used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// Recorder fans events out to sinks on its own goroutine. Record never blocks: when the
// queue is full the event is dropped and counted.
type Recorder struct {
	sinks   []NamedSink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	closed    bool
	cron      *cron.Cron
	closeOnce sync.Once
	done      chan struct{}
}

func NewRecorder(sinks []NamedSink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan Event, DefaultQueueSize),
		timeout: 5 * time.Second,
		log:     log.With("component", "history"),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e for export.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		metrics.IncHistoryDropped("queue")
		r.log.Warn("history queue full, dropping event", "type", e.Type, "worker", e.Worker)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Sink.Send(ctx, e); err != nil {
				metrics.IncHistoryDropped(s.Name)
				r.log.Warn("history sink send failed", "sink", s.Name, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue until ctx is done and closes sinks that
// implement io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		c := r.cron
		r.mu.Unlock()
		if c != nil {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("drain history queue: %w", ctx.Err()))
		}
		for _, s := range r.sinks {
			if c, ok := s.Sink.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name, err))
				}
			}
		}
	})
	return errors.Join(errs...)
}
