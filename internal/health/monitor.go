package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/metrics"
	"vawter.tech/stopper"
)

// ReportFunc delivers an unhealthy verdict for the worker run identified by gen.
type ReportFunc func(gen uint64, err error)

// Monitor probes the worker while armed. After Threshold consecutive failures it reports
// once and suspends itself until the next Arm.
type Monitor struct {
	probe  Probe
	worker string
	log    *slog.Logger

	mu        sync.Mutex
	interval  time.Duration
	timeout   time.Duration
	threshold int
	armed     bool
	gen       uint64
	failures  int

	wake   chan struct{}
	sctx   *stopper.Context
	cancel context.CancelFunc
}

// NewMonitor returns a suspended monitor. A nil probe yields a monitor that never probes.
func NewMonitor(probe Probe, worker string, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	d := config.DefaultSnapshot()
	return &Monitor{
		probe:     probe,
		worker:    worker,
		log:       log.With("component", "health"),
		interval:  d.HealthCheckInterval,
		timeout:   d.HealthProbeTimeout,
		threshold: d.HealthFailureThreshold,
		wake:      make(chan struct{}, 1),
	}
}

// Enabled reports whether a probe is configured.
func (m *Monitor) Enabled() bool { return m.probe != nil }

// Configure applies policy from a snapshot. The new interval is used from the next tick.
func (m *Monitor) Configure(s config.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = s.HealthCheckInterval
	m.timeout = s.HealthProbeTimeout
	m.threshold = s.HealthFailureThreshold
}

// Arm starts probing run gen with a fresh failure count. The first probe happens one
// interval after Arm.
func (m *Monitor) Arm(gen uint64) {
	if m.probe == nil {
		return
	}
	m.mu.Lock()
	m.armed = true
	m.gen = gen
	m.failures = 0
	m.mu.Unlock()
	m.poke()
}

// Suspend stops probing; in-flight results are discarded.
func (m *Monitor) Suspend() {
	m.mu.Lock()
	m.armed = false
	m.failures = 0
	m.mu.Unlock()
}

// Armed reports whether the monitor currently probes.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start launches the probe loop. report is called from the loop goroutine.
func (m *Monitor) Start(ctx context.Context, report ReportFunc) {
	if m.probe == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.sctx = stopper.WithContext(ctx)
	m.sctx.Go(func(sctx *stopper.Context) error {
		m.run(ctx, sctx, report)
		return nil
	})
}

// Stop ends the probe loop, cancelling an in-flight probe, and waits for it.
func (m *Monitor) Stop(grace time.Duration) error {
	if m.sctx == nil {
		return nil
	}
	m.Suspend()
	m.cancel()
	m.sctx.Stop(grace)
	return m.sctx.Wait()
}

func (m *Monitor) run(ctx context.Context, sctx *stopper.Context, report ReportFunc) {
	for !sctx.IsStopping() {
		m.mu.Lock()
		d := m.interval
		m.mu.Unlock()
		t := time.NewTimer(d)
		select {
		case <-sctx.Stopping():
			t.Stop()
			return
		case <-m.wake:
			// re-armed: restart the interval
			t.Stop()
			continue
		case <-t.C:
		}
		m.tick(ctx, report)
	}
}

func (m *Monitor) tick(ctx context.Context, report ReportFunc) {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	gen, timeout := m.gen, m.timeout
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := m.probe.Check(pctx)
	cancel()

	m.mu.Lock()
	if !m.armed || m.gen != gen || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if err == nil {
		if m.failures > 0 {
			m.log.Info("health probe recovered", "worker", m.worker, "probe", m.probe.Describe(), "after_failures", m.failures)
		}
		m.failures = 0
		m.mu.Unlock()
		return
	}
	m.failures++
	failures, threshold := m.failures, m.threshold
	fire := failures >= threshold
	if fire {
		m.armed = false
		m.failures = 0
	}
	m.mu.Unlock()

	metrics.IncProbeFailure(m.worker, m.probe.Kind())
	m.log.Warn("health probe failed", "worker", m.worker, "probe", m.probe.Describe(),
		"failures", failures, "threshold", threshold, "error", err)
	if fire {
		m.log.Error("worker unhealthy", "worker", m.worker, "generation", gen, "error", err)
		report(gen, err)
	}
}
