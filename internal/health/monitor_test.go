package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakeProbe) Kind() string     { return "fake" }
func (f *fakeProbe) Describe() string { return "fake" }
func (f *fakeProbe) Check(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return &ProbeError{Probe: "fake", Err: errors.New("down")}
	}
	return nil
}

type reports struct {
	mu   sync.Mutex
	gens []uint64
}

func (r *reports) record(gen uint64, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens = append(r.gens, gen)
}

func (r *reports) get() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.gens...)
}

func fastSnapshot(threshold int) config.Snapshot {
	s := config.DefaultSnapshot()
	s.HealthCheckInterval = 10 * time.Millisecond
	s.HealthProbeTimeout = 50 * time.Millisecond
	s.HealthFailureThreshold = threshold
	return s
}

func startMonitor(t *testing.T, p Probe, threshold int) (*Monitor, *reports) {
	t.Helper()
	m := NewMonitor(p, "w", nil)
	m.Configure(fastSnapshot(threshold))
	r := &reports{}
	m.Start(context.Background(), r.record)
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	return m, r
}

func TestMonitor_ReportsOnceAtThresholdThenSuspends(t *testing.T) {
	p := &fakeProbe{}
	p.fail.Store(true)
	m, r := startMonitor(t, p, 3)
	m.Arm(7)

	require.Eventually(t, func() bool { return len(r.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{7}, r.get())
	assert.False(t, m.Armed())

	calls := p.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, p.calls.Load(), "suspended monitor must not probe")
	assert.Len(t, r.get(), 1)

	// re-arming for a new run starts a fresh count
	m.Arm(8)
	require.Eventually(t, func() bool { return len(r.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{7, 8}, r.get())
}

func TestMonitor_SuccessResetsFailures(t *testing.T) {
	p := &fakeProbe{}
	m, r := startMonitor(t, p, 2)
	m.Arm(1)
	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, r.get())
	assert.True(t, m.Armed())
}

func TestMonitor_NotArmedDoesNotProbe(t *testing.T) {
	p := &fakeProbe{}
	p.fail.Store(true)
	m, r := startMonitor(t, p, 1)
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, p.calls.Load())
	assert.Empty(t, r.get())

	m.Arm(3)
	m.Suspend()
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, r.get())
}

func TestMonitor_NilProbe(t *testing.T) {
	m := NewMonitor(nil, "w", nil)
	assert.False(t, m.Enabled())
	m.Start(context.Background(), func(uint64, error) { t.Fatal("must not report") })
	m.Arm(1)
	assert.False(t, m.Armed())
	require.NoError(t, m.Stop(time.Second))
}
