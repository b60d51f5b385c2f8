package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bootvisor/internal/config"
)

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, s)
}

func (o *orderLog) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.steps...)
}

type fakeStopper struct {
	name string
	log  *orderLog
}

func (f *fakeStopper) Stop(time.Duration) error {
	f.log.add(f.name)
	return nil
}

type fakeWorker struct {
	log   *orderLog
	calls atomic.Int32
	block bool
	err   error
}

func (f *fakeWorker) Shutdown(ctx context.Context) error {
	f.calls.Add(1)
	f.log.add("worker")
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	time.Sleep(50 * time.Millisecond)
	return f.err
}

func fastPolicy() config.Snapshot {
	p := config.DefaultSnapshot()
	p.GracefulStopTimeout = 100 * time.Millisecond
	p.KillMargin = 100 * time.Millisecond
	return p
}

func newCoordinator(ol *orderLog, w *fakeWorker) *Coordinator {
	c := New(Options{
		Watcher: &fakeStopper{name: "watcher", log: ol},
		Health:  &fakeStopper{name: "health", log: ol},
		Worker:  w,
		Policy:  fastPolicy,
	})
	for _, name := range []string{"history", "server", "statusfile", "lock"} {
		name := name
		c.AddCloser(name, func(context.Context) error {
			ol.add(name)
			return nil
		})
	}
	return c
}

func TestCoordinator_Order(t *testing.T) {
	ol := &orderLog{}
	w := &fakeWorker{log: ol}
	c := newCoordinator(ol, w)
	require.NoError(t, c.Trigger("test"))
	assert.Equal(t, []string{"watcher", "health", "worker", "history", "server", "statusfile", "lock"}, ol.get())
}

func TestCoordinator_ConcurrentTriggersRunOnce(t *testing.T) {
	ol := &orderLog{}
	w := &fakeWorker{log: ol, err: errors.New("degraded")}
	c := newCoordinator(ol, w)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Trigger("signal")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), w.calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.Equal(t, errs[0].Error(), err.Error())
	}
	// a later trigger returns the same result without running again
	assert.Equal(t, errs[0].Error(), c.Trigger("again").Error())
	assert.Equal(t, int32(1), w.calls.Load())
	assert.Equal(t, "signal", c.reason)
}

func TestCoordinator_TimeoutIsBounded(t *testing.T) {
	ol := &orderLog{}
	w := &fakeWorker{log: ol, block: true}
	c := newCoordinator(ol, w)

	start := time.Now()
	err := c.Trigger("test")
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, elapsed, Bound(fastPolicy())+time.Second)
	// closers still ran
	assert.Contains(t, ol.get(), "lock")
}

func TestCoordinator_RunOnContextCancel(t *testing.T) {
	ol := &orderLog{}
	c := newCoordinator(ol, &fakeWorker{log: ol})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, "context", c.reason)
}

func TestCoordinator_RunReturnsAfterDirectTrigger(t *testing.T) {
	ol := &orderLog{}
	c := newCoordinator(ol, &fakeWorker{log: ol})
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	require.NoError(t, c.Trigger("api"))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
