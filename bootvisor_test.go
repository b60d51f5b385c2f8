package bootvisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitState(t *testing.T, s *Supervisor, want State) *Status {
	t.Helper()
	var st *Status
	require.Eventually(t, func() bool {
		st = s.Status()
		return st.State == want
	}, 3*time.Second, 10*time.Millisecond, "want state %s", want)
	return st
}

func TestSupervisorFacade(t *testing.T) {
	requireUnix(t)
	p := DefaultPolicy()
	p.GracefulStopTimeout = time.Second
	p.KillMargin = 500 * time.Millisecond

	s := NewSupervisor(Spec{Name: "facade", Command: "sleep 30"}, nil, p, quiet())
	ctx := context.Background()
	s.Start(ctx)

	require.NoError(t, s.SetEnabled(ctx, true, p))
	st := waitState(t, s, StateRunning)
	require.NotNil(t, st.Handle)
	assert.Positive(t, st.Handle.PID)

	rec := httptest.NewRecorder()
	s.Handler("", false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	p.MaxRestartAttempts = 9
	require.NoError(t, s.SetPolicy(ctx, p))
	assert.Equal(t, 9, s.Status().MaxRestartAttempts)

	require.NoError(t, s.SetEnabled(ctx, false, p))
	waitState(t, s, StateStopped)

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(sctx))
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootvisor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
enabled = true
poll_interval_seconds = 2
max_restart_attempts = "unlimited"

[worker]
name = "api"
command = "sleep 10"

[daemon]
lock_file = "`+filepath.ToSlash(filepath.Join(dir, "b.lock"))+`"
`), 0o644))

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "api", fc.Worker.Name)

	pol, err := ReadPolicy(path)
	require.NoError(t, err)
	assert.True(t, pol.Enabled)
	assert.Equal(t, 2*time.Second, pol.PollInterval)
	assert.True(t, pol.Unlimited())

	d, err := NewDaemon(path, quiet())
	require.NoError(t, err)
	assert.Empty(t, d.StatusAddr())
	assert.Equal(t, StateStopped, d.Status().State)
	require.NoError(t, d.Shutdown("test"))
}

func TestHistoryAndMetricsHelpers(t *testing.T) {
	sink, err := NewHistorySinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), HistoryEvent{Type: "spawn", Worker: "w", OccurredAt: time.Now()}))
	if c, ok := sink.(io.Closer); ok {
		require.NoError(t, c.Close())
	}

	_, err = NewHistorySinkFromDSN("")
	assert.Error(t, err)

	assert.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
	assert.NoError(t, RegisterMetricsDefault())
}
