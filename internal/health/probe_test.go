package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestNewProbe(t *testing.T) {
	p, err := NewProbe(config.HealthConfig{})
	require.NoError(t, err)
	assert.Nil(t, p)

	for typ, kind := range map[string]string{"http": "http", "TCP": "tcp", "command": "command", "pidfile": "pidfile"} {
		p, err := NewProbe(config.HealthConfig{Type: typ})
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
	}
	_, err = NewProbe(config.HealthConfig{Type: "smoke-signal"})
	require.Error(t, err)
}

func TestHTTPProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := &HTTPProbe{URL: srv.URL}
	require.NoError(t, p.Check(context.Background()))

	status = http.StatusServiceUnavailable
	err := p.Check(context.Background())
	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "503")

	status = http.StatusNoContent
	p.ExpectStatus = http.StatusOK
	require.Error(t, p.Check(context.Background()))
}

func TestHTTPProbe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.Error(t, (&HTTPProbe{URL: srv.URL}).Check(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	p := &TCPProbe{Address: addr}
	require.NoError(t, p.Check(context.Background()))
	require.NoError(t, ln.Close())
	require.Error(t, p.Check(context.Background()))
}

func TestCommandProbe(t *testing.T) {
	requireUnix(t)
	require.NoError(t, (&CommandProbe{Command: "true"}).Check(context.Background()))

	err := (&CommandProbe{Command: "sh -c 'exit 3'"}).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")

	require.Error(t, (&CommandProbe{Command: "__definitely_not_exists__"}).Check(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = (&CommandProbe{Command: "sleep 5"}).Check(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPIDFileProbe(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "w.pid")
	p := &PIDFileProbe{Path: path}

	require.Error(t, p.Check(context.Background()), "missing file")

	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	require.Error(t, p.Check(context.Background()), "garbage")

	self := os.Getpid()
	require.NoError(t, process.WritePIDFile(path, self, process.StartTimeUnix(self)))
	require.NoError(t, p.Check(context.Background()))

	// an exited child's pid is not alive
	w := process.New(process.Spec{Name: "gone", Command: "true"})
	require.NoError(t, w.Start(nil))
	_ = w.Wait()
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(w.PID())+"\n"), 0o644))
	err := p.Check(context.Background())
	if err != nil {
		assert.True(t, errors.Is(err, ErrStalePID))
	}
}
