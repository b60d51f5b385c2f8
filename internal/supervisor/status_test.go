package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusReport_Codes(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		st     Status
		code   Code
		http   int
		exit   int
		uptime bool
	}{
		{"never started", Status{State: StateStopped}, CodeNeverStarted, http.StatusOK, 3, false},
		{"running", Status{State: StateRunning, EverStarted: true,
			Handle: &Handle{PID: 42, StartedAt: now.Add(-10 * time.Second)}}, CodeOK, http.StatusOK, 0, true},
		{"stopped after run", Status{State: StateStopped, EverStarted: true}, CodeOK, http.StatusOK, 0, false},
		{"transient crash", Status{State: StateRestarting, EverStarted: true, RestartCount: 2}, CodeOK, http.StatusOK, 0, false},
		{"terminal", Status{State: StateCrashed, EverStarted: true, FatalReason: "restart ceiling exceeded"}, CodeFatal, http.StatusServiceUnavailable, 4, false},
		{"terminal spawn failure", Status{State: StateCrashed, FatalReason: "restart ceiling exceeded"}, CodeFatal, http.StatusServiceUnavailable, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.st.Report(now)
			assert.Equal(t, tt.code, r.Code)
			assert.Equal(t, tt.http, r.Code.HTTPStatus())
			assert.Equal(t, tt.exit, r.Code.ExitCode())
			if tt.uptime {
				assert.InDelta(t, 10.0, r.UptimeSeconds, 0.01)
				assert.Equal(t, 42, r.PID)
			} else {
				assert.Zero(t, r.UptimeSeconds)
			}
		})
	}
}

func TestReport_JSON(t *testing.T) {
	st := Status{Worker: "w", State: StateCrashed, EverStarted: true, RestartCount: 5, MaxRestartAttempts: 5,
		LastError: "boom", FatalReason: "restart ceiling exceeded: 5"}
	b, err := json.Marshal(st.Report(time.Now()))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "fatal", m["code"])
	assert.Equal(t, "crashed", m["state"])
	assert.Equal(t, "boom", m["last_error"])
	assert.EqualValues(t, 5, m["restart_count"])
	_, hasPID := m["pid"]
	assert.False(t, hasPID)

	b, err = json.Marshal(&st)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"crashed"`)
}

func TestState_StringRoundTrip(t *testing.T) {
	for _, s := range allStates {
		got, ok := ParseState(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseState("bogus")
	assert.False(t, ok)
	assert.Equal(t, "unknown", State(99).String())
}

func TestErrors_Wrap(t *testing.T) {
	cause := errors.New("permission denied")
	var se error = &SpawnError{Command: "/bin/w", Err: cause}
	assert.ErrorIs(t, se, cause)
	assert.Equal(t, "spawn", crashReason(se))

	xe := &ExitError{Code: 0, Uptime: 1500 * time.Millisecond}
	assert.Contains(t, xe.Error(), "code 0")
	assert.Equal(t, "exit", crashReason(fmt.Errorf("wrapped: %w", xe)))
	assert.Equal(t, "health", crashReason(errors.New("probe")))

	fatal := fmt.Errorf("%w: 3 consecutive failures", ErrRestartCeiling)
	assert.ErrorIs(t, fatal, ErrRestartCeiling)
}
