package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bootvisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var gotPath, gotMethod, gotType, gotOpType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		gotOpType = r.URL.Query().Get("op_type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "worker-history")
	ev := history.Event{
		Type: history.EventCrash, OccurredAt: time.Unix(1700000000, 5).UTC(), Worker: "os-worker", PID: 7,
		Generation: 3, State: "crashed", RestartCount: 2, ExitCode: 1, Error: "boom",
	}
	require.NoError(t, sink.Send(context.Background(), ev))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/worker-history/_doc/os-worker-3-crash-1700000000000000005", gotPath)
	assert.Equal(t, "create", gotOpType)
	assert.Equal(t, "application/json", gotType)

	var decoded history.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, ev.Worker, decoded.Worker)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.Generation, decoded.Generation)
	assert.Equal(t, "boom", decoded.Error)
}

func TestOpenSearchSink_ConflictIsDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()
	assert.NoError(t, New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop}))
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer server.Close()
	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestOpenSearchSink_BasicAuth(t *testing.T) {
	var user, pass string
	var ok bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	withCreds := strings.Replace(server.URL, "http://", "http://admin:s3cret@", 1)
	sink := New(withCreds, "idx")
	assert.NotContains(t, sink.baseURL, "s3cret")
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventSpawn, Worker: "w"}))
	assert.True(t, ok)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cret", pass)
}
