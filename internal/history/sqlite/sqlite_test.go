package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/bootvisor/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventSpawn, OccurredAt: time.Now(), Worker: "w", PID: 123, Generation: 1, State: "running",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventCrash, OccurredAt: time.Now(), Worker: "w", PID: 123, Generation: 1,
		State: "crashed", RestartCount: 1, ExitCode: 2, Error: "worker exited with code 2",
	}))

	n, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(ctx, history.EventCrash)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// reopening keeps the schema and data
	require.NoError(t, sink.Close())
	sink, err = New(dbPath)
	require.NoError(t, err)
	n, err = sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStop, Worker: "m"}))
	n, err := sink.Count(context.Background(), history.EventStop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sink.Send(ctx, history.Event{Type: history.EventSpawn, Worker: "c"}))
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}

func TestSQLiteSink_Prune(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now()
	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-25 * time.Hour), now.Add(-time.Minute)} {
		require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventSpawn, OccurredAt: at, Worker: "w"}))
	}

	n, err := sink.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	left, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}
