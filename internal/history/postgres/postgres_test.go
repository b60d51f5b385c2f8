package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bootvisor/internal/history"
)

// startPostgres runs a throwaway PostgreSQL and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs docker")
	}
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("bootvisor"),
		tcpostgres.WithUsername("bootvisor"),
		tcpostgres.WithPassword("bootvisor"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSink_Postgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	sink, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	now := time.Now()
	events := []history.Event{
		{Type: history.EventSpawn, OccurredAt: now, Worker: "api", PID: 4242, Generation: 1, State: "running"},
		{Type: history.EventFatal, OccurredAt: now, Worker: "api", Generation: 5, State: "crashed",
			RestartCount: 5, ExitCode: 1, Error: "restart ceiling exceeded"},
		{Type: history.EventStop, OccurredAt: now.Add(-72 * time.Hour), Worker: "api", State: "stopped"},
		{Type: history.EventSpawn, OccurredAt: now, Worker: "other", PID: 1, Generation: 1, State: "running"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	n, err := sink.Count(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var errText *string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT error FROM `+history.Table+` WHERE worker = $1 AND type = $2`, "api", "spawn").Scan(&errText))
	assert.Nil(t, errText, "empty error is stored as NULL")

	deleted, err := sink.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	n, err = sink.Count(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// schema creation is idempotent
	again, err := New(dsn)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New(" ")
	assert.ErrorContains(t, err, "empty DSN")
}
