package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bootvisor/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, history.Table, Options{})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventSpawn, OccurredAt: time.Now().UTC(), Worker: "ch-worker", PID: 12345, Generation: 1, State: "running",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventCrash, OccurredAt: time.Now().UTC(), Worker: "ch-worker", PID: 12345, Generation: 1,
		State: "crashed", RestartCount: 1, ExitCode: 137, Error: "killed",
	}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+history.Table+" WHERE worker = ?", "ch-worker").Scan(&count))
	assert.Equal(t, uint64(2), count)

	// mutations are asynchronous; only the statement is checked
	_, err = sink.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, sink.Send(cancelCtx, history.Event{Type: history.EventStop, Worker: "ch-worker"}))
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a non-existent host")
	}
	_, err := New("invalid-host.invalid:9000", "test_table", Options{})
	require.Error(t, err)
}
