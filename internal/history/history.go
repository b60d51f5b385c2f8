package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn       EventType = "spawn"
	EventSpawnFailed EventType = "spawn_failed"
	EventCrash       EventType = "crash"
	EventRestart     EventType = "restart"
	EventFatal       EventType = "fatal"
	EventStop        EventType = "stop"
	EventShutdown    EventType = "shutdown"
)

// Event is one worker lifecycle event exported to external systems.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Worker       string    `json:"worker"`
	PID          int       `json:"pid"`
	Generation   uint64    `json:"generation"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code"`
	Error        string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the event table of the SQL sinks.
const Table = "worker_history"

// sqlColumns is the column order of InsertSQL and Event.Row.
var sqlColumns = []string{"timestamp", "worker", "type", "pid", "generation", "state", "restart_count", "exit_code", "error"}

// InsertSQL is the INSERT statement for Table; placeholder renders the i-th (1-based)
// bind parameter in the driver's syntax.
func InsertSQL(placeholder func(i int) string) string {
	params := make([]string, len(sqlColumns))
	for i := range params {
		params[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)", Table, strings.Join(sqlColumns, ", "), strings.Join(params, ", "))
}

// Row returns the values of e in InsertSQL order. An empty Error is stored as NULL.
func (e Event) Row() []any {
	return []any{
		e.OccurredAt.UTC(), e.Worker, string(e.Type), e.PID, int64(e.Generation),
		e.State, e.RestartCount, e.ExitCode, sql.NullString{String: e.Error, Valid: e.Error != ""},
	}
}
