// Package sqlite stores lifecycle events in a local SQLite file (pure Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/bootvisor/internal/history"
)

const schema = `CREATE TABLE IF NOT EXISTS ` + history.Table + ` (
	timestamp     TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
	worker        TEXT NOT NULL,
	type          TEXT NOT NULL,
	pid           INTEGER NOT NULL,
	generation    INTEGER NOT NULL,
	state         TEXT NOT NULL,
	restart_count INTEGER NOT NULL,
	exit_code     INTEGER NOT NULL,
	error         TEXT
)`

var insertStmt = history.InsertSQL(func(int) string { return "?" })

type Sink struct {
	db *sql.DB
}

// New opens the database named by dsn: "sqlite:///var/lib/bootvisor/history.db",
// "sqlite://:memory:", or the same without the scheme.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("sqlite history: empty DSN")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: %w", err)
	}
	// one connection, or every :memory: connection would see its own database
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite history schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, insertStmt, e.Row()...)
	return err
}

// Count returns the number of stored events of type t, or of all types when t is empty.
func (s *Sink) Count(ctx context.Context, t history.EventType) (n int, err error) {
	if t == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+history.Table).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+history.Table+` WHERE type = ?`, string(t)).Scan(&n)
	}
	return n, err
}

// Prune deletes events recorded before the given time.
func (s *Sink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+history.Table+` WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Sink) Close() error { return s.db.Close() }
