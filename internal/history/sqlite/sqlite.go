// Package sqlite implements history.Sink on an embedded SQLite file
// (modernc.org/sqlite driver, CGO-free). Use ":memory:" for tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vanilla/garden-daemon/internal/history"
)

type DB struct {
	db *sql.DB
}

// New opens (and creates if needed) the database at path and ensures
// the schema.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			app TEXT NOT NULL,
			realm TEXT NOT NULL,
			pid INTEGER NOT NULL,
			kind TEXT NULL,
			code INTEGER NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_app ON lifecycle_events(app);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_type ON lifecycle_events(type);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Record(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(type, app, realm, pid, kind, code, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.App, e.Realm, e.PID, e.Kind, e.Code, e.OccurredAt.UTC())
	return err
}

// Count returns how many events of type t exist for app. Used by
// tests and operational tooling.
func (s *DB) Count(ctx context.Context, app string, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lifecycle_events WHERE app = ? AND type = ?;`,
		app, string(t)).Scan(&n)
	return n, err
}

func (s *DB) Close() error { return s.db.Close() }
