package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Schema for the durable health record table.
const Schema = `
CREATE TABLE IF NOT EXISTS health_records (
	source_id            TEXT PRIMARY KEY,
	window_successes     REAL NOT NULL DEFAULT 0,
	window_failures      REAL NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	state                TEXT NOT NULL DEFAULT 'closed',
	last_success         INTEGER NOT NULL DEFAULT 0,
	last_failure         INTEGER NOT NULL DEFAULT 0,
	last_fingerprint     TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL
);
`

// SQLiteStore persists health records to an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore opens (or creates) the health database at path with
// production-safe pragmas and applies the schema. The caller must
// blank-import an SQLite driver (modernc.org/sqlite).
func OpenStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("health: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("health: open: %w", err)
	}
	return newStore(db)
}

// OpenMemory opens an in-memory store for testing. MaxOpenConns is pinned to
// 1 so every query hits the same in-memory database.
func OpenMemory(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("health: open memory: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := newStore(db)
	if err != nil {
		t.Fatalf("health: init memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStore(db *sql.DB) (*SQLiteStore, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("health: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("health: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads all persisted records.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, window_successes, window_failures,
		       consecutive_failures, state, last_success, last_failure,
		       last_fingerprint
		FROM health_records`)
	if err != nil {
		return nil, fmt.Errorf("health: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var id, state string
		var rec Record
		var lastSuccess, lastFailure int64
		if err := rows.Scan(&id, &rec.WindowSuccesses, &rec.WindowFailures,
			&rec.ConsecutiveFailures, &state, &lastSuccess, &lastFailure,
			&rec.LastFingerprint); err != nil {
			return nil, fmt.Errorf("health: scan: %w", err)
		}
		rec.State = ParseState(state)
		if lastSuccess > 0 {
			rec.LastSuccess = time.Unix(lastSuccess, 0)
		}
		if lastFailure > 0 {
			rec.LastFailure = time.Unix(lastFailure, 0)
		}
		out[id] = rec
	}
	return out, rows.Err()
}

// Save upserts one record.
func (s *SQLiteStore) Save(ctx context.Context, sourceID string, rec Record) error {
	var lastSuccess, lastFailure int64
	if !rec.LastSuccess.IsZero() {
		lastSuccess = rec.LastSuccess.Unix()
	}
	if !rec.LastFailure.IsZero() {
		lastFailure = rec.LastFailure.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_records (
			source_id, window_successes, window_failures,
			consecutive_failures, state, last_success, last_failure,
			last_fingerprint, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id) DO UPDATE SET
			window_successes = excluded.window_successes,
			window_failures = excluded.window_failures,
			consecutive_failures = excluded.consecutive_failures,
			state = excluded.state,
			last_success = excluded.last_success,
			last_failure = excluded.last_failure,
			last_fingerprint = excluded.last_fingerprint,
			updated_at = excluded.updated_at`,
		sourceID, rec.WindowSuccesses, rec.WindowFailures,
		rec.ConsecutiveFailures, rec.State.String(), lastSuccess, lastFailure,
		rec.LastFingerprint, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("health: save %s: %w", sourceID, err)
	}
	return nil
}
