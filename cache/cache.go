// Package cache persists the last good extraction per (query, source,
// locale) so a broken source can serve yesterday's results instead of
// nothing.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopscout/shopscout/extract"
)

// Schema for the result cache table.
const Schema = `
CREATE TABLE IF NOT EXISTS result_cache (
	query      TEXT NOT NULL,
	source_id  TEXT NOT NULL,
	locale     TEXT NOT NULL DEFAULT '',
	items      TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (query, source_id, locale)
);
`

// Store is an SQLite-backed result cache.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the cache database at path with production-safe
// pragmas and applies the schema. The caller must blank-import an SQLite
// driver (modernc.org/sqlite).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	return newStore(db)
}

// OpenMemory opens an in-memory cache for testing.
func OpenMemory(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("cache: open memory: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := newStore(db)
	if err != nil {
		t.Fatalf("cache: init memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newStore(db *sql.DB) (*Store, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the staleness clock (for testing).
func (s *Store) SetClock(fn func() time.Time) { s.now = fn }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached items for (query, sourceID, locale). stale reports
// whether the entry is older than ttl; found reports whether any entry
// exists at all. A corrupt entry reads as not found.
func (s *Store) Get(ctx context.Context, query, sourceID, locale string, ttl time.Duration) (items []extract.Candidate, stale, found bool, err error) {
	var blob string
	var fetchedAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT items, fetched_at FROM result_cache
		WHERE query = ? AND source_id = ? AND locale = ?`,
		query, sourceID, locale).Scan(&blob, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("cache: get %s/%s: %w", sourceID, query, err)
	}

	if err := json.Unmarshal([]byte(blob), &items); err != nil {
		return nil, false, false, nil
	}
	age := s.now().Sub(time.Unix(fetchedAt, 0))
	return items, age > ttl, true, nil
}

// Set upserts the items for (query, sourceID, locale).
func (s *Store) Set(ctx context.Context, query, sourceID, locale string, items []extract.Candidate) error {
	blob, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("cache: marshal %s/%s: %w", sourceID, query, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO result_cache (query, source_id, locale, items, fetched_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(query, source_id, locale) DO UPDATE SET
			items = excluded.items,
			fetched_at = excluded.fetched_at`,
		query, sourceID, locale, string(blob), s.now().Unix())
	if err != nil {
		return fmt.Errorf("cache: set %s/%s: %w", sourceID, query, err)
	}
	return nil
}

// Prune deletes entries older than maxAge. Intended for periodic upkeep.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE fetched_at < ?`,
		s.now().Add(-maxAge).Unix())
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}
	return res.RowsAffected()
}
