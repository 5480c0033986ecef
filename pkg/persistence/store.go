// Package persistence is the bot's sqlite store: published-post records for
// the daily quota, processed-event markers for deduplication and a small
// key/value table for plugin state.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sipeed/misskeybot/pkg/logger"
)

// Store is safe for concurrent use. Writes are serialized through mu; reads
// go straight to the pool and rely on WAL for isolation.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.InfoCF("persistence", "Store opened", map[string]interface{}{
		"db_path": path,
	})
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		visibility TEXT NOT NULL DEFAULT '',
		note_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at);

	CREATE TABLE IF NOT EXISTS processed_events (
		kind TEXT NOT NULL,
		event_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (kind, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_events(processed_at);

	CREATE TABLE IF NOT EXISTS plugin_data (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// exec runs one write statement under the writer lock.
func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &WriteError{Op: op, Err: err}
	}
	return res, nil
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
