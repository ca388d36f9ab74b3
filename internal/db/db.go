// Package db provides the embedded SQLite store behind the offline cache.
//
// The database runs in embedded mode (ncruces/go-sqlite3, WASM build) with WAL
// enabled so the CLI can read status while a long-running process writes.
//
// Architecture:
//   - Database file: ~/.offsync/cache.db by default
//   - cache_entries: one row per (entity_type, id) with the serialized record
//     and a synced flag (1 = matches remote, 0 = local change pending)
//   - sync_queue: durable FIFO of writes waiting for the remote store
//   - maintenance_log: last eviction pass per entity type
//
// This package speaks rows and strings only. Typed records live one level up
// in the cache and queue packages.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection used by the cache and the sync queue.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created. Call InitSchema before use.
// The caller MUST call Close() when done to ensure the WAL is checkpointed.
//
// Example:
//
//	database, err := db.Open(filepath.Join(dataDir, "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// New wraps an existing connection. It is used with sqlmock in tests and by
// callers that manage their own *sql.DB.
func New(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path, or "" for wrapped connections.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != "" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		payload TEXT NOT NULL,   -- record JSON, table field names
		cached_at INTEGER NOT NULL, -- unix nanoseconds
		synced INTEGER NOT NULL DEFAULT 1,
		UNIQUE (entity_type, id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		kind TEXT NOT NULL,      -- create, update, delete
		record_id TEXT,
		payload TEXT,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS maintenance_log (
		entity_type TEXT PRIMARY KEY,
		ran_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_owner ON cache_entries(owner_id, entity_type);
	CREATE INDEX IF NOT EXISTS idx_cache_type_cached ON cache_entries(entity_type, cached_at);
	CREATE INDEX IF NOT EXISTS idx_queue_type ON sync_queue(entity_type, seq);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
