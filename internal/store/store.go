// Package store provides durable SQLite-backed storage for agents, commands,
// and turns, plus the advisory_locks table used by the lock service.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added log_offset column default and fingerprint unique index
const currentSchemaVersion = 1

// DefaultMaxOpenConns bounds the connection pool. Every concurrently locked
// request uses two connections (one transactional, one dedicated to the
// advisory lock), so the pool must be sized to at least twice the expected
// concurrency or lock acquisition will deadlock on pool exhaustion rather
// than on the lock itself.
const DefaultMaxOpenConns = 16

// Store provides durable storage for the ingestion core.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path, applies
// migrations, and clears advisory locks orphaned by a previous process.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for write contention
//   - Foreign key enforcement
//
// busy_timeout and foreign_keys are per-connection settings, so they ride
// on the DSN: the pool opens more than one connection and a plain PRAGMA
// exec would configure only whichever connection happened to run it.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(4)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// Locks are session-scoped: rows surviving a restart belong to nobody.
	if _, err := db.Exec("DELETE FROM advisory_locks"); err != nil {
		db.Close()
		return nil, fmt.Errorf("clear stale advisory locks: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Conn reserves a dedicated connection from the pool. The lock service uses
// this so lock state survives commits on the caller's transactional
// connection. Callers must Close the connection when finished.
func (s *Store) Conn(ctx context.Context) (*sql.Conn, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store is not open")
	}
	return s.db.Conn(ctx)
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 backfills the fingerprint unique index for databases created
// before the index moved into schema.sql. CREATE UNIQUE INDEX IF NOT EXISTS
// is a no-op when the index already exists.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_fingerprint
		ON turns(command_id, fingerprint)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
