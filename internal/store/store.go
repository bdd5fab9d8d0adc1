// Package store implements the durable local store: an embedded SQLite
// database holding entity snapshots, the sync queue, scalar metadata, and
// local-only saved filters.
//
// The store is the single source of truth. Every multi-row write happens
// inside one transaction so a crash either lands the whole write or none of
// it. The database runs in WAL mode with a busy timeout; a file lock on the
// data directory guards against a second process opening the same store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DBFileName is the SQLite file created inside the data directory.
const DBFileName = "taskdock.db"

// lockFileName guards the data directory against concurrent processes.
const lockFileName = "taskdock.lock"

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned by Open when another process holds the store.
var ErrLocked = errors.New("store is locked by another process")

// Store wraps the SQLite connection with the operations the sync core needs.
type Store struct {
	conn *sql.DB
	lock *flock.Flock
	path string
	log  zerolog.Logger
}

// Open creates or opens the store inside dir.
//
// The caller MUST call Close() when done so the WAL is checkpointed and the
// directory lock released.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !held {
		return nil, ErrLocked
	}

	path := filepath.Join(dir, DBFileName)
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		lock: lock,
		path: path,
		log:  logger.With().Str("component", "store").Logger(),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL, closes the connection, and releases the lock.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
	err := s.conn.Close()
	s.conn = nil
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// schemaVersion is recorded in the meta table so future releases can migrate.
const schemaVersion = "1"

// initSchema creates the tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		section_id TEXT NOT NULL DEFAULT '',
		due_at TEXT,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Local-only saved filters. Never queued or reconciled.
	CREATE TABLE IF NOT EXISTS filters (
		name TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_sync ON entities(type, sync_status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMeta returns the value for key, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a scalar value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
