// Package store is the SQLite persistence layer for the image catalog.
//
// It owns the images and users tables, the transactions that bind image rows
// to their pipeline jobs, and the vector search over stored embeddings. The
// job table itself belongs to package serviceq; store creates it during Open
// so a single Open call yields a fully migrated database.
//
// The database is opened with the production-safe pragmas applied via EXEC:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/imago/serviceq"
)

// ErrNotFound is returned when an operation targets an image that does not
// exist (or no longer exists).
var ErrNotFound = errors.New("store: image not found")

// Store wraps the SQLite database holding images, users, and the service
// queue.
type Store struct {
	db     *sql.DB
	q      *serviceq.Q
	logger *slog.Logger
}

// Option customises Open behaviour.
type Option func(*options)

type options struct {
	logger *slog.Logger
	qopts  serviceq.Options
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithQueueOptions sets the serviceq options (max attempts per job).
func WithQueueOptions(qo serviceq.Options) Option { return func(o *options) { o.qopts = qo } }

// Open opens (or creates) the database at path, applies pragmas, and runs
// migrations for all tables. Parent directories are created as needed.
func Open(path string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, q: serviceq.New(db, o.qopts), logger: o.logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory database for testing. MaxOpenConns(1)
// ensures all queries hit the same in-memory database (each connection to
// ":memory:" creates a separate one). Closed automatically via t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT 'read',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS images (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL,
    thumb       TEXT,
    tags        TEXT NOT NULL DEFAULT '[]',
    embedding   BLOB,
    uploaded_by TEXT REFERENCES users(id) ON DELETE SET NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_images_uploaded_by ON images(uploaded_by);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return err
	}
	// serviceq owns its own schema; its image_id FK cascades on image delete.
	return serviceq.EnsureTable(context.Background(), s.db)
}

// DB returns the underlying handle for sharing with other layers.
func (s *Store) DB() *sql.DB { return s.db }

// Queue returns the serviceq handle bound to this database.
func (s *Store) Queue() *serviceq.Q { return s.q }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
