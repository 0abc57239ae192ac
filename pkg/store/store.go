// Package store is the document-store adapter backing all persisted
// job/run/task records and their file attachments.
//
// It is deliberately thin: a SQLite database holding JSON document bodies
// plus a handful of indexed columns (kind, status, author, input hash) used
// as secondary views. Writes are guarded by a per-document revision counter
// checked-and-incremented on every Save (optimistic concurrency); a stale
// writer gets ErrRevConflict and must reload.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

type Config struct {
	// Path is a local filesystem path to the tracker database.
	// ":memory:" opens an in-process database (used by tests).
	Path string

	// Blobs overrides the attachment backend. When nil, attachments are
	// stored inline in the same SQLite database.
	Blobs Blobs
}

// Store is a handle to one tracker database.
type Store struct {
	db    *sql.DB
	blobs Blobs
}

// Open opens (and creates if needed) a tracker database and migrates its
// schema in-place.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY churn on file databases.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping document store: %w", err)
	}

	if err := configureLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if cfg.Blobs != nil {
		s.blobs = cfg.Blobs
	} else {
		s.blobs = &sqliteBlobs{db: db}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for schema-aware callers (tests, doctor
// commands). Regular callers should stay on the typed API.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewID returns a fresh document id.
func NewID() string {
	return uuid.New().String()
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("document store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}

func configureLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// WAL keeps a long-lived scheduler process from blocking CLI reads.
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
