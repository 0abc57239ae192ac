package store

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the tracker schema in-place.
//
// Documents are append-mostly: jobs, runs, and tasks are never deleted, so
// the schema optimizes for status scans and hash lookups, not for vacuuming.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, ` + fmt.Sprint(SchemaVersion) + `)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			rev INTEGER NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			input_hash TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kind_status ON documents(kind, status);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kind_author ON documents(kind, author);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_kind_hash ON documents(kind, input_hash);`,

		`CREATE TABLE IF NOT EXISTS attachments (
			doc_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			sha256 TEXT NOT NULL,
			body BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(doc_id, name)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
