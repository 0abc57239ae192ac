package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Blobs is the attachment backend. The default keeps attachment bytes inline
// in the tracker database; pkg/store/s3blob offloads them to object storage.
type Blobs interface {
	Put(ctx context.Context, docID, name, contentType string, body []byte) error
	Get(ctx context.Context, docID, name string) (body []byte, contentType string, err error)
	List(ctx context.Context, docID string) ([]string, error)
}

// PutAttachment stores a named file against a document.
func (s *Store) PutAttachment(ctx context.Context, docID, name, contentType string, body []byte) error {
	if docID == "" || name == "" {
		return errors.New("attachment doc id and name are required")
	}
	return s.blobs.Put(ctx, docID, name, contentType, body)
}

// GetAttachment returns a document's named file. ErrNotFound when missing.
func (s *Store) GetAttachment(ctx context.Context, docID, name string) ([]byte, string, error) {
	return s.blobs.Get(ctx, docID, name)
}

// ListAttachments returns the attachment names of a document, sorted.
func (s *Store) ListAttachments(ctx context.Context, docID string) ([]string, error) {
	return s.blobs.List(ctx, docID)
}

// HashBytes returns the content hash used for attachment identity and
// content-addressed run dedup.
func HashBytes(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type sqliteBlobs struct {
	db *sql.DB
}

func (b *sqliteBlobs) Put(ctx context.Context, docID, name, contentType string, body []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO attachments (doc_id, name, content_type, sha256, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id, name) DO UPDATE SET
		   content_type = excluded.content_type,
		   sha256 = excluded.sha256,
		   body = excluded.body`,
		docID, name, contentType, HashBytes(body), body,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put attachment %s/%s: %w", docID, name, err)
	}
	return nil
}

func (b *sqliteBlobs) Get(ctx context.Context, docID, name string) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT body, content_type FROM attachments WHERE doc_id = ? AND name = ?`,
		docID, name).Scan(&body, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("attachment %s/%s: %w", docID, name, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get attachment %s/%s: %w", docID, name, err)
	}
	return body, contentType, nil
}

func (b *sqliteBlobs) List(ctx context.Context, docID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name FROM attachments WHERE doc_id = ? ORDER BY name`, docID)
	if err != nil {
		return nil, fmt.Errorf("list attachments %s: %w", docID, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan attachment name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
