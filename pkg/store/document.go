package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Meta carries the identity and bookkeeping fields shared by every persisted
// record. Entity types embed it and the store maps it onto indexed columns.
type Meta struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Rev       int64     `json:"-"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Meta) DocMeta() *Meta { return m }

// Record is any entity the store can persist. The JSON encoding of the whole
// record is the document body; Meta fields double as indexed columns.
type Record interface {
	DocMeta() *Meta
}

// StatusKeyer lets a record expose a status string for secondary-index scans
// (runs expose their lifecycle status, tasks their meta-transition).
type StatusKeyer interface {
	StatusKey() string
}

// HashKeyer lets a record expose a content hash for dedup lookups.
type HashKeyer interface {
	HashKey() string
}

func statusOf(rec Record) string {
	if sk, ok := rec.(StatusKeyer); ok {
		return sk.StatusKey()
	}
	return ""
}

func hashOf(rec Record) string {
	if hk, ok := rec.(HashKeyer); ok {
		return hk.HashKey()
	}
	return ""
}

// Create persists a new document at revision 1. The record must carry a
// fresh unique id and a kind.
func (s *Store) Create(ctx context.Context, rec Record) error {
	m := rec.DocMeta()
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("document id is required")
	}
	if strings.TrimSpace(m.Kind) == "" {
		return errors.New("document kind is required")
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Rev = 1

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents
		 (id, kind, rev, author, status, input_hash, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.Rev, m.Author, statusOf(rec), hashOf(rec),
		string(body), m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create document %s: %w", m.ID, err)
	}
	return nil
}

// Load reads the document with the given id into rec.
func (s *Store) Load(ctx context.Context, id string, rec Record) error {
	var (
		body      string
		rev       int64
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, body, created_at, updated_at FROM documents WHERE id = ?`, id).
		Scan(&rev, &body, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return fmt.Errorf("decode document %s: %w", id, err)
	}

	m := rec.DocMeta()
	m.Rev = rev
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return nil
}

// Save writes rec back, checking the revision it was loaded at. A concurrent
// writer wins the race; the loser gets ErrRevConflict and must reload.
func (s *Store) Save(ctx context.Context, rec Record) error {
	m := rec.DocMeta()
	m.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET rev = rev + 1, author = ?, status = ?, input_hash = ?, body = ?, updated_at = ?
		 WHERE id = ? AND rev = ?`,
		m.Author, statusOf(rec), hashOf(rec), string(body),
		m.UpdatedAt.Format(time.RFC3339Nano), m.ID, m.Rev)
	if err != nil {
		return fmt.Errorf("save document %s: %w", m.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save document %s: %w", m.ID, err)
	}
	if n == 0 {
		// Either the document vanished or someone else bumped the rev.
		var rev int64
		err := s.db.QueryRowContext(ctx, `SELECT rev FROM documents WHERE id = ?`, m.ID).Scan(&rev)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("save %s: %w", m.ID, ErrNotFound)
		}
		return fmt.Errorf("save %s at rev %d (current %d): %w", m.ID, m.Rev, rev, ErrRevConflict)
	}

	m.Rev++
	return nil
}

// IDsByKindStatus returns the ids of all documents of a kind in one status,
// in creation order.
func (s *Store) IDsByKindStatus(ctx context.Context, kind, status string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM documents WHERE kind = ? AND status = ? ORDER BY created_at, id`,
		kind, status)
}

// IDsByKindExcludingStatus returns the ids of all documents of a kind whose
// status is NOT one of the given values, in creation order. The scheduler
// uses it to enumerate in-flight runs and steppable tasks.
func (s *Store) IDsByKindExcludingStatus(ctx context.Context, kind string, statuses ...string) ([]string, error) {
	q := `SELECT id FROM documents WHERE kind = ?`
	args := []any{kind}
	if len(statuses) > 0 {
		q += ` AND status NOT IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	q += ` ORDER BY created_at, id`
	return s.idQuery(ctx, q, args...)
}

// IDsByAuthor returns the ids of all documents of a kind created by author.
func (s *Store) IDsByAuthor(ctx context.Context, kind, author string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM documents WHERE kind = ? AND author = ? ORDER BY created_at, id`,
		kind, author)
}

// IDsByKind returns all ids of a kind in creation order.
func (s *Store) IDsByKind(ctx context.Context, kind string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM documents WHERE kind = ? ORDER BY created_at, id`, kind)
}

// IDsByInputHash returns the ids of documents of a kind whose input-file
// hash matches. Used for content-addressed run dedup.
func (s *Store) IDsByInputHash(ctx context.Context, kind, hash string) ([]string, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, errors.New("input hash is required")
	}
	return s.idQuery(ctx,
		`SELECT id FROM documents WHERE kind = ? AND input_hash = ? ORDER BY created_at, id`,
		kind, hash)
}

func (s *Store) idQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
