package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease takes the advisory per-document lease used to keep two
// scheduler processes from stepping the same task concurrently. The lease is
// time-bounded: an expired lease can be taken over by any owner, so a
// crashed scheduler never wedges a task permanently.
//
// Returns ErrLeaseHeld when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if owner == "" {
		return errors.New("lease owner is required")
	}
	now := time.Now().UTC()
	expires := now.Add(ttl).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET lease_owner = ?, lease_expires = ?
		 WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)`,
		owner, expires, id, owner, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", id, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("acquire lease %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("acquire lease %s: %w", id, ErrLeaseHeld)
	}
	return nil
}

// ReleaseLease drops the lease if (and only if) owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET lease_owner = '', lease_expires = ''
		 WHERE id = ? AND lease_owner = ?`,
		id, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", id, err)
	}
	return nil
}
