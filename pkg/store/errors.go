package store

import "errors"

var (
	// ErrNotFound is returned when a document or attachment does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrRevConflict is returned by Save when the document was modified by
	// another writer since it was loaded. The caller must reload and retry.
	ErrRevConflict = errors.New("document revision conflict")

	// ErrLeaseHeld is returned when a lease is already held by another owner
	// and has not expired.
	ErrLeaseHeld = errors.New("document lease held")
)
