package docstore

import "errors"

var (
	// ErrDuplicateKey is returned by Insert when the primary key already
	// exists. The existing document is left untouched.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned when a document violates the store
	// contract (missing key, unsanitizable value).
	ErrConstraint = errors.New("constraint violation")

	// ErrTransport wraps I/O failures from the underlying database.
	// Callers may retry these; semantic errors above are never retried.
	ErrTransport = errors.New("transport error")
)
