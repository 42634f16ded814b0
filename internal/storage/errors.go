package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a write collides with an existing record.
	ErrConflict = errors.New("storage: conflict")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrInvalid is returned when a record fails validation before a write.
	ErrInvalid = errors.New("storage: invalid record")
)
