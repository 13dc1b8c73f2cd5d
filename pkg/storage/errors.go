package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when no artifact is stored for a key.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidRecord is returned when a record lacks its driver id or content.
	ErrInvalidRecord = errors.New("invalid artifact record")
)
