package storage

import "errors"

// Common local storage errors
var (
	// ErrEntityNotFound indicates that sync entity was not found
	ErrEntityNotFound = errors.New("sync entity not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
