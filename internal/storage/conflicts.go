package storage

import (
	"context"
	"time"

	"github.com/mangobiz/possync/internal/models"
)

//go:generate moq -out conflictstorage_mock.go . ConflictStorage

// ConflictStorage defines interface for the durable conflict audit log
type ConflictStorage interface {
	// AppendConflict appends one resolved conflict record.
	// Storage keeps a bounded history, oldest records are trimmed.
	AppendConflict(ctx context.Context, record *models.ConflictRecord) error

	// ListConflicts returns up to limit most recent records, newest first
	ListConflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error)

	// CountConflictsSince returns the number of records detected after t
	CountConflictsSince(ctx context.Context, t time.Time) (int, error)
}
