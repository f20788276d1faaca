package storage

import (
	"context"

	"github.com/mangobiz/possync/internal/models"
)

//go:generate moq -out queuestorage_mock.go . QueueStorage

// QueueStorage defines interface for persisting the offline sync queue
type QueueStorage interface {
	// SaveOperations persists the full queue snapshot.
	// Called after every queue mutation.
	SaveOperations(ctx context.Context, ops []models.QueuedOperation) error

	// LoadOperations restores the persisted queue.
	// Corrupt or missing data degrades to an empty queue, never an error.
	LoadOperations(ctx context.Context) ([]models.QueuedOperation, error)
}
