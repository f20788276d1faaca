package storage

import (
	"context"

	"github.com/mangobiz/possync/internal/models"
)

//go:generate moq -out entitystorage_mock.go . EntityStorage

// EntityStorage defines interface for storing syncable entities locally
type EntityStorage interface {
	// SaveEntity stores or updates a sync entity
	SaveEntity(ctx context.Context, entity *models.SyncEntity) error

	// GetEntity retrieves a sync entity by ID.
	// Returns ErrEntityNotFound if entity doesn't exist.
	GetEntity(ctx context.Context, id string) (*models.SyncEntity, error)

	// GetAllEntities returns all stored entities
	GetAllEntities(ctx context.Context) ([]*models.SyncEntity, error)

	// GetPendingEntities returns entities not yet confirmed as synced.
	// Used to re-push local changes after reconnection.
	GetPendingEntities(ctx context.Context) ([]*models.SyncEntity, error)

	// DeleteEntity removes an entity from local storage
	DeleteEntity(ctx context.Context, id string) error
}
