package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
)

// SaveEntity stores or updates a sync entity in BoltDB
func (s *Storage) SaveEntity(ctx context.Context, entity *models.SyncEntity) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketEntities)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		if err := bucket.Put([]byte(entity.ID), data); err != nil {
			return fmt.Errorf("failed to save entity: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// GetEntity retrieves a sync entity by ID
func (s *Storage) GetEntity(ctx context.Context, id string) (*models.SyncEntity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entity *models.SyncEntity

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return storage.ErrEntityNotFound
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return storage.ErrEntityNotFound
		}

		entity = &models.SyncEntity{}
		if err := json.Unmarshal(data, entity); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// GetAllEntities returns all stored entities
func (s *Storage) GetAllEntities(ctx context.Context) ([]*models.SyncEntity, error) {
	return s.listEntities(func(e *models.SyncEntity) bool { return true })
}

// GetPendingEntities returns entities not yet confirmed as synced
func (s *Storage) GetPendingEntities(ctx context.Context) ([]*models.SyncEntity, error) {
	return s.listEntities(func(e *models.SyncEntity) bool {
		return e.SyncStatus != models.SyncStatusSynced
	})
}

// DeleteEntity removes an entity from local storage
func (s *Storage) DeleteEntity(ctx context.Context, id string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// listEntities возвращает сущности, прошедшие фильтр
func (s *Storage) listEntities(keep func(*models.SyncEntity) bool) ([]*models.SyncEntity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var entities []*models.SyncEntity

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntities)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			entity := &models.SyncEntity{}
			if err := json.Unmarshal(v, entity); err != nil {
				return fmt.Errorf("failed to unmarshal entity %s: %w", k, err)
			}
			if keep(entity) {
				entities = append(entities, entity)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entities, nil
}
