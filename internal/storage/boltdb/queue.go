package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"

	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
)

// queueKey - фиксированный ключ, под которым очередь хранится как JSON-массив
var queueKey = []byte("operations")

// SaveOperations persists the full queue snapshot under a fixed key
func (s *Storage) SaveOperations(ctx context.Context, ops []models.QueuedOperation) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	if ops == nil {
		ops = []models.QueuedOperation{}
	}

	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketQueue)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		if err := bucket.Put(queueKey, data); err != nil {
			return fmt.Errorf("failed to save queue: %w", err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// LoadOperations restores the persisted queue.
// Отсутствующие или поврежденные данные деградируют до пустой очереди -
// восстановление очереди никогда не роняет процесс.
func (s *Storage) LoadOperations(ctx context.Context) ([]models.QueuedOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var raw []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueue)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(queueKey)
		if data == nil {
			return nil
		}

		raw = make([]byte, len(data))
		copy(raw, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	if raw == nil {
		return []models.QueuedOperation{}, nil
	}

	var ops []models.QueuedOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		slog.Warn("corrupt offline queue data, starting with empty queue", "error", err)
		return []models.QueuedOperation{}, nil
	}

	return ops, nil
}
