package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
)

// maxConflictRecords - предел хранимой истории конфликтов.
// При превышении самые старые записи удаляются.
const maxConflictRecords = 500

// AppendConflict appends one resolved conflict record
func (s *Storage) AppendConflict(ctx context.Context, record *models.ConflictRecord) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketConflicts)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get sequence: %w", err)
		}

		// Ключи - big endian sequence, курсор обходит их по возрастанию
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to save conflict record: %w", err)
		}

		return trimOldest(bucket, maxConflictRecords)
	})

	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	return nil
}

// ListConflicts returns up to limit most recent records, newest first
func (s *Storage) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var records []*models.ConflictRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}

			record := &models.ConflictRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal conflict record: %w", err)
			}
			records = append(records, record)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// CountConflictsSince returns the number of records detected after t
func (s *Storage) CountConflictsSince(ctx context.Context, t time.Time) (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	count := 0

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConflicts)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			record := &models.ConflictRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal conflict record: %w", err)
			}

			// Записи упорядочены по времени добавления - можно остановиться
			if !record.DetectedAt.After(t) {
				break
			}
			count++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// trimOldest удаляет самые старые записи сверх предела
func trimOldest(bucket *bbolt.Bucket, limit int) error {
	total := bucket.Stats().KeyN + 1 // +1: статистика не видит запись текущей транзакции

	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil && total > limit; k, _ = cursor.First() {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to trim conflict record: %w", err)
		}
		total--
	}

	return nil
}
