// Package conflictlog ведет структурированный аудит разрешенных конфликтов:
// какие поля различались, какая сторона победила и какие часы были у версий.
// Журнал диагностический, данные сущностей он не восстанавливает.
package conflictlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mangobiz/possync/internal/merge"
	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
	"github.com/mangobiz/possync/internal/vclock"
)

// Service represents the conflict audit log service
type Service struct {
	store  storage.ConflictStorage
	logger *slog.Logger
}

// NewService creates a new conflict log service
func NewService(store storage.ConflictStorage, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Record фиксирует одно разрешенное слияние: строка в журнале и
// долговременная запись в хранилище. Слияния без конфликтов не пишутся.
func (s *Service) Record(ctx context.Context, entityID, entityType string,
	res *merge.Resolution, localClock, remoteClock vclock.Clock,
) (*models.ConflictRecord, error) {
	if !res.HadConflicts {
		return nil, nil
	}

	record := &models.ConflictRecord{
		ID:                uuid.New().String(),
		EntityID:          entityID,
		EntityType:        entityType,
		ConflictedFields:  res.ConflictedFields,
		LocalOverwritten:  res.LocalOverwritten,
		RemoteOverwritten: res.RemoteOverwritten,
		LocalClock:        localClock.Clone(),
		RemoteClock:       remoteClock.Clone(),
		ResolvedVersion:   res.Merged.Version,
		DetectedAt:        time.Now().UTC(),
	}

	s.logger.Info("conflict resolved",
		"entity_id", entityID,
		"entity_type", entityType,
		"conflicted_fields", res.ConflictedFields,
		"local_overwritten", res.LocalOverwritten,
		"remote_overwritten", res.RemoteOverwritten,
		"resolved_version", res.Merged.Version)

	if err := s.store.AppendConflict(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append conflict record: %w", err)
	}

	return record, nil
}

// Recent возвращает до n последних записей журнала, новые первыми
func (s *Service) Recent(ctx context.Context, n int) ([]*models.ConflictRecord, error) {
	records, err := s.store.ListConflicts(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict records: %w", err)
	}
	return records, nil
}

// CountSince возвращает число конфликтов, разрешенных после t
func (s *Service) CountSince(ctx context.Context, t time.Time) (int, error) {
	count, err := s.store.CountConflictsSince(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflict records: %w", err)
	}
	return count, nil
}
