// Package sync связывает компоненты ядра: подписывается на топики сущностей,
// сравнивает векторные часы входящих версий с локальными, адаптирует или
// сливает их и публикует локальные изменения через менеджер соединения.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mangobiz/possync/internal/conflictlog"
	"github.com/mangobiz/possync/internal/connection"
	"github.com/mangobiz/possync/internal/merge"
	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
	"github.com/mangobiz/possync/internal/vclock"
	"github.com/mangobiz/possync/pkg/api"
)

// topicPrefix - общий префикс топиков синхронизации сущностей
const topicPrefix = "salon/entities/"

// TopicFor возвращает топик синхронизации для типа сущности
func TopicFor(entityType string) string {
	return topicPrefix + entityType
}

// syncedTypes - типы сущностей, на топики которых подписывается сервис
var syncedTypes = []string{
	models.EntityTypeTicket,
	models.EntityTypeStaff,
	models.EntityTypeClient,
	models.EntityTypeAppointment,
}

// entityMessage - полезная нагрузка конверта с версией сущности.
// DeviceID позволяет игнорировать собственные публикации.
type entityMessage struct {
	Entity   *models.SyncEntity `json:"entity"`
	DeviceID string             `json:"device_id"`
}

// Broker определяет срез менеджера соединения, нужный сервису
type Broker interface {
	// Publish публикует полезную нагрузку в топик
	Publish(ctx context.Context, topic string, payload any, opts connection.PublishOptions) (connection.PublishResult, error)

	// Subscribe регистрирует обработчик топика
	Subscribe(ctx context.Context, topic string, handler connection.MessageHandler) (func(), error)

	// OnReconnect регистрирует коллбек переподключения
	OnReconnect(cb func()) func()
}

// Stats содержит счетчики работы сервиса синхронизации
type Stats struct {
	Pushed    int // Pushed количество отправленных локальных изменений
	Pulled    int // Pulled количество принятых удаленных версий
	Merged    int // Merged количество выполненных слияний
	Conflicts int // Conflicts количество разрешенных конфликтов
	Skipped   int // Skipped количество пропущенных сообщений (ошибки)
}

//go:generate moq -out service_mock.go . Service

// Service определяет интерфейс сервиса синхронизации сущностей
type Service interface {
	// Start подписывается на топики сущностей и коллбек переподключения
	Start(ctx context.Context) error

	// Stop снимает подписки; идемпотентен
	Stop()

	// PushEntity отправляет локальное изменение сущности
	PushEntity(ctx context.Context, entity *models.SyncEntity) error

	// PushPending заново отправляет все неподтвержденные сущности
	PushPending(ctx context.Context) error

	// Stats возвращает счетчики работы сервиса
	Stats() Stats
}

type service struct {
	broker    Broker
	entities  storage.EntityStorage
	conflicts *conflictlog.Service
	logger    *slog.Logger
	deviceID  string

	mu      sync.Mutex
	stats   Stats
	unsubs  []func()
	started bool
}

// NewService creates a new entity sync service
func NewService(broker Broker, entities storage.EntityStorage, conflicts *conflictlog.Service, deviceID string, logger *slog.Logger) Service {
	return &service{
		broker:    broker,
		entities:  entities,
		conflicts: conflicts,
		deviceID:  deviceID,
		logger:    logger,
	}
}

// Start подписывается на топики всех синхронизируемых типов сущностей.
// После каждого переподключения неподтвержденные сущности отправляются заново.
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for _, entityType := range syncedTypes {
		unsubscribe, err := s.broker.Subscribe(ctx, TopicFor(entityType), s.handleInbound)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", TopicFor(entityType), err)
		}

		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsubscribe)
		s.mu.Unlock()
	}

	offReconnect := s.broker.OnReconnect(func() {
		if err := s.PushPending(context.Background()); err != nil {
			s.logger.Warn("failed to push pending entities after reconnect", "error", err)
		}
	})

	s.mu.Lock()
	s.unsubs = append(s.unsubs, offReconnect)
	s.mu.Unlock()

	s.logger.Info("sync service started", "device_id", s.deviceID, "topics", len(syncedTypes))

	return nil
}

// Stop снимает все подписки сервиса
func (s *service) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.started = false
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

// PushEntity сохраняет сущность как pending и отправляет ее.
// При офлайне публикация уходит в очередь, сущность остается pending
// до подтверждения прямой отправки.
func (s *service) PushEntity(ctx context.Context, entity *models.SyncEntity) error {
	entity.SyncStatus = models.SyncStatusPending
	if err := s.entities.SaveEntity(ctx, entity); err != nil {
		return fmt.Errorf("failed to save entity before push: %w", err)
	}

	if err := s.pushOne(ctx, entity); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Pushed++
	s.mu.Unlock()

	return nil
}

// PushPending заново отправляет все сущности, не подтвержденные как synced.
// Вызывается после переподключения.
func (s *service) PushPending(ctx context.Context) error {
	pending, err := s.entities.GetPendingEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending entities: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	s.logger.Info("pushing pending entities", "count", len(pending))

	for _, entity := range pending {
		if err := s.pushOne(ctx, entity); err != nil {
			s.logger.Warn("failed to push pending entity", "entity_id", entity.ID, "error", err)
		}
	}

	return nil
}

// Stats возвращает снимок счетчиков
func (s *service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// pushOne публикует одну сущность; при прямой доставке помечает ее synced
func (s *service) pushOne(ctx context.Context, entity *models.SyncEntity) error {
	msg := entityMessage{DeviceID: s.deviceID, Entity: entity}

	result, err := s.broker.Publish(ctx, TopicFor(entity.Type), msg, connection.PublishOptions{
		QoS:      1,
		Priority: pushPriority(entity.Type),
	})
	if err != nil {
		return fmt.Errorf("failed to publish entity %s: %w", entity.ID, err)
	}

	if result.Queued {
		s.logger.Info("entity change queued for later delivery",
			"entity_id", entity.ID, "entity_type", entity.Type)
		return nil
	}

	entity.SyncStatus = models.SyncStatusSynced
	entity.LastSyncedVersion = entity.Version
	if err := s.entities.SaveEntity(ctx, entity); err != nil {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}

	return nil
}

// handleInbound обрабатывает входящую версию сущности с другого устройства
func (s *service) handleInbound(topic string, env *api.Envelope) {
	var msg entityMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.Entity == nil {
		s.logger.Warn("discarding malformed entity message", "topic", topic, "error", err)
		s.countSkipped()
		return
	}

	// Собственные публикации по подписке игнорируются
	if msg.DeviceID == s.deviceID {
		return
	}

	ctx := context.Background()
	remote := msg.Entity

	local, err := s.entities.GetEntity(ctx, remote.ID)
	if errors.Is(err, storage.ErrEntityNotFound) {
		s.adoptRemote(ctx, remote, remote.Version)
		return
	}
	if err != nil {
		s.logger.Error("failed to load local entity", "entity_id", remote.ID, "error", err)
		s.countSkipped()
		return
	}

	switch vclock.Compare(local.Clock, remote.Clock) {
	case vclock.Equal:
		// Версии идентичны - делать нечего

	case vclock.LocalAhead:
		// Локальная версия строго новее: отправляем ее отставшему устройству
		if err := s.pushOne(ctx, local); err != nil {
			s.logger.Warn("failed to republish newer local entity", "entity_id", local.ID, "error", err)
		}

	case vclock.RemoteAhead:
		// Удаленная версия строго новее: прямое копирование без слияния
		s.adoptRemote(ctx, remote, remote.Version)

	case vclock.Concurrent:
		s.mergeConcurrent(ctx, local, remote)
	}
}

// adoptRemote сохраняет удаленную версию как локальную
func (s *service) adoptRemote(ctx context.Context, remote *models.SyncEntity, syncedVersion int64) {
	adopted := remote.Clone()
	adopted.SyncStatus = models.SyncStatusSynced
	adopted.LastSyncedVersion = syncedVersion

	if err := s.entities.SaveEntity(ctx, adopted); err != nil {
		s.logger.Error("failed to save remote entity", "entity_id", adopted.ID, "error", err)
		s.countSkipped()
		return
	}

	s.mu.Lock()
	s.stats.Pulled++
	s.mu.Unlock()
}

// mergeConcurrent разрешает конкурентные версии пополевым слиянием,
// пишет запись в журнал конфликтов и публикует слитую сущность,
// чтобы остальные устройства сошлись к одному результату
func (s *service) mergeConcurrent(ctx context.Context, local, remote *models.SyncEntity) {
	var res *merge.Resolution
	if table, ok := merge.RulesFor(local.Type); ok {
		res = merge.Entity(local, remote, table)
	} else {
		res = merge.EntityFallback(local, remote)
	}

	merged := res.Merged
	if err := s.entities.SaveEntity(ctx, merged); err != nil {
		s.logger.Error("failed to save merged entity", "entity_id", merged.ID, "error", err)
		s.countSkipped()
		return
	}

	if _, err := s.conflicts.Record(ctx, merged.ID, merged.Type, res, local.Clock, remote.Clock); err != nil {
		s.logger.Warn("failed to record conflict", "entity_id", merged.ID, "error", err)
	}

	if err := s.pushOne(ctx, merged); err != nil {
		s.logger.Warn("failed to publish merged entity", "entity_id", merged.ID, "error", err)
	}

	s.mu.Lock()
	s.stats.Merged++
	if res.HadConflicts {
		s.stats.Conflicts++
	}
	s.mu.Unlock()
}

func (s *service) countSkipped() {
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
}

// pushPriority задает приоритет офлайн-очереди по типу сущности:
// операционные данные кассы важнее справочных
func pushPriority(entityType string) int {
	switch entityType {
	case models.EntityTypeTicket:
		return 5
	case models.EntityTypeAppointment:
		return 4
	case models.EntityTypeClient:
		return 2
	default:
		return 1
	}
}
