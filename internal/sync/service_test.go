package sync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangobiz/possync/internal/conflictlog"
	"github.com/mangobiz/possync/internal/connection"
	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
	"github.com/mangobiz/possync/internal/vclock"
	"github.com/mangobiz/possync/pkg/api"
)

// fakeBroker реализует Broker для тестов без реального соединения
type fakeBroker struct {
	mu           sync.Mutex
	published    []publishedMsg
	handlers     map[string]connection.MessageHandler
	reconnectCBs []func()
	queued       bool
	publishErr   error
}

type publishedMsg struct {
	topic   string
	payload any
	opts    connection.PublishOptions
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]connection.MessageHandler)}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload any, opts connection.PublishOptions) (connection.PublishResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return connection.PublishResult{}, b.publishErr
	}
	b.published = append(b.published, publishedMsg{topic: topic, payload: payload, opts: opts})
	return connection.PublishResult{Queued: b.queued}, nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, handler connection.MessageHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, topic)
	}, nil
}

func (b *fakeBroker) OnReconnect(cb func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectCBs = append(b.reconnectCBs, cb)
	return func() {}
}

// deliver имитирует входящее сообщение с брокера
func (b *fakeBroker) deliver(t *testing.T, topic string, msg entityMessage) {
	t.Helper()
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	require.True(t, ok, "no handler subscribed to %s", topic)

	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	env, err := api.NewEnvelope(json.RawMessage(payload))
	require.NoError(t, err)
	handler(topic, env)
}

func (b *fakeBroker) publishedTo(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) fireReconnect() {
	b.mu.Lock()
	cbs := append([]func(){}, b.reconnectCBs...)
	b.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// memoryEntityStore - хранилище сущностей в памяти для тестов
type memoryEntityStore struct {
	mu       sync.Mutex
	entities map[string]*models.SyncEntity
}

func newMemoryEntityStore() *memoryEntityStore {
	return &memoryEntityStore{entities: make(map[string]*models.SyncEntity)}
}

func (m *memoryEntityStore) SaveEntity(_ context.Context, entity *models.SyncEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.ID] = entity.Clone()
	return nil
}

func (m *memoryEntityStore) GetEntity(_ context.Context, id string) (*models.SyncEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entity, ok := m.entities[id]
	if !ok {
		return nil, storage.ErrEntityNotFound
	}
	return entity.Clone(), nil
}

func (m *memoryEntityStore) GetAllEntities(_ context.Context) ([]*models.SyncEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SyncEntity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *memoryEntityStore) GetPendingEntities(_ context.Context) ([]*models.SyncEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncEntity
	for _, e := range m.entities {
		if e.SyncStatus != models.SyncStatusSynced {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *memoryEntityStore) DeleteEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
	return nil
}

// memoryConflictStore - журнал конфликтов в памяти для тестов
type memoryConflictStore struct {
	mu      sync.Mutex
	records []*models.ConflictRecord
}

func (m *memoryConflictStore) AppendConflict(_ context.Context, record *models.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryConflictStore) ListConflicts(_ context.Context, limit int) ([]*models.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ConflictRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *memoryConflictStore) CountConflictsSince(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.records {
		if r.DetectedAt.After(t) {
			count++
		}
	}
	return count, nil
}

type syncFixture struct {
	svc       Service
	broker    *fakeBroker
	entities  *memoryEntityStore
	conflicts *memoryConflictStore
}

func newSyncFixture(t *testing.T, deviceID string) *syncFixture {
	t.Helper()

	broker := newFakeBroker()
	entities := newMemoryEntityStore()
	conflicts := &memoryConflictStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(broker, entities, conflictlog.NewService(conflicts, logger), deviceID, logger)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &syncFixture{svc: svc, broker: broker, entities: entities, conflicts: conflicts}
}

func TestStart_SubscribesToAllEntityTopics(t *testing.T) {
	f := newSyncFixture(t, "register")

	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	for _, entityType := range syncedTypes {
		assert.Contains(t, f.broker.handlers, TopicFor(entityType))
	}
}

func TestPushEntity_DirectDeliveryMarksSynced(t *testing.T) {
	f := newSyncFixture(t, "register")

	entity := &models.SyncEntity{
		ID:      "ticket-1",
		Type:    models.EntityTypeTicket,
		Version: 2,
		Clock:   vclock.Clock{"register": 2},
		Fields:  map[string]any{"status": "in_progress"},
	}

	require.NoError(t, f.svc.PushEntity(context.Background(), entity))

	published := f.broker.publishedTo(TopicFor(models.EntityTypeTicket))
	require.Len(t, published, 1)
	assert.Equal(t, byte(1), published[0].opts.QoS)
	assert.Equal(t, 5, published[0].opts.Priority)

	stored, err := f.entities.GetEntity(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
	assert.Equal(t, int64(2), stored.LastSyncedVersion)
	assert.Equal(t, 1, f.svc.Stats().Pushed)
}

func TestPushEntity_QueuedDeliveryStaysPending(t *testing.T) {
	f := newSyncFixture(t, "register")
	f.broker.queued = true

	entity := &models.SyncEntity{
		ID:      "ticket-1",
		Type:    models.EntityTypeTicket,
		Version: 2,
		Clock:   vclock.Clock{"register": 2},
	}

	require.NoError(t, f.svc.PushEntity(context.Background(), entity))

	stored, err := f.entities.GetEntity(context.Background(), "ticket-1")
	require.NoError(t, err)
	// Пока доставка не подтверждена, сущность остается pending
	assert.Equal(t, models.SyncStatusPending, stored.SyncStatus)
	assert.Equal(t, int64(0), stored.LastSyncedVersion)
}

func TestHandleInbound_IgnoresOwnMessages(t *testing.T) {
	f := newSyncFixture(t, "register")

	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "register",
		Entity: &models.SyncEntity{
			ID:    "ticket-1",
			Type:  models.EntityTypeTicket,
			Clock: vclock.Clock{"register": 1},
		},
	})

	_, err := f.entities.GetEntity(context.Background(), "ticket-1")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestHandleInbound_UnknownEntityIsAdopted(t *testing.T) {
	f := newSyncFixture(t, "register")

	f.broker.deliver(t, TopicFor(models.EntityTypeClient), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:      "client-1",
			Type:    models.EntityTypeClient,
			Version: 3,
			Clock:   vclock.Clock{"pad": 3},
			Fields:  map[string]any{"phone": "+7 900 000-00-00"},
		},
	})

	stored, err := f.entities.GetEntity(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
	assert.Equal(t, int64(3), stored.LastSyncedVersion)
	assert.Equal(t, 1, f.svc.Stats().Pulled)
}

func TestHandleInbound_EqualClocksDoNothing(t *testing.T) {
	f := newSyncFixture(t, "register")

	local := &models.SyncEntity{
		ID:      "ticket-1",
		Type:    models.EntityTypeTicket,
		Version: 2,
		Clock:   vclock.Clock{"register": 1, "pad": 1},
		Fields:  map[string]any{"status": "done"},
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), local))

	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:      "ticket-1",
			Type:    models.EntityTypeTicket,
			Version: 2,
			Clock:   vclock.Clock{"register": 1, "pad": 1},
			Fields:  map[string]any{"status": "done"},
		},
	})

	assert.Empty(t, f.broker.published)
	assert.Equal(t, Stats{}, f.svc.Stats())
}

func TestHandleInbound_LocalAheadRepublishes(t *testing.T) {
	f := newSyncFixture(t, "register")

	local := &models.SyncEntity{
		ID:      "ticket-1",
		Type:    models.EntityTypeTicket,
		Version: 3,
		Clock:   vclock.Clock{"register": 2, "pad": 1},
		Fields:  map[string]any{"status": "done"},
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), local))

	// Планшет прислал устаревшую версию - отвечаем своей, более новой
	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:      "ticket-1",
			Type:    models.EntityTypeTicket,
			Version: 2,
			Clock:   vclock.Clock{"register": 1, "pad": 1},
			Fields:  map[string]any{"status": "in_progress"},
		},
	})

	published := f.broker.publishedTo(TopicFor(models.EntityTypeTicket))
	require.Len(t, published, 1)
	msg, ok := published[0].payload.(entityMessage)
	require.True(t, ok)
	assert.Equal(t, "register", msg.DeviceID)
	assert.Equal(t, "done", msg.Entity.Fields["status"])
}

func TestHandleInbound_RemoteAheadAdoptsRemote(t *testing.T) {
	f := newSyncFixture(t, "register")

	local := &models.SyncEntity{
		ID:      "ticket-1",
		Type:    models.EntityTypeTicket,
		Version: 2,
		Clock:   vclock.Clock{"register": 1},
		Fields:  map[string]any{"status": "in_progress"},
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), local))

	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:      "ticket-1",
			Type:    models.EntityTypeTicket,
			Version: 3,
			Clock:   vclock.Clock{"register": 1, "pad": 2},
			Fields:  map[string]any{"status": "done"},
		},
	})

	stored, err := f.entities.GetEntity(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, "done", stored.Fields["status"])
	assert.Equal(t, vclock.Clock{"register": 1, "pad": 2}, stored.Clock)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
	// Слияние не выполнялось, конфликтов нет
	assert.Empty(t, f.conflicts.records)
}

// Сценарий двух устройств: оба правят один тикет в офлайне.
// Регистратура: часы {register:2}, правка status.
// Планшет: часы {register:1, pad:1}, правка notes.
// Конкурентные версии должны слиться без потери правок.
func TestHandleInbound_ConcurrentEditsMerge(t *testing.T) {
	f := newSyncFixture(t, "register")

	localAt := time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC)
	remoteAt := time.Date(2026, 3, 14, 12, 3, 0, 0, time.UTC)

	local := &models.SyncEntity{
		ID:        "ticket-1",
		Type:      models.EntityTypeTicket,
		Version:   2,
		Clock:     vclock.Clock{"register": 2},
		UpdatedAt: localAt,
		Fields: map[string]any{
			"status":   "done",
			"notes":    "",
			"services": []any{"haircut"},
		},
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), local))

	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:        "ticket-1",
			Type:      models.EntityTypeTicket,
			Version:   2,
			Clock:     vclock.Clock{"register": 1, "pad": 1},
			UpdatedAt: remoteAt,
			Fields: map[string]any{
				"status":   "in_progress",
				"notes":    "client asked for beard trim",
				"services": []any{"haircut", "beard trim"},
			},
		},
	})

	stored, err := f.entities.GetEntity(context.Background(), "ticket-1")
	require.NoError(t, err)

	// Часы - покомпонентный максимум, версия = max(2,2)+1
	assert.Equal(t, vclock.Clock{"register": 2, "pad": 1}, stored.Clock)
	assert.Equal(t, int64(3), stored.Version)
	// status: last_write, локальная правка новее
	assert.Equal(t, "done", stored.Fields["status"])
	// services: union обеих сторон
	assert.ElementsMatch(t, []any{"haircut", "beard trim"}, stored.Fields["services"])

	// Конфликт записан в журнал
	require.Len(t, f.conflicts.records, 1)
	record := f.conflicts.records[0]
	assert.Equal(t, "ticket-1", record.EntityID)
	assert.Contains(t, record.ConflictedFields, "status")

	// Слитая версия опубликована, чтобы планшет сошелся к тому же результату
	published := f.broker.publishedTo(TopicFor(models.EntityTypeTicket))
	require.Len(t, published, 1)
	msg, ok := published[0].payload.(entityMessage)
	require.True(t, ok)
	assert.Equal(t, int64(3), msg.Entity.Version)

	stats := f.svc.Stats()
	assert.Equal(t, 1, stats.Merged)
	assert.Equal(t, 1, stats.Conflicts)
}

func TestHandleInbound_UnknownTypeUsesFallbackMerge(t *testing.T) {
	f := newSyncFixture(t, "register")

	// Тип без таблицы правил синхронизируется через подписку на тикеты
	// не получится - подписок на него нет. Проверяем fallback напрямую
	// через обработчик топика тикетов с сущностью чужого типа.
	localAt := time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC)

	local := &models.SyncEntity{
		ID:        "form-1",
		Type:      "intake_form",
		Version:   1,
		Clock:     vclock.Clock{"register": 1},
		UpdatedAt: localAt,
		Fields:    map[string]any{"answer": "local"},
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), local))

	f.broker.deliver(t, TopicFor(models.EntityTypeTicket), entityMessage{
		DeviceID: "pad",
		Entity: &models.SyncEntity{
			ID:        "form-1",
			Type:      "intake_form",
			Version:   1,
			Clock:     vclock.Clock{"pad": 1},
			UpdatedAt: localAt.Add(time.Minute),
			Fields:    map[string]any{"answer": "remote"},
		},
	})

	stored, err := f.entities.GetEntity(context.Background(), "form-1")
	require.NoError(t, err)
	// Fallback: целиком побеждает более поздний updatedAt
	assert.Equal(t, "remote", stored.Fields["answer"])
	assert.Equal(t, int64(2), stored.Version)
}

func TestHandleInbound_MalformedPayloadIsSkipped(t *testing.T) {
	f := newSyncFixture(t, "register")

	topic := TopicFor(models.EntityTypeTicket)
	f.broker.mu.Lock()
	handler := f.broker.handlers[topic]
	f.broker.mu.Unlock()

	env, err := api.NewEnvelope(json.RawMessage(`"not an entity message"`))
	require.NoError(t, err)
	handler(topic, env)

	assert.Equal(t, 1, f.svc.Stats().Skipped)
}

func TestPushPending_ResendsUnconfirmedEntities(t *testing.T) {
	f := newSyncFixture(t, "register")

	pending := &models.SyncEntity{
		ID:         "ticket-1",
		Type:       models.EntityTypeTicket,
		Version:    2,
		Clock:      vclock.Clock{"register": 2},
		SyncStatus: models.SyncStatusPending,
	}
	synced := &models.SyncEntity{
		ID:         "ticket-2",
		Type:       models.EntityTypeTicket,
		Version:    1,
		Clock:      vclock.Clock{"register": 1},
		SyncStatus: models.SyncStatusSynced,
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), pending))
	require.NoError(t, f.entities.SaveEntity(context.Background(), synced))

	require.NoError(t, f.svc.PushPending(context.Background()))

	published := f.broker.publishedTo(TopicFor(models.EntityTypeTicket))
	require.Len(t, published, 1)
	msg, ok := published[0].payload.(entityMessage)
	require.True(t, ok)
	assert.Equal(t, "ticket-1", msg.Entity.ID)

	stored, err := f.entities.GetEntity(context.Background(), "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
}

func TestReconnect_TriggersPushPending(t *testing.T) {
	f := newSyncFixture(t, "register")

	pending := &models.SyncEntity{
		ID:         "ticket-1",
		Type:       models.EntityTypeTicket,
		Version:    2,
		Clock:      vclock.Clock{"register": 2},
		SyncStatus: models.SyncStatusPending,
	}
	require.NoError(t, f.entities.SaveEntity(context.Background(), pending))

	f.broker.fireReconnect()

	published := f.broker.publishedTo(TopicFor(models.EntityTypeTicket))
	require.Len(t, published, 1)
}
