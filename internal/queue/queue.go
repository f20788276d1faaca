// Package queue реализует персистентную офлайн-очередь исходящих публикаций.
// Операции, которые не удалось отправить, накапливаются здесь и
// переигрываются после восстановления соединения с ограниченным числом
// повторов.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/storage"
)

// MaxRetryAttempts - предел попыток повторной отправки одной операции.
// После его достижения операция удаляется из очереди, потеря фиксируется
// в счетчике и логе - операция никогда не возрождается молча.
const MaxRetryAttempts = 3

// ReplayHandler переигрывает одну операцию через путь публикации.
// Ошибка означает неудачную попытку: операция остается в очереди,
// пока не исчерпает лимит попыток.
type ReplayHandler func(ctx context.Context, op models.QueuedOperation) error

// Result содержит итоги одного прохода replay
type Result struct {
	Success int // Success количество успешно отправленных операций
	Failed  int // Failed количество операций, отброшенных по лимиту попыток
}

// Queue представляет офлайн-очередь с приоритетами.
// Все мутации сериализуются мьютексом; после каждой мутации
// очередь сохраняется в локальное хранилище.
type Queue struct {
	store        storage.QueueStorage
	logger       *slog.Logger
	handler      ReplayHandler
	ops          []models.QueuedOperation
	droppedTotal int
	mu           sync.Mutex
	isReplaying  bool
}

// New creates a queue and restores persisted operations from storage
func New(ctx context.Context, store storage.QueueStorage, logger *slog.Logger) (*Queue, error) {
	ops, err := store.LoadOperations(ctx)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		store:  store,
		logger: logger,
		ops:    ops,
	}
	q.sortLocked()

	if len(ops) > 0 {
		logger.Info("restored offline queue", "operations", len(ops))
	}

	return q, nil
}

// SetReplayHandler registers the replay callback.
// Replay is a no-op until a handler is registered.
func (q *Queue) SetReplayHandler(handler ReplayHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Enqueue добавляет операцию в очередь и пересортировывает ее по убыванию
// приоритета. Сортировка стабильна: операции равного приоритета сохраняют
// порядок постановки.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, priority int) models.QueuedOperation {
	op := models.QueuedOperation{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Attempts:  0,
		Priority:  priority,
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.sortLocked()
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.logger.Info("operation queued for offline delivery",
		"operation_id", op.ID,
		"topic", topic,
		"priority", priority)

	return op
}

// Replay переигрывает накопленные операции в порядке приоритета.
// Проход single-flight: повторный вызов во время работающего replay -
// no-op. Работа идет по снимку очереди: операции, поставленные во время
// прохода, видны только следующему вызову Replay.
func (q *Queue) Replay(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.isReplaying || q.handler == nil || len(q.ops) == 0 {
		q.mu.Unlock()
		return Result{}, nil
	}
	q.isReplaying = true
	handler := q.handler

	snapshot := make([]models.QueuedOperation, len(q.ops))
	for i, op := range q.ops {
		snapshot[i] = op.Clone()
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.isReplaying = false
		q.mu.Unlock()
	}()

	result := Result{}

	for _, snap := range snapshot {
		op, ok := q.bumpAttempts(ctx, snap.ID)
		if !ok {
			continue
		}

		err := handler(ctx, op)

		switch {
		case err == nil:
			q.remove(ctx, op.ID)
			result.Success++

		case op.Attempts >= MaxRetryAttempts:
			q.remove(ctx, op.ID)
			result.Failed++
			q.mu.Lock()
			q.droppedTotal++
			q.mu.Unlock()
			q.logger.Error("operation dropped after retry limit",
				"operation_id", op.ID,
				"topic", op.Topic,
				"attempts", op.Attempts,
				"error", err)

		default:
			q.logger.Warn("replay attempt failed, operation kept",
				"operation_id", op.ID,
				"topic", op.Topic,
				"attempts", op.Attempts,
				"error", err)
		}
	}

	q.logger.Info("replay finished", "success", result.Success, "failed", result.Failed)

	return result, nil
}

// Len возвращает количество операций в очереди
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// DroppedTotal возвращает количество операций, отброшенных по лимиту
// попыток за время жизни очереди
func (q *Queue) DroppedTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedTotal
}

// Operations возвращает копию текущего содержимого очереди
func (q *Queue) Operations() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]models.QueuedOperation, len(q.ops))
	for i, op := range q.ops {
		result[i] = op.Clone()
	}
	return result
}

// Clear удаляет все операции из очереди
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = nil
	q.persistLocked(ctx)
}

// bumpAttempts увеличивает счетчик попыток операции и возвращает ее копию.
// ok=false если операция уже удалена из очереди.
func (q *Queue) bumpAttempts(ctx context.Context, id string) (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops[i].Attempts++
			q.persistLocked(ctx)
			return q.ops[i].Clone(), true
		}
	}

	return models.QueuedOperation{}, false
}

// remove удаляет операцию по идентификатору
func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.persistLocked(ctx)
			return
		}
	}
}

// sortLocked пересортировывает очередь по убыванию приоритета.
// Требуется стабильная сортировка: порядок постановки при равных
// приоритетах сохраняется. Вызывается под мьютексом.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		return q.ops[i].Priority > q.ops[j].Priority
	})
}

// persistLocked сохраняет очередь; ошибка хранилища логируется,
// но не останавливает работу очереди. Вызывается под мьютексом.
func (q *Queue) persistLocked(ctx context.Context) {
	if err := q.store.SaveOperations(ctx, q.ops); err != nil {
		q.logger.Error("failed to persist offline queue", "error", err)
	}
}
