package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangobiz/possync/internal/models"
)

// memoryStore - хранилище очереди в памяти для тестов
type memoryStore struct {
	mu    sync.Mutex
	saved []models.QueuedOperation
	fail  bool
}

func (m *memoryStore) SaveOperations(ctx context.Context, ops []models.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("storage failure")
	}

	m.saved = make([]models.QueuedOperation, len(ops))
	copy(m.saved, ops)
	return nil
}

func (m *memoryStore) LoadOperations(ctx context.Context) ([]models.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := make([]models.QueuedOperation, len(m.saved))
	copy(ops, m.saved)
	return ops, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *memoryStore) {
	t.Helper()

	store := &memoryStore{}
	q, err := New(context.Background(), store, testLogger())
	require.NoError(t, err)

	return q, store
}

func TestEnqueue_PriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "salon/entities/ticket", []byte(`1`), 1)
	q.Enqueue(ctx, "salon/entities/ticket", []byte(`2`), 5)
	q.Enqueue(ctx, "salon/entities/ticket", []byte(`3`), 3)

	ops := q.Operations()
	require.Len(t, ops, 3)

	priorities := []int{ops[0].Priority, ops[1].Priority, ops[2].Priority}
	assert.Equal(t, []int{5, 3, 1}, priorities)
}

func TestEnqueue_StableOrderForEqualPriorities(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := q.Enqueue(ctx, "topic", []byte(`1`), 2)
	second := q.Enqueue(ctx, "topic", []byte(`2`), 2)
	third := q.Enqueue(ctx, "topic", []byte(`3`), 2)

	ops := q.Operations()
	require.Len(t, ops, 3)

	assert.Equal(t, first.ID, ops[0].ID, "insertion order preserved for equal priorities")
	assert.Equal(t, second.ID, ops[1].ID)
	assert.Equal(t, third.ID, ops[2].ID)
}

func TestEnqueue_PersistsAfterMutation(t *testing.T) {
	q, store := newTestQueue(t)

	q.Enqueue(context.Background(), "topic", []byte(`1`), 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.saved, 1)
}

func TestReplay_Success(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`1`), 1)
	q.Enqueue(ctx, "topic", []byte(`2`), 2)

	var replayed []string
	q.SetReplayHandler(func(ctx context.Context, op models.QueuedOperation) error {
		replayed = append(replayed, string(op.Payload))
		return nil
	})

	result, err := q.Replay(ctx)

	require.NoError(t, err)
	assert.Equal(t, Result{Success: 2, Failed: 0}, result)
	assert.Equal(t, []string{"2", "1"}, replayed, "replay должен идти в порядке приоритета")
	assert.Equal(t, 0, q.Len())
}

func TestReplay_DropsAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`1`), 1)

	calls := 0
	q.SetReplayHandler(func(ctx context.Context, op models.QueuedOperation) error {
		calls++
		return errors.New("still offline")
	})

	// Первые два прохода: операция остается в очереди
	for i := 0; i < MaxRetryAttempts-1; i++ {
		result, err := q.Replay(ctx)
		require.NoError(t, err)
		assert.Equal(t, Result{}, result)
		assert.Equal(t, 1, q.Len(), "operation should stay until attempts are exhausted")
	}

	// Третья попытка исчерпывает лимит
	result, err := q.Replay(ctx)
	require.NoError(t, err)

	assert.Equal(t, Result{Success: 0, Failed: 1}, result)
	assert.Equal(t, 0, q.Len(), "operation dropped after exactly MaxRetryAttempts attempts")
	assert.Equal(t, MaxRetryAttempts, calls)
	assert.Equal(t, 1, q.DroppedTotal())
}

func TestReplay_NoHandlerIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`1`), 1)

	result, err := q.Replay(ctx)

	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Equal(t, 1, q.Len())
}

func TestReplay_SingleFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`1`), 1)

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0

	q.SetReplayHandler(func(ctx context.Context, op models.QueuedOperation) error {
		calls++
		close(started)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		_, _ = q.Replay(ctx)
		close(done)
	}()

	<-started

	// Второй вызов во время работающего replay - no-op
	result, err := q.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)

	close(release)
	<-done

	assert.Equal(t, 1, calls, "handler should run exactly once")
}

func TestReplay_NewOperationsVisibleOnlyToNextCycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`first`), 1)

	var replayed []string
	q.SetReplayHandler(func(ctx context.Context, op models.QueuedOperation) error {
		replayed = append(replayed, string(op.Payload))
		if string(op.Payload) == "first" {
			// Постановка во время replay не должна попасть в текущий снимок
			q.Enqueue(ctx, "topic", []byte(`second`), 10)
		}
		return nil
	})

	_, err := q.Replay(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, replayed)
	assert.Equal(t, 1, q.Len(), "new operation waits for the next replay")

	_, err = q.Replay(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, replayed)
	assert.Equal(t, 0, q.Len())
}

func TestReplay_EmptyQueueIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)

	q.SetReplayHandler(func(ctx context.Context, op models.QueuedOperation) error {
		t.Fatal("handler must not be called for empty queue")
		return nil
	})

	result, err := q.Replay(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestNew_RestoresPersistedQueue(t *testing.T) {
	store := &memoryStore{
		saved: []models.QueuedOperation{
			{ID: "op-1", Topic: "topic", Payload: []byte(`1`), Priority: 1},
			{ID: "op-2", Topic: "topic", Payload: []byte(`2`), Priority: 9},
		},
	}

	q, err := New(context.Background(), store, testLogger())
	require.NoError(t, err)

	ops := q.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, "op-2", ops[0].ID, "restored queue should be re-sorted by priority")
}

func TestQueue_StorageFailureDoesNotBreakQueue(t *testing.T) {
	store := &memoryStore{fail: true}
	q, err := New(context.Background(), store, testLogger())
	require.NoError(t, err)

	q.Enqueue(context.Background(), "topic", []byte(`1`), 1)

	assert.Equal(t, 1, q.Len(), "queue keeps working when persistence fails")
}

func TestClear(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "topic", []byte(`1`), 1)
	q.Clear(ctx)

	assert.Equal(t, 0, q.Len())
}
