package models

import "time"

// QueuedOperation представляет отложенную исходящую публикацию.
// Создается при неудачной или офлайн-публикации, принадлежит исключительно
// офлайн-очереди и сохраняется в локальное хранилище, чтобы пережить
// перезапуск процесса.
type QueuedOperation struct {
	CreatedAt time.Time `json:"created_at"` // CreatedAt время постановки в очередь
	ID        string    `json:"id"`         // ID уникальный идентификатор операции (UUID)
	Topic     string    `json:"topic"`      // Topic целевой топик публикации
	Payload   []byte    `json:"payload"`    // Payload сериализованный конверт сообщения
	Attempts  int       `json:"attempts"`   // Attempts количество попыток повторной отправки
	Priority  int       `json:"priority"`   // Priority приоритет (больше - раньше при replay)
}

// Clone создает копию операции с независимым payload
func (op QueuedOperation) Clone() QueuedOperation {
	payload := make([]byte, len(op.Payload))
	copy(payload, op.Payload)

	clone := op
	clone.Payload = payload
	return clone
}
