package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPayload indicates that inbound bytes are not valid JSON at all
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Envelope представляет обертку сообщения на проводе.
// Каждое сообщение между устройствами несет идентификатор, момент отправки
// (ISO-8601 / RFC 3339) и произвольный JSON в качестве полезной нагрузки.
type Envelope struct {
	Timestamp time.Time       `json:"timestamp"` // Timestamp момент отправки (RFC 3339)
	ID        string          `json:"id"`        // ID уникальный идентификатор сообщения (UUID)
	Payload   json.RawMessage `json:"payload"`   // Payload произвольный JSON
}

// NewEnvelope создает конверт с новым UUID и текущим временем
func NewEnvelope(payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Encode сериализует конверт в JSON для публикации
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope разбирает входящие байты в конверт.
// Если байты являются валидным JSON, но не конвертом (нет id или payload),
// они заворачиваются как сырая полезная нагрузка в свежий конверт -
// сообщение не отбрасывается. Невалидный JSON возвращает ErrInvalidPayload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.ID != "" && len(env.Payload) > 0 {
		return &env, nil
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPayload, truncate(data, 64))
	}

	// Валидный JSON без структуры конверта - заворачиваем как есть
	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
