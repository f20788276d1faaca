// Package transport определяет узкий контракт брокерного транспорта,
// через который ядро синхронизации потребляет конкретную wire-библиотеку.
// Ядро не зависит от конкретного брокера: любая реализация, выполняющая
// этот контракт, пригодна.
package transport

import "context"

// Event описывает событие жизненного цикла транспортного соединения
type Event string

const (
	// EventConnect - соединение установлено
	EventConnect Event = "connect"
	// EventReconnect - транспорт восстановил соединение самостоятельно
	EventReconnect Event = "reconnect"
	// EventOffline - транспорт потерял связь
	EventOffline Event = "offline"
	// EventClose - соединение закрыто
	EventClose Event = "close"
	// EventError - транспортная ошибка
	EventError Event = "error"
)

// MessageHandler обрабатывает входящее сообщение по подписанному топику
type MessageHandler func(topic string, payload []byte)

// EventHandler обрабатывает событие жизненного цикла соединения.
// err заполняется только для EventError и EventOffline.
type EventHandler func(event Event, err error)

// PublishOptions параметры публикации сообщения
type PublishOptions struct {
	QoS    byte // QoS уровень гарантии доставки
	Retain bool // Retain сохранять ли сообщение на брокере для новых подписчиков
}

//go:generate moq -out transport_mock.go . Transport

// Transport defines the narrow broker contract required by the sync core
type Transport interface {
	// Connect establishes the broker connection.
	// Honors ctx cancellation and deadline.
	Connect(ctx context.Context, brokerURL string) error

	// Disconnect tears down the connection; idempotent
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the connection is genuinely usable
	// (a connection mid-teardown reports false)
	IsConnected() bool

	// Subscribe registers a handler for a topic
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error

	// Unsubscribe removes a topic subscription
	Unsubscribe(ctx context.Context, topic string) error

	// Publish sends payload to a topic
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// SetEventHandler registers the lifecycle event handler.
	// Must be called before Connect.
	SetEventHandler(handler EventHandler)
}
