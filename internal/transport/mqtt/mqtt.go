// Package mqtt реализует транспортный контракт поверх MQTT-клиента paho.
// Адаптер потребляется исключительно через интерфейс transport.Transport.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mangobiz/possync/internal/transport"
)

// Transport представляет MQTT-реализацию транспортного контракта.
// Автопереподключение paho отключено: жизненным циклом соединения
// управляет connection.Manager.
type Transport struct {
	client   pahomqtt.Client
	handler  transport.EventHandler
	logger   *slog.Logger
	clientID string
	mu       sync.Mutex
}

// New creates a new MQTT transport for the given device client id
func New(clientID string, logger *slog.Logger) *Transport {
	return &Transport{
		clientID: clientID,
		logger:   logger,
	}
}

// SetEventHandler registers the lifecycle event handler
func (t *Transport) SetEventHandler(handler transport.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect establishes the broker connection
func (t *Transport) Connect(ctx context.Context, brokerURL string) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(t.clientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetOnConnectHandler(func(pahomqtt.Client) {
			t.emit(transport.EventConnect, nil)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", "error", err)
			t.emit(transport.EventOffline, transport.NewConnError("connection", err))
		})

	client := pahomqtt.NewClient(opts)

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return transport.NewConnError("connect", err)
		}
		return nil
	case <-ctx.Done():
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect aborted: %w", ctx.Err())
	}
}

// Disconnect tears down the connection; idempotent
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}

	// 250ms на досыл внутренней очереди paho
	client.Disconnect(250)
	t.emit(transport.EventClose, nil)

	return nil
}

// IsConnected reports whether the connection is genuinely usable
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	return client != nil && client.IsConnectionOpen()
}

// Subscribe registers a handler for a topic
func (t *Transport) Subscribe(ctx context.Context, topic string, qos byte, handler transport.MessageHandler) error {
	client, err := t.activeClient()
	if err != nil {
		return err
	}

	token := client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	return t.waitToken(ctx, "subscribe", token)
}

// Unsubscribe removes a topic subscription
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	client, err := t.activeClient()
	if err != nil {
		return err
	}

	return t.waitToken(ctx, "unsubscribe", client.Unsubscribe(topic))
}

// Publish sends payload to a topic
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, opts transport.PublishOptions) error {
	client, err := t.activeClient()
	if err != nil {
		return err
	}

	token := client.Publish(topic, opts.QoS, opts.Retain, payload)

	return t.waitToken(ctx, "publish", token)
}

// activeClient возвращает текущий клиент или ошибку соединения
func (t *Transport) activeClient() (pahomqtt.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil, transport.NewConnError("client", errors.New("not connected"))
	}

	return client, nil
}

// waitToken ожидает завершения операции paho с учетом отмены контекста
func (t *Transport) waitToken(ctx context.Context, op string, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return transport.NewConnError(op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt %s aborted: %w", op, ctx.Err())
	}
}

// emit вызывает обработчик событий, если он зарегистрирован
func (t *Transport) emit(event transport.Event, err error) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler(event, err)
	}
}
