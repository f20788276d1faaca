// Package connection реализует конечный автомат единственного транспортного
// соединения устройства: дедупликацию конкурентных попыток подключения,
// учет времени офлайна, переподписку и переигрывание офлайн-очереди после
// восстановления связи.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mangobiz/possync/internal/breaker"
	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/queue"
	"github.com/mangobiz/possync/internal/transport"
	"github.com/mangobiz/possync/pkg/api"
)

// ErrNotConnected возвращается публикацией с NoQueue при отсутствии соединения
var ErrNotConnected = errors.New("not connected to broker")

// State описывает состояние транспортного соединения
type State string

const (
	// StateDisconnected - соединения нет
	StateDisconnected State = "disconnected"
	// StateConnecting - идет первичное подключение
	StateConnecting State = "connecting"
	// StateConnected - соединение установлено
	StateConnected State = "connected"
	// StateReconnecting - идет восстановление потерянного соединения
	StateReconnecting State = "reconnecting"
)

// Info представляет снимок состояния соединения.
// Ровно один живой экземпляр на процесс устройства.
type Info struct {
	ConnectedAt time.Time // ConnectedAt момент установки текущего соединения
	Err         error     // Err последняя ошибка соединения
	BrokerURL   string    // BrokerURL адрес брокера
	State       State     // State текущее состояние автомата
}

// Config параметры менеджера соединения.
// Нулевые значения заменяются значениями по умолчанию.
type Config struct {
	ConnectTimeout          time.Duration // ConnectTimeout предел на попытку подключения
	PublishTimeout          time.Duration // PublishTimeout предел на публикацию
	OfflineAlertThreshold   time.Duration // OfflineAlertThreshold порог одноразового офлайн-оповещения
	ReconnectInitialBackoff time.Duration // ReconnectInitialBackoff стартовый интервал переподключения
	ReconnectMaxBackoff     time.Duration // ReconnectMaxBackoff потолок интервала переподключения
	DefaultQoS              byte          // DefaultQoS уровень QoS по умолчанию
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.OfflineAlertThreshold <= 0 {
		c.OfflineAlertThreshold = 30 * time.Second
	}
	if c.ReconnectInitialBackoff <= 0 {
		c.ReconnectInitialBackoff = 500 * time.Millisecond
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 15 * time.Second
	}
	if c.DefaultQoS == 0 {
		c.DefaultQoS = 1
	}
}

// MessageHandler обрабатывает входящее сообщение с уже разобранным конвертом
type MessageHandler func(topic string, env *api.Envelope)

// PublishOptions параметры публикации для прикладного кода
type PublishOptions struct {
	QoS      byte // QoS уровень гарантии доставки
	Retain   bool // Retain сохранять ли сообщение на брокере
	NoQueue  bool // NoQueue не перенаправлять в офлайн-очередь при потере связи
	Priority int  // Priority приоритет операции в офлайн-очереди
}

// PublishResult сообщает, была ли публикация отложена в офлайн-очередь
type PublishResult struct {
	Queued bool // Queued сообщение поставлено в очередь вместо отправки
}

// topicSubs хранит обработчики одного топик-паттерна
type topicSubs struct {
	handlers map[int64]MessageHandler
	qos      byte
}

// connectAttempt - единственная незавершенная попытка подключения.
// Конкурентные вызовы Connect с тем же адресом ждут ее результата,
// а не запускают вторую попытку.
type connectAttempt struct {
	done chan struct{}
	err  error
	url  string
}

// Manager владеет единственным транспортным соединением процесса.
// Все публикации и подписки проходят через него; публикации без связи
// перенаправляются в офлайн-очередь.
type Manager struct {
	tr     transport.Transport
	queue  *queue.Queue
	brk    *breaker.Breaker
	logger *slog.Logger
	cfg    Config

	mu                sync.Mutex
	info              Info
	inflight          *connectAttempt
	subs              map[string]*topicSubs
	stateWatchers     map[int64]func(Info)
	reconnectWatchers map[int64]func()
	nextWatcherID     int64
	offlineSince      time.Time
	offlineTimer      *time.Timer
	offlineAlert      func(time.Duration)
	offlineAlerted    bool
	reconnecting      bool
	reconnectCancel   context.CancelFunc
	suppressReconnect bool
}

// New creates a connection manager owning the given transport
func New(tr transport.Transport, q *queue.Queue, brk *breaker.Breaker, logger *slog.Logger, cfg Config) *Manager {
	cfg.withDefaults()

	m := &Manager{
		tr:                tr,
		queue:             q,
		brk:               brk,
		logger:            logger,
		cfg:               cfg,
		info:              Info{State: StateDisconnected},
		subs:              make(map[string]*topicSubs),
		stateWatchers:     make(map[int64]func(Info)),
		reconnectWatchers: make(map[int64]func()),
	}

	tr.SetEventHandler(m.handleTransportEvent)
	q.SetReplayHandler(m.replayOperation)

	return m
}

// Connect подключается к брокеру.
// Идемпотентен для уже подключенного адреса. Конкурентные попытки
// к одному адресу разделяют один результат (single-flight). Подключение
// к другому адресу сначала разрывает существующий транспорт. Попытка,
// не уложившаяся в таймаут, завершается TimeoutError и возвращает
// автомат в disconnected.
func (m *Manager) Connect(ctx context.Context, brokerURL string) error {
	m.mu.Lock()

	if m.info.State == StateConnected && m.info.BrokerURL == brokerURL && m.tr.IsConnected() {
		m.mu.Unlock()
		return nil
	}

	if att := m.inflight; att != nil {
		m.mu.Unlock()
		if att.url == brokerURL {
			// Разделяем результат незавершенной попытки
			select {
			case <-att.done:
				return att.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// Другой адрес: дожидаемся исхода текущей попытки и начинаем заново
		select {
		case <-att.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return m.Connect(ctx, brokerURL)
	}

	att := &connectAttempt{url: brokerURL, done: make(chan struct{})}
	m.inflight = att
	m.suppressReconnect = false

	prevState := m.info.State
	prevURL := m.info.BrokerURL

	newState := StateConnecting
	if prevState == StateReconnecting || !m.offlineSince.IsZero() {
		newState = StateReconnecting
	}
	info, watchers := m.updateInfoLocked(func(i *Info) {
		i.State = newState
		i.BrokerURL = brokerURL
		i.Err = nil
	})
	m.mu.Unlock()

	notifyState(info, watchers)

	err := m.dial(ctx, brokerURL, prevURL)

	m.mu.Lock()
	m.inflight = nil

	if err != nil {
		info, watchers = m.updateInfoLocked(func(i *Info) {
			i.State = StateDisconnected
			i.Err = err
		})
		att.err = err
		close(att.done)
		m.mu.Unlock()

		notifyState(info, watchers)
		return err
	}

	// Переход из disconnected/reconnecting в connected - событие
	// переподключения: переподписка, коллбеки, replay очереди
	wasReconnection := prevState == StateDisconnected || prevState == StateReconnecting

	m.stopOfflineTrackingLocked()
	info, watchers = m.updateInfoLocked(func(i *Info) {
		i.State = StateConnected
		i.ConnectedAt = time.Now().UTC()
		i.Err = nil
	})
	topics := m.topicsSnapshotLocked()
	close(att.done)
	m.mu.Unlock()

	m.logger.Info("connected to broker", "broker_url", brokerURL)
	notifyState(info, watchers)
	m.resubscribe(ctx, topics)

	if wasReconnection {
		m.onReconnected(ctx)
	}

	return nil
}

// Disconnect разрывает соединение: отменяет таймеры и цикл переподключения,
// принудительно переводит автомат в disconnected. Идемпотентен.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.suppressReconnect = true
	if m.reconnectCancel != nil {
		m.reconnectCancel()
	}
	m.stopOfflineTrackingLocked()
	info, watchers := m.updateInfoLocked(func(i *Info) {
		i.State = StateDisconnected
		i.Err = nil
	})
	m.mu.Unlock()

	if err := m.tr.Disconnect(ctx); err != nil {
		m.logger.Warn("transport disconnect failed", "error", err)
	}

	notifyState(info, watchers)
	return nil
}

// Publish публикует полезную нагрузку в топик, завернув ее в конверт.
// Без подлинного соединения (включая транспорт в процессе разрыва)
// сообщение уходит в офлайн-очередь, а не в ошибку - если вызывающий
// не отказался через NoQueue. Ошибка публикации сетевого класса также
// перенаправляется в очередь: вызывающий видит постановку в очередь,
// а не сбой.
func (m *Manager) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (PublishResult, error) {
	env, err := api.NewEnvelope(payload)
	if err != nil {
		return PublishResult{}, err
	}

	data, err := env.Encode()
	if err != nil {
		return PublishResult{}, err
	}

	if !m.isConnectedNow() {
		if opts.NoQueue {
			return PublishResult{}, ErrNotConnected
		}
		m.queue.Enqueue(ctx, topic, data, opts.Priority)
		return PublishResult{Queued: true}, nil
	}

	err = m.brk.Execute(ctx, "publish", m.cfg.PublishTimeout, func(ctx context.Context) error {
		return m.tr.Publish(ctx, topic, data, transport.PublishOptions{QoS: opts.QoS, Retain: opts.Retain})
	})
	if err == nil {
		return PublishResult{}, nil
	}

	if !opts.NoQueue && isOfflineEquivalent(err) {
		m.logger.Warn("publish failed, diverting to offline queue", "topic", topic, "error", err)
		m.queue.Enqueue(ctx, topic, data, opts.Priority)
		return PublishResult{Queued: true}, nil
	}

	return PublishResult{}, err
}

// Subscribe регистрирует обработчик топика и возвращает функцию отписки.
// Отписка идемпотентна. Подписка сохраняется между переподключениями:
// после восстановления связи все зарегистрированные топики
// переподписываются автоматически.
func (m *Manager) Subscribe(ctx context.Context, topic string, handler MessageHandler) (func(), error) {
	m.mu.Lock()
	m.nextWatcherID++
	id := m.nextWatcherID

	entry, exists := m.subs[topic]
	if !exists {
		entry = &topicSubs{qos: m.cfg.DefaultQoS, handlers: make(map[int64]MessageHandler)}
		m.subs[topic] = entry
	}
	entry.handlers[id] = handler

	needTransportSub := !exists && m.info.State == StateConnected && m.tr.IsConnected()
	qos := entry.qos
	m.mu.Unlock()

	if needTransportSub {
		if err := m.tr.Subscribe(ctx, topic, qos, m.makeDispatch(topic)); err != nil {
			m.mu.Lock()
			delete(entry.handlers, id)
			if len(entry.handlers) == 0 {
				delete(m.subs, topic)
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	unsubscribe := func() {
		m.mu.Lock()
		entry, ok := m.subs[topic]
		if !ok {
			m.mu.Unlock()
			return
		}
		if _, ok := entry.handlers[id]; !ok {
			m.mu.Unlock()
			return
		}
		delete(entry.handlers, id)
		needUnsub := len(entry.handlers) == 0
		if needUnsub {
			delete(m.subs, topic)
		}
		connected := m.info.State == StateConnected && m.tr.IsConnected()
		m.mu.Unlock()

		if needUnsub && connected {
			if err := m.tr.Unsubscribe(context.Background(), topic); err != nil {
				m.logger.Warn("transport unsubscribe failed", "topic", topic, "error", err)
			}
		}
	}

	return unsubscribe, nil
}

// GetState возвращает снимок состояния соединения
func (m *Manager) GetState() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// OnStateChange регистрирует наблюдателя смены состояния.
// Возвращаемая функция отписки идемпотентна.
func (m *Manager) OnStateChange(cb func(Info)) func() {
	m.mu.Lock()
	m.nextWatcherID++
	id := m.nextWatcherID
	m.stateWatchers[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateWatchers, id)
		m.mu.Unlock()
	}
}

// OnReconnect регистрирует коллбек события переподключения
func (m *Manager) OnReconnect(cb func()) func() {
	m.mu.Lock()
	m.nextWatcherID++
	id := m.nextWatcherID
	m.reconnectWatchers[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.reconnectWatchers, id)
		m.mu.Unlock()
	}
}

// OnOfflineAlert устанавливает одноразовое оповещение о длительном офлайне.
// Коллбек срабатывает один раз после превышения порога и взводится заново
// только с нового разрыва соединения.
func (m *Manager) OnOfflineAlert(cb func(offlineFor time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineAlert = cb
}

// OfflineDuration возвращает, сколько времени устройство офлайн
// (0 если соединение есть)
func (m *Manager) OfflineDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offlineSince.IsZero() {
		return 0
	}
	return time.Since(m.offlineSince)
}

// QueuedCount возвращает размер офлайн-очереди
func (m *Manager) QueuedCount() int {
	return m.queue.Len()
}

// dial выполняет собственно подключение с таймаутом,
// предварительно разорвав транспорт к прежнему адресу
func (m *Manager) dial(ctx context.Context, brokerURL, prevURL string) error {
	if prevURL != "" && prevURL != brokerURL {
		if err := m.tr.Disconnect(ctx); err != nil {
			m.logger.Warn("failed to tear down previous transport", "broker_url", prevURL, "error", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	err := m.tr.Connect(dialCtx, brokerURL)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &breaker.TimeoutError{Op: "connect", Timeout: m.cfg.ConnectTimeout}
	}

	return fmt.Errorf("transport connect failed: %w", err)
}

// handleTransportEvent обрабатывает события жизненного цикла транспорта
func (m *Manager) handleTransportEvent(event transport.Event, err error) {
	switch event {
	case transport.EventOffline, transport.EventClose, transport.EventError:
		m.handleConnectionLoss(event, err)
	case transport.EventReconnect:
		m.handleTransportReconnect()
	case transport.EventConnect:
		// Состоянием успешного подключения управляет Connect
	}
}

// handleConnectionLoss переводит автомат в disconnected, запускает учет
// офлайна и цикл автоматического переподключения
func (m *Manager) handleConnectionLoss(event transport.Event, cause error) {
	m.mu.Lock()

	if m.suppressReconnect {
		// Намеренный Disconnect - не офлайн
		m.mu.Unlock()
		return
	}

	brokerURL := m.info.BrokerURL

	if m.offlineSince.IsZero() {
		m.startOfflineTrackingLocked()
	}

	info, watchers := m.updateInfoLocked(func(i *Info) {
		i.State = StateDisconnected
		i.Err = cause
	})

	startLoop := !m.reconnecting && brokerURL != ""
	var loopCtx context.Context
	if startLoop {
		m.reconnecting = true
		loopCtx, m.reconnectCancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	m.logger.Warn("transport connection lost", "event", string(event), "error", cause)
	notifyState(info, watchers)

	if startLoop {
		go m.reconnectLoop(loopCtx, brokerURL)
	}
}

// handleTransportReconnect обрабатывает самостоятельное восстановление
// соединения транспортом
func (m *Manager) handleTransportReconnect() {
	m.mu.Lock()
	m.stopOfflineTrackingLocked()
	info, watchers := m.updateInfoLocked(func(i *Info) {
		i.State = StateConnected
		i.ConnectedAt = time.Now().UTC()
		i.Err = nil
	})
	topics := m.topicsSnapshotLocked()
	m.mu.Unlock()

	m.logger.Info("transport reconnected", "broker_url", info.BrokerURL)
	notifyState(info, watchers)

	ctx := context.Background()
	m.resubscribe(ctx, topics)
	m.onReconnected(ctx)
}

// reconnectLoop повторяет попытки подключения с fibonacci-паузами
// до успеха или отмены (намеренный Disconnect)
func (m *Manager) reconnectLoop(ctx context.Context, brokerURL string) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.reconnectCancel = nil
		m.mu.Unlock()
	}()

	backoff := retry.WithCappedDuration(m.cfg.ReconnectMaxBackoff, retry.NewFibonacci(m.cfg.ReconnectInitialBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.Connect(ctx, brokerURL); err != nil {
			m.logger.Warn("reconnect attempt failed", "broker_url", brokerURL, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("reconnect loop stopped", "broker_url", brokerURL, "error", err)
	}
}

// onReconnected вызывает коллбеки переподключения и переигрывает
// офлайн-очередь через обычный путь публикации
func (m *Manager) onReconnected(ctx context.Context) {
	m.mu.Lock()
	watchers := make([]func(), 0, len(m.reconnectWatchers))
	for _, cb := range m.reconnectWatchers {
		watchers = append(watchers, cb)
	}
	m.mu.Unlock()

	for _, cb := range watchers {
		cb()
	}

	result, err := m.queue.Replay(ctx)
	if err != nil {
		m.logger.Error("offline queue replay failed", "error", err)
		return
	}
	if result.Success > 0 || result.Failed > 0 {
		m.logger.Info("offline queue replayed", "success", result.Success, "failed", result.Failed)
	}
}

// replayOperation переигрывает одну операцию очереди через транспорт
// под защитой circuit breaker
func (m *Manager) replayOperation(ctx context.Context, op models.QueuedOperation) error {
	if !m.isConnectedNow() {
		return transport.NewConnError("replay", ErrNotConnected)
	}

	return m.brk.Execute(ctx, "replay", m.cfg.PublishTimeout, func(ctx context.Context) error {
		return m.tr.Publish(ctx, op.Topic, op.Payload, transport.PublishOptions{QoS: m.cfg.DefaultQoS})
	})
}

// resubscribe восстанавливает транспортные подписки после (пере)подключения
func (m *Manager) resubscribe(ctx context.Context, topics map[string]byte) {
	for topic, qos := range topics {
		if err := m.tr.Subscribe(ctx, topic, qos, m.makeDispatch(topic)); err != nil {
			m.logger.Error("failed to resubscribe", "topic", topic, "error", err)
		}
	}
}

// makeDispatch возвращает транспортный обработчик, раздающий сообщения
// прикладным обработчикам паттерна
func (m *Manager) makeDispatch(pattern string) transport.MessageHandler {
	return func(topic string, payload []byte) {
		env, err := api.DecodeEnvelope(payload)
		if err != nil {
			// Неразбираемое сообщение логируется и отбрасывается,
			// приемный путь не падает
			m.logger.Warn("discarding unparseable message", "topic", topic, "error", err)
			return
		}

		m.mu.Lock()
		var handlers []MessageHandler
		if entry, ok := m.subs[pattern]; ok {
			handlers = make([]MessageHandler, 0, len(entry.handlers))
			for _, h := range entry.handlers {
				handlers = append(handlers, h)
			}
		}
		m.mu.Unlock()

		for _, h := range handlers {
			h(topic, env)
		}
	}
}

// startOfflineTrackingLocked запоминает момент потери связи и взводит
// одноразовый таймер оповещения. Вызывается под мьютексом.
func (m *Manager) startOfflineTrackingLocked() {
	m.offlineSince = time.Now().UTC()
	m.offlineAlerted = false
	m.offlineTimer = time.AfterFunc(m.cfg.OfflineAlertThreshold, m.fireOfflineAlert)
}

// stopOfflineTrackingLocked отменяет учет офлайна и таймер оповещения.
// Вызывается под мьютексом при любом переходе, обесценивающем таймер.
func (m *Manager) stopOfflineTrackingLocked() {
	if m.offlineTimer != nil {
		m.offlineTimer.Stop()
		m.offlineTimer = nil
	}
	m.offlineSince = time.Time{}
	m.offlineAlerted = false
}

// fireOfflineAlert вызывает оповещение ровно один раз за период офлайна
func (m *Manager) fireOfflineAlert() {
	m.mu.Lock()
	if m.offlineSince.IsZero() || m.offlineAlerted {
		m.mu.Unlock()
		return
	}
	m.offlineAlerted = true
	cb := m.offlineAlert
	offlineFor := time.Since(m.offlineSince)
	m.mu.Unlock()

	m.logger.Warn("device offline past threshold", "offline_for", offlineFor)
	if cb != nil {
		cb(offlineFor)
	}
}

// isConnectedNow проверяет подлинность соединения: и автомат, и транспорт
// должны считать соединение живым
func (m *Manager) isConnectedNow() bool {
	m.mu.Lock()
	connected := m.info.State == StateConnected
	m.mu.Unlock()

	return connected && m.tr.IsConnected()
}

// topicsSnapshotLocked возвращает срез подписанных топиков с их QoS.
// Вызывается под мьютексом.
func (m *Manager) topicsSnapshotLocked() map[string]byte {
	topics := make(map[string]byte, len(m.subs))
	for topic, entry := range m.subs {
		topics[topic] = entry.qos
	}
	return topics
}

// updateInfoLocked мутирует состояние и возвращает снимок с наблюдателями.
// Наблюдатели вызываются после освобождения мьютекса.
func (m *Manager) updateInfoLocked(mutate func(*Info)) (Info, []func(Info)) {
	mutate(&m.info)

	watchers := make([]func(Info), 0, len(m.stateWatchers))
	for _, cb := range m.stateWatchers {
		watchers = append(watchers, cb)
	}

	return m.info, watchers
}

// notifyState последовательно уведомляет наблюдателей смены состояния
func notifyState(info Info, watchers []func(Info)) {
	for _, cb := range watchers {
		cb(info)
	}
}

// isOfflineEquivalent определяет класс ошибок "считать офлайном":
// транспортные ошибки соединения, таймауты и открытый circuit breaker
func isOfflineEquivalent(err error) bool {
	if transport.IsConnectionError(err) {
		return true
	}

	var timeoutErr *breaker.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var openErr *breaker.CircuitOpenError
	return errors.As(err, &openErr)
}
