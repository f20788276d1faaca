// Package breaker реализует circuit breaker с таймаут-оберткой для
// удаленных вызовов. После серии подряд идущих сбоев вызовы быстро
// отклоняются на время cooldown-окна, не нагружая недоступный брокер.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mangobiz/possync/internal/transport"
)

const (
	// FailureThreshold - число подряд идущих сбоев, открывающее circuit
	FailureThreshold = 3
	// OpenCooldown - длительность окна, в течение которого вызовы
	// отклоняются без попытки выполнения
	OpenCooldown = 30 * time.Second
	// DefaultTimeout - таймаут удаленного вызова по умолчанию
	DefaultTimeout = 10 * time.Second
)

// TimeoutError означает, что операция не уложилась в отведенное время
type TimeoutError struct {
	Op      string        // Op имя операции
	Timeout time.Duration // Timeout превышенный дедлайн
}

// Error returns error message
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Op, e.Timeout)
}

// CircuitOpenError означает быстрый отказ: circuit открыт после серии сбоев
type CircuitOpenError struct {
	Until time.Time // Until момент окончания cooldown-окна
}

// Error returns error message
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open until %s", e.Until.Format(time.RFC3339))
}

// Breaker представляет общий для процесса circuit breaker.
// Все удаленные вызовы, проходящие через обертку, разделяют один
// счетчик подряд идущих сбоев.
type Breaker struct {
	now      func() time.Time
	logger   *slog.Logger
	openUntil time.Time
	failures int
	mu       sync.Mutex
}

// New creates a breaker with the real clock
func New(logger *slog.Logger) *Breaker {
	return NewWithClock(logger, time.Now)
}

// NewWithClock creates a breaker with an injected clock.
// Используется в тестах для управления cooldown-окном.
func NewWithClock(logger *slog.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		logger: logger,
		now:    now,
	}
}

// Execute выполняет удаленный вызов под защитой breaker и таймаута.
// Открытый circuit дает немедленный CircuitOpenError без вызова операции;
// по истечении cooldown первый же вызов пропускается, и circuit неявно
// закрывается (ленивая проверка, отдельного таймера нет).
// Опоздавший результат операции после сработавшего таймаута отбрасывается.
func (b *Breaker) Execute(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Буфер на 1: опоздавшая горутина завершится, даже если результат
	// уже никому не нужен
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			b.recordSuccess()
			return nil
		}
		if b.isCountedFailure(err) {
			b.recordFailure(op, err)
		}
		return err

	case <-timer.C:
		cancel()
		err := &TimeoutError{Op: op, Timeout: timeout}
		b.recordFailure(op, err)
		return err

	case <-ctx.Done():
		return fmt.Errorf("operation %q aborted: %w", op, ctx.Err())
	}
}

// ExecuteSafe - вариант для некритичных фоновых операций: ошибки таймаута
// и открытого circuit не отдаются вызывающему, а только логируются.
func (b *Breaker) ExecuteSafe(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	err := b.Execute(ctx, op, timeout, fn)
	if err == nil {
		return nil
	}

	var timeoutErr *TimeoutError
	var openErr *CircuitOpenError
	if errors.As(err, &timeoutErr) || errors.As(err, &openErr) {
		b.logger.Debug("background operation suppressed", "operation", op, "error", err)
		return nil
	}

	return err
}

// State возвращает текущее состояние breaker для диагностики
func (b *Breaker) State() (failures int, openUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.openUntil
}

// allow проверяет, пропускает ли breaker вызов.
// Истекшее cooldown-окно сбрасывается лениво здесь.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return nil
	}

	if b.now().Before(b.openUntil) {
		return &CircuitOpenError{Until: b.openUntil}
	}

	// Cooldown истек - закрываем circuit и пропускаем вызов
	b.openUntil = time.Time{}
	b.failures = 0
	b.logger.Info("circuit breaker closed after cooldown")

	return nil
}

// recordSuccess сбрасывает счетчик сбоев
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// recordFailure учитывает сбой и открывает circuit при достижении порога
func (b *Breaker) recordFailure(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.failures >= FailureThreshold && b.openUntil.IsZero() {
		b.openUntil = b.now().Add(OpenCooldown)
		b.logger.Warn("circuit breaker opened",
			"operation", op,
			"consecutive_failures", b.failures,
			"open_until", b.openUntil,
			"error", err)
	}
}

// isCountedFailure определяет, учитывается ли ошибка счетчиком сбоев:
// таймауты и ошибки сетевого класса - да, бизнес-ошибки - нет
func (b *Breaker) isCountedFailure(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transport.IsConnectionError(err)
}
