package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConnError представляет ошибку транспортного уровня, эквивалентную
// потере соединения. Публикации, завершившиеся такой ошибкой,
// перенаправляются в офлайн-очередь, а не отдаются вызывающему.
// Классификация по типу, не по подстроке текста ошибки.
type ConnError struct {
	Err error  // Err исходная ошибка транспорта
	Op  string // Op операция, на которой соединение потеряно
}

// Error returns error message
func (e *ConnError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnError) Unwrap() error {
	return e.Err
}

// NewConnError оборачивает ошибку транспорта для классификации
func NewConnError(op string, err error) *ConnError {
	return &ConnError{Op: op, Err: err}
}

// IsConnectionError определяет, относится ли ошибка к классу
// "считать офлайном, не падать": обернутые транспортом ошибки соединения
// и сетевые ошибки стандартной библиотеки. Ошибки контекста сюда
// не входят - отмена вызывающим не означает потерю связи.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connErr *ConnError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, net.ErrClosed)
}
