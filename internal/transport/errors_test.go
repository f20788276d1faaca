package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		err      error
		name     string
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "conn error",
			err:      NewConnError("publish", errors.New("broker gone")),
			expected: true,
		},
		{
			name:     "wrapped conn error",
			err:      fmt.Errorf("publish failed: %w", NewConnError("publish", errors.New("broker gone"))),
			expected: true,
		},
		{
			name:     "net.ErrClosed",
			err:      net.ErrClosed,
			expected: true,
		},
		{
			name:     "net op error",
			err:      &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			expected: true,
		},
		{
			name:     "context cancellation is not a connection error",
			err:      context.Canceled,
			expected: false,
		},
		{
			name:     "context deadline is not a connection error",
			err:      context.DeadlineExceeded,
			expected: false,
		},
		{
			name:     "plain error",
			err:      errors.New("validation failed"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsConnectionError(tt.err))
		})
	}
}

func TestConnError_Unwrap(t *testing.T) {
	inner := errors.New("broker gone")
	err := NewConnError("publish", inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "publish")
}
