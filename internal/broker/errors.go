package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrOrderRejected is returned when the broker declines an order
	ErrOrderRejected = errors.New("order rejected by broker")
	// ErrNotConnected is returned when a call is made without a live session
	ErrNotConnected = errors.New("broker not connected")
	// ErrPositionNotFound is returned when closing an unknown ticket
	ErrPositionNotFound = errors.New("position not found")
	// ErrUnknownSymbol is returned when the broker has no quotes for a symbol
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// TransientError marks a failure that may succeed on retry (timeouts,
// disconnects). It never carries tracker state changes by itself.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary reports that the failure is retryable
func (e *TransientError) Temporary() bool { return true }

// NewTransientError wraps err as a TransientError for operation op
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConnected)
}

// RejectedError carries the broker's reason for declining an order
type RejectedError struct {
	Symbol string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order for %s rejected: %s", e.Symbol, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrOrderRejected }
