package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrPositionLocked  = errors.New("position locked by another request")
	ErrNotClosable     = errors.New("position is not closable")
	ErrZeroQuantity    = errors.New("position quantity is zero")
	ErrLockHeld        = errors.New("lock already held")
	ErrNoPendingEvents = errors.New("no pending outbox events")

	// Broker collaborator errors. Rejected is terminal; Unavailable is
	// transient and may be retried; NotFound must never be treated as a
	// confirmed terminal state on its own.
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrOrderNotFound     = errors.New("order not found at broker")
)

// AlreadyClosingError is returned when a close is requested with a new
// idempotency key while another close request is still in flight for the
// same position. It carries the active request ID so callers can report it.
type AlreadyClosingError struct {
	ActiveCloseRequestID string
}

func (e *AlreadyClosingError) Error() string {
	return fmt.Sprintf("position already closing (active request %s)", e.ActiveCloseRequestID)
}
