package domain

import "time"

// OutboxStatus tracks the processing state of a durable outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusCompleted  OutboxStatus = "completed"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// EventTypeSubmitCloseOrder instructs the relay to submit a close order to
// the broker.
const EventTypeSubmitCloseOrder = "submit_close_order"

// OutboxEvent is a durable instruction to perform one external side effect,
// written in the same transaction as the state change that triggered it.
// At most one pending/processing event may exist per close request; the
// store enforces this with a partial unique index, which is what prevents a
// duplicate order submission after a crash-and-restart.
type OutboxEvent struct {
	ID             int64
	EventType      string
	CloseRequestID string
	Payload        []byte // JSON
	Status         OutboxStatus
	RetryCount     int
	AvailableAt    time.Time // earliest claim time, pushed out on retry backoff
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubmitClosePayload is the JSON payload of a submit_close_order event.
type SubmitClosePayload struct {
	CloseRequestID string    `json:"close_request_id"`
	PositionID     string    `json:"position_id"`
	Symbol         string    `json:"symbol"`
	Side           OrderSide `json:"side"`
	QtyUnits       int64     `json:"qty_units"`
	Attempt        int       `json:"attempt"`
}
