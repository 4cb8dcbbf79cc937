package domain

import "time"

// CloseRequestStatus tracks the lifecycle of one logical close intent.
type CloseRequestStatus string

const (
	CloseRequestStatusPending   CloseRequestStatus = "pending"
	CloseRequestStatusSubmitted CloseRequestStatus = "submitted"
	CloseRequestStatusCompleted CloseRequestStatus = "completed"
	CloseRequestStatusRetryable CloseRequestStatus = "retryable"
	CloseRequestStatusFailed    CloseRequestStatus = "failed"
)

// Terminal reports whether the status is final. A terminal close request is
// immutable.
func (s CloseRequestStatus) Terminal() bool {
	return s == CloseRequestStatusCompleted || s == CloseRequestStatusFailed
}

// CloseRequest represents one "please close this position" intent, keyed by
// (position_id, idempotency_key) for exact replay detection. Retries create
// new OutboxEvents and OrderRecords against the same request; FilledUnits
// aggregates fills across all child orders and never decreases.
type CloseRequest struct {
	ID             string
	PositionID     string
	IdempotencyKey string
	Symbol         string
	Side           OrderSide
	TargetUnits    int64 // fixed-point: qty * 1e6
	FilledUnits    int64
	Status         CloseRequestStatus
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// RemainingUnits returns the quantity still outstanding.
func (r CloseRequest) RemainingUnits() int64 {
	rem := r.TargetUnits - r.FilledUnits
	if rem < 0 {
		return 0
	}
	return rem
}

// TargetQty returns the float64 display target quantity.
func (r CloseRequest) TargetQty() float64 {
	return float64(r.TargetUnits) / 1e6
}

// FilledQty returns the float64 display filled quantity.
func (r CloseRequest) FilledQty() float64 {
	return float64(r.FilledUnits) / 1e6
}
