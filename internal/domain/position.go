package domain

import "time"

// PositionStatus tracks where a position sits in the close lifecycle.
type PositionStatus string

const (
	PositionStatusOpen           PositionStatus = "open"
	PositionStatusClosing        PositionStatus = "closing"
	PositionStatusClosed         PositionStatus = "closed"
	PositionStatusCloseRetryable PositionStatus = "close_retryable"
	PositionStatusCloseFailed    PositionStatus = "close_failed"
)

// Position is an exclusively-owned record of a tradable holding. At most one
// non-terminal CloseRequest may reference a position at any time; status
// "closing" implies ActiveCloseRequestID is non-nil, and vice versa.
type Position struct {
	ID                   string
	Symbol               string
	QtyUnits             int64 // fixed-point: qty * 1e6, negative for short
	Status               PositionStatus
	ActiveCloseRequestID *string
	OpenedAt             time.Time
	ClosedAt             *time.Time
	UpdatedAt            time.Time
}

// Qty returns the float64 display quantity from fixed-point units.
func (p Position) Qty() float64 {
	return float64(p.QtyUnits) / 1e6
}

// CloseSide returns the order side that unwinds the position: sell for a
// long holding, buy to cover a short.
func (p Position) CloseSide() OrderSide {
	if p.QtyUnits < 0 {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseUnits returns the absolute quantity that a full close must execute.
func (p Position) CloseUnits() int64 {
	if p.QtyUnits < 0 {
		return -p.QtyUnits
	}
	return p.QtyUnits
}
