package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the broker-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the order can make no further progress at the
// broker. Filled is the unique maximal terminal state: once reached no
// update may change it.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusSubmitted, OrderStatusPartial,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderRecord is one broker order belonging to a CloseRequest. UpdateSeq is
// the broker-provided monotonic sequence used to discard replayed updates;
// NotFoundCount counts consecutive "not found at broker" reconciliation
// lookups.
type OrderRecord struct {
	ID             string
	CloseRequestID string
	BrokerOrderID  string
	Symbol         string
	Side           OrderSide
	QtyUnits       int64 // fixed-point: qty * 1e6
	FilledUnits    int64
	Status         OrderStatus
	UpdateSeq      *int64
	NotFoundCount  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Qty returns the float64 display quantity from fixed-point units.
func (o OrderRecord) Qty() float64 {
	return float64(o.QtyUnits) / 1e6
}

// FilledQty returns the float64 display filled quantity.
func (o OrderRecord) FilledQty() float64 {
	return float64(o.FilledUnits) / 1e6
}
