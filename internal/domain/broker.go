package domain

import "context"

// OrderHandle is the broker's acknowledgement of a submitted order. Some
// brokers fill marketable orders synchronously, so the handle may already
// carry a status beyond "submitted" and a non-zero fill.
type OrderHandle struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledUnits   int64
}

// BrokerOrderUpdate is one asynchronous status update for a broker order,
// delivered by push callback or poll. UpdateSeq, when the broker provides
// it, increases monotonically per order.
type BrokerOrderUpdate struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledUnits   int64
	UpdateSeq     *int64
}

// OrderSubmission submits orders to the external broker. Submit returns
// ErrOrderRejected when the broker refuses the order outright (terminal,
// never retried) and ErrBrokerUnavailable on transport or timeout failures
// (transient, retried with backoff).
type OrderSubmission interface {
	Submit(ctx context.Context, symbol string, side OrderSide, qtyUnits int64) (OrderHandle, error)
}

// BrokerQuery polls the broker for the current state of an order. It
// returns ErrOrderNotFound when the broker has no record of the order and
// ErrBrokerUnavailable on transient failures.
type BrokerQuery interface {
	QueryOrder(ctx context.Context, brokerOrderID string) (BrokerOrderUpdate, error)
}
