package domain

// OrderSummary is the child-order shape returned by the HTTP surface.
type OrderSummary struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Status        string  `json:"status"`
	Qty           float64 `json:"qty"`
	FilledQty     float64 `json:"filled_qty"`
}

// CloseRequestView is the wire shape for a close request. The same shape is
// returned for first creation, idempotent replay, and the poll endpoint so
// clients never branch on how they got it.
type CloseRequestView struct {
	CloseRequestID string         `json:"close_request_id"`
	PositionID     string         `json:"position_id"`
	PositionStatus PositionStatus `json:"position_status"`
	Status         string         `json:"status"`
	TargetQty      float64        `json:"target_qty"`
	FilledQty      float64        `json:"filled_qty"`
	RetryCount     int            `json:"retry_count"`
	Orders         []OrderSummary `json:"orders"`
}

// NewCloseRequestView assembles the wire view from the durable records.
func NewCloseRequestView(r CloseRequest, p Position, orders []OrderRecord) CloseRequestView {
	summaries := make([]OrderSummary, 0, len(orders))
	for _, o := range orders {
		summaries = append(summaries, OrderSummary{
			BrokerOrderID: o.BrokerOrderID,
			Status:        string(o.Status),
			Qty:           o.Qty(),
			FilledQty:     o.FilledQty(),
		})
	}
	return CloseRequestView{
		CloseRequestID: r.ID,
		PositionID:     p.ID,
		PositionStatus: p.Status,
		Status:         string(r.Status),
		TargetQty:      r.TargetQty(),
		FilledQty:      r.FilledQty(),
		RetryCount:     r.RetryCount,
		Orders:         summaries,
	}
}
