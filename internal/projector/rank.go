package projector

import "github.com/castlerow/unwind/internal/domain"

// statusRank orders broker order statuses by lifecycle progress. Updates may
// arrive out of order, duplicated, or delayed; an update is only applied
// when its rank is at least the stored rank, so state only moves forward.
// Cancelled, rejected and expired share a rank because none outranks the
// others; filled outranks everything and is locked once reached.
func statusRank(s domain.OrderStatus) int {
	switch s {
	case domain.OrderStatusNew:
		return 0
	case domain.OrderStatusSubmitted:
		return 1
	case domain.OrderStatusPartial:
		return 2
	case domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusExpired:
		return 3
	case domain.OrderStatusFilled:
		return 4
	default:
		return -1
	}
}

// advances reports whether an update carrying status next may replace the
// stored status cur. Filled is final; everything else admits equal-or-higher
// rank so a repeated terminal update is idempotent.
func advances(cur, next domain.OrderStatus) bool {
	if cur == domain.OrderStatusFilled {
		return false
	}
	return statusRank(next) >= statusRank(cur)
}
