// Package projector applies broker order updates to durable state. It is
// the single write path for order progress: the push callback, the broker
// poll in the reconciler, and the relay's synchronous-fill handling all
// funnel through Apply, so the ordering rules live in exactly one place.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/castlerow/unwind/internal/domain"
)

// ChannelCloseRequests is the signal bus channel carrying close request
// status changes.
const ChannelCloseRequests = "unwind:close_requests"

// Alerter raises operator alerts. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Projector folds asynchronous broker order updates into order records,
// close requests and positions under one transaction per update.
type Projector struct {
	tx     domain.TxRunner
	bus    domain.SignalBus
	alerts Alerter
	logger *slog.Logger
}

// New creates a Projector. bus and alerts may be nil.
func New(tx domain.TxRunner, bus domain.SignalBus, alerts Alerter, logger *slog.Logger) *Projector {
	return &Projector{
		tx:     tx,
		bus:    bus,
		alerts: alerts,
		logger: logger.With(slog.String("component", "projector")),
	}
}

// applied captures what a transaction decided, for post-commit side effects.
type applied struct {
	request       domain.CloseRequest
	position      domain.Position
	statusChanged bool
}

// Apply folds one broker order update into durable state. Unknown broker
// order IDs return domain.ErrNotFound. Stale or replayed updates are
// absorbed without effect: status may never move backward, fill quantity
// may never decrease, and a terminal close request is immutable.
func (p *Projector) Apply(ctx context.Context, upd domain.BrokerOrderUpdate) error {
	if !upd.Status.Valid() {
		return fmt.Errorf("projector: invalid order status %q", upd.Status)
	}
	if upd.FilledUnits < 0 {
		return fmt.Errorf("projector: negative fill for order %s", upd.BrokerOrderID)
	}

	var out applied
	err := p.tx.InTx(ctx, func(tx domain.Stores) error {
		order, err := tx.Orders.GetByBrokerIDForUpdate(ctx, upd.BrokerOrderID)
		if err != nil {
			return err
		}

		request, err := tx.CloseRequests.GetByID(ctx, order.CloseRequestID)
		if err != nil {
			return fmt.Errorf("projector: load close request %s: %w", order.CloseRequestID, err)
		}
		if request.Status.Terminal() {
			p.logger.DebugContext(ctx, "update after terminal request ignored",
				slog.String("close_request_id", request.ID),
				slog.String("broker_order_id", upd.BrokerOrderID),
			)
			return nil
		}

		// A replayed sequence number invalidates the status claim but a
		// higher fill is still real progress, so the fill merges anyway.
		stale := upd.UpdateSeq != nil && order.UpdateSeq != nil && *upd.UpdateSeq <= *order.UpdateSeq

		changed := false
		if upd.FilledUnits > order.FilledUnits {
			order.FilledUnits = upd.FilledUnits
			changed = true
		}
		if !stale && advances(order.Status, upd.Status) {
			if order.Status != upd.Status {
				changed = true
			}
			order.Status = upd.Status
		}
		if upd.UpdateSeq != nil && (order.UpdateSeq == nil || *upd.UpdateSeq > *order.UpdateSeq) {
			seq := *upd.UpdateSeq
			order.UpdateSeq = &seq
			changed = true
		}
		if order.Status != domain.OrderStatusNew {
			// Any accepted update proves the broker has the order.
			if order.NotFoundCount != 0 {
				order.NotFoundCount = 0
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := tx.Orders.Update(ctx, order); err != nil {
			return err
		}

		return p.evaluate(ctx, tx, request, &out)
	})
	if err != nil {
		return err
	}

	p.afterCommit(ctx, out)
	return nil
}

// evaluate recomputes the close request aggregate from all child orders and
// settles the request and position when every order is terminal.
func (p *Projector) evaluate(ctx context.Context, tx domain.Stores, request domain.CloseRequest, out *applied) error {
	orders, err := tx.Orders.ListByRequest(ctx, request.ID)
	if err != nil {
		return err
	}

	var filled int64
	allTerminal := len(orders) > 0
	for _, o := range orders {
		filled += o.FilledUnits
		if !o.Status.Terminal() {
			allTerminal = false
		}
	}
	// Aggregate fill never regresses even if an order row was reset.
	if filled < request.FilledUnits {
		filled = request.FilledUnits
	}

	position, err := tx.Positions.GetForUpdate(ctx, request.PositionID)
	if err != nil {
		return fmt.Errorf("projector: lock position %s: %w", request.PositionID, err)
	}

	prevStatus := request.Status
	next := request.Status
	rollbackOpen := false
	if allTerminal {
		switch {
		case filled >= request.TargetUnits:
			next = domain.CloseRequestStatusCompleted
		case filled == 0:
			// Nothing executed, so the position safely returns to open
			// and the caller may issue a fresh close.
			next = domain.CloseRequestStatusFailed
			rollbackOpen = true
		case request.RetryCount < request.MaxRetries:
			next = domain.CloseRequestStatusRetryable
		default:
			next = domain.CloseRequestStatusFailed
		}
	}

	if err := tx.CloseRequests.UpdateProgress(ctx, request.ID, filled, next); err != nil {
		return err
	}
	request.FilledUnits = filled
	request.Status = next

	switch next {
	case domain.CloseRequestStatusCompleted:
		if err := tx.Positions.UpdateCloseState(ctx, position.ID, domain.PositionStatusClosed, nil); err != nil {
			return err
		}
		position.Status = domain.PositionStatusClosed
		position.ActiveCloseRequestID = nil
	case domain.CloseRequestStatusRetryable:
		if err := tx.Positions.UpdateCloseState(ctx, position.ID, domain.PositionStatusCloseRetryable, &request.ID); err != nil {
			return err
		}
		position.Status = domain.PositionStatusCloseRetryable
	case domain.CloseRequestStatusFailed:
		posStatus := domain.PositionStatusCloseFailed
		if rollbackOpen {
			posStatus = domain.PositionStatusOpen
		}
		if err := tx.Positions.UpdateCloseState(ctx, position.ID, posStatus, nil); err != nil {
			return err
		}
		position.Status = posStatus
		position.ActiveCloseRequestID = nil
	}

	out.request = request
	out.position = position
	out.statusChanged = next != prevStatus

	if out.statusChanged {
		return tx.Audit.Log(ctx, "close_request."+string(next), map[string]any{
			"close_request_id": request.ID,
			"position_id":      position.ID,
			"filled_units":     filled,
			"target_units":     request.TargetUnits,
			"retry_count":      request.RetryCount,
		})
	}
	return nil
}

// afterCommit performs side effects that must not run inside the
// transaction.
func (p *Projector) afterCommit(ctx context.Context, out applied) {
	if out.request.ID == "" {
		return
	}

	if p.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"close_request_id": out.request.ID,
			"position_id":      out.position.ID,
			"status":           string(out.request.Status),
			"position_status":  string(out.position.Status),
			"filled_qty":       out.request.FilledQty(),
			"target_qty":       out.request.TargetQty(),
		})
		if err == nil {
			if err := p.bus.Publish(ctx, ChannelCloseRequests, payload); err != nil {
				p.logger.WarnContext(ctx, "publish status change failed",
					slog.String("close_request_id", out.request.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if out.statusChanged && out.request.Status == domain.CloseRequestStatusFailed && p.alerts != nil {
		msg := fmt.Sprintf("close request %s for position %s failed with %.6f of %.6f filled",
			out.request.ID, out.position.ID, out.request.FilledQty(), out.request.TargetQty())
		if err := p.alerts.Notify(ctx, "close_failed", "Close request failed", msg); err != nil {
			p.logger.WarnContext(ctx, "alert dispatch failed",
				slog.String("error", err.Error()),
			)
		}
	}

	p.logger.InfoContext(ctx, "order update applied",
		slog.String("close_request_id", out.request.ID),
		slog.String("status", string(out.request.Status)),
		slog.Int64("filled_units", out.request.FilledUnits),
	)
}
