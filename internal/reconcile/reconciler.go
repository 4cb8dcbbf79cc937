// Package reconcile is the self-healing sweep over close-position state.
// Every interval it hunts for requests abandoned by a crash, orders the
// broker stopped reporting on, and retryable requests with budget left,
// then asserts the cross-entity invariants the rest of the pipeline relies
// on. Every sweep is idempotent: running it twice is the same as once.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// lockKey guards the sweeps so only one instance reconciles at a time.
const lockKey = "reconciler"

// maxNotFound is how many consecutive broker "order not found" lookups it
// takes before an order is escalated. An unconfirmed absence is never
// treated as a safe terminal state.
const maxNotFound = 3

// Alerter raises operator alerts. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// UpdateApplier folds broker order updates into durable state. Satisfied by
// projector.Projector.
type UpdateApplier interface {
	Apply(ctx context.Context, upd domain.BrokerOrderUpdate) error
}

// Config holds the reconciler's tunables.
type Config struct {
	Interval          time.Duration // sweep cadence
	ZombiePendingAge  time.Duration // PENDING with no outbox progress for this long is a zombie
	StuckSubmittedAge time.Duration // SUBMITTED with no update for this long gets a broker poll
	QueryTimeout      time.Duration // per-order broker poll deadline
	LockTTL           time.Duration // leader lock TTL
}

// Reconciler periodically repairs close-position state.
type Reconciler struct {
	cfg       Config
	stores    domain.Stores
	tx        domain.TxRunner
	broker    domain.BrokerQuery
	projector UpdateApplier
	locks     domain.LockManager
	alerts    Alerter
	logger    *slog.Logger
}

// New creates a Reconciler. locks and alerts may be nil; without locks the
// sweeps assume a single instance.
func New(cfg Config, stores domain.Stores, tx domain.TxRunner, broker domain.BrokerQuery, projector UpdateApplier, locks domain.LockManager, alerts Alerter, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		stores:    stores,
		tx:        tx,
		broker:    broker,
		projector: projector,
		locks:     locks,
		alerts:    alerts,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started",
		slog.Duration("interval", r.cfg.Interval),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all four passes once, under the leader lock when configured.
func (r *Reconciler) Sweep(ctx context.Context) {
	if r.locks != nil {
		release, err := r.locks.Acquire(ctx, lockKey, r.cfg.LockTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				r.logger.ErrorContext(ctx, "acquire reconciler lock failed",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		defer release()
	}

	r.sweepZombiePending(ctx)
	r.sweepStuckSubmitted(ctx)
	r.sweepRetryable(ctx)
	r.sweepInvariants(ctx)
}

// sweepZombiePending handles PENDING requests whose outbox event never
// progressed. A missing event means nothing was ever submitted, so the
// request fails and the position safely returns to open. A processing
// event abandoned by a dead worker mid-broker-call has an unknown outcome
// and escalates for human review instead of being retried blindly.
func (r *Reconciler) sweepZombiePending(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.ZombiePendingAge)
	requests, err := r.stores.CloseRequests.ListPendingBefore(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "list zombie pending requests failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, req := range requests {
		ev, err := r.stores.Outbox.GetActiveForRequest(ctx, req.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			r.rollBackLostRequest(ctx, req)
		case err != nil:
			r.logger.ErrorContext(ctx, "load outbox event failed",
				slog.String("close_request_id", req.ID),
				slog.String("error", err.Error()),
			)
		case ev.Status == domain.OutboxStatusProcessing && ev.ClaimedAt != nil && ev.ClaimedAt.Before(cutoff):
			r.escalateStaleProcessing(ctx, req, ev)
		default:
			// Live pending event, the relay just has not reached it yet.
		}
	}
}

// rollBackLostRequest fails a request that never produced an outbox event.
// Nothing was submitted, so the position returns to open.
func (r *Reconciler) rollBackLostRequest(ctx context.Context, req domain.CloseRequest) {
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		cur, err := tx.CloseRequests.GetByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.CloseRequestStatusPending {
			return nil
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, req.ID, domain.CloseRequestStatusFailed); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, req.PositionID, domain.PositionStatusOpen, nil); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "reconcile.zombie_rolled_back", map[string]any{
			"close_request_id": req.ID,
			"position_id":      req.PositionID,
		})
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "roll back zombie request failed",
			slog.String("close_request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.WarnContext(ctx, "zombie pending request rolled back",
		slog.String("close_request_id", req.ID),
		slog.String("position_id", req.PositionID),
	)
}

// escalateStaleProcessing fails a request whose outbox event was claimed by
// a worker that died mid-broker-call. The submission outcome is unknown, so
// the position escalates for human review.
func (r *Reconciler) escalateStaleProcessing(ctx context.Context, req domain.CloseRequest, ev domain.OutboxEvent) {
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		if err := tx.Outbox.MarkFailed(ctx, ev.ID); err != nil {
			return err
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, req.ID, domain.CloseRequestStatusFailed); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, req.PositionID, domain.PositionStatusCloseFailed, nil); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "reconcile.stale_processing_escalated", map[string]any{
			"close_request_id": req.ID,
			"position_id":      req.PositionID,
			"event_id":         ev.ID,
		})
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "escalate stale processing event failed",
			slog.String("close_request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.alert(ctx, "close_failed", "Stale submission escalated",
		fmt.Sprintf("close request %s has an outbox event claimed by a dead worker; submission outcome unknown, position %s needs review", req.ID, req.PositionID))
}

// sweepStuckSubmitted polls the broker for orders that stopped reporting
// and feeds the results through the projector.
func (r *Reconciler) sweepStuckSubmitted(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.StuckSubmittedAge)
	requests, err := r.stores.CloseRequests.ListSubmittedBefore(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "list stuck submitted requests failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, req := range requests {
		orders, err := r.stores.Orders.ListByRequest(ctx, req.ID)
		if err != nil {
			r.logger.ErrorContext(ctx, "list orders failed",
				slog.String("close_request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, order := range orders {
			if order.Status.Terminal() {
				continue
			}
			r.pollOrder(ctx, req, order)
		}
	}
}

// pollOrder queries the broker for one order and applies the outcome.
func (r *Reconciler) pollOrder(ctx context.Context, req domain.CloseRequest, order domain.OrderRecord) {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	upd, err := r.broker.QueryOrder(qctx, order.BrokerOrderID)
	cancel()

	switch {
	case err == nil:
		if rerr := r.resetNotFound(ctx, order); rerr != nil {
			r.logger.ErrorContext(ctx, "reset not-found counter failed",
				slog.String("broker_order_id", order.BrokerOrderID),
				slog.String("error", rerr.Error()),
			)
		}
		if aerr := r.projector.Apply(ctx, upd); aerr != nil {
			r.logger.ErrorContext(ctx, "apply polled update failed",
				slog.String("broker_order_id", order.BrokerOrderID),
				slog.String("error", aerr.Error()),
			)
		}
	case errors.Is(err, domain.ErrOrderNotFound):
		r.recordNotFound(ctx, req, order)
	default:
		r.logger.WarnContext(ctx, "broker poll failed",
			slog.String("broker_order_id", order.BrokerOrderID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) resetNotFound(ctx context.Context, order domain.OrderRecord) error {
	if order.NotFoundCount == 0 {
		return nil
	}
	return r.tx.InTx(ctx, func(tx domain.Stores) error {
		cur, err := tx.Orders.GetByBrokerIDForUpdate(ctx, order.BrokerOrderID)
		if err != nil {
			return err
		}
		if cur.NotFoundCount == 0 {
			return nil
		}
		cur.NotFoundCount = 0
		return tx.Orders.Update(ctx, cur)
	})
}

// recordNotFound counts a consecutive broker "not found" and escalates the
// request after the third one.
func (r *Reconciler) recordNotFound(ctx context.Context, req domain.CloseRequest, order domain.OrderRecord) {
	var escalated bool
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		cur, err := tx.Orders.GetByBrokerIDForUpdate(ctx, order.BrokerOrderID)
		if err != nil {
			return err
		}
		cur.NotFoundCount++
		if err := tx.Orders.Update(ctx, cur); err != nil {
			return err
		}
		if cur.NotFoundCount < maxNotFound {
			return nil
		}

		escalated = true
		if err := tx.CloseRequests.UpdateStatus(ctx, req.ID, domain.CloseRequestStatusFailed); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, req.PositionID, domain.PositionStatusCloseFailed, nil); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "reconcile.order_not_found_escalated", map[string]any{
			"close_request_id": req.ID,
			"position_id":      req.PositionID,
			"broker_order_id":  order.BrokerOrderID,
			"not_found_count":  cur.NotFoundCount,
		})
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "record broker not-found failed",
			slog.String("broker_order_id", order.BrokerOrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	if escalated {
		r.alert(ctx, "close_failed", "Order lost at broker",
			fmt.Sprintf("order %s for close request %s reported not found %d times; position %s needs review", order.BrokerOrderID, req.ID, maxNotFound, req.PositionID))
	}
}

// sweepRetryable re-submits requests parked in RETRYABLE that still have
// retry budget, enqueueing a fresh outbox event for the remaining quantity.
func (r *Reconciler) sweepRetryable(ctx context.Context) {
	requests, err := r.stores.CloseRequests.ListRetryable(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list retryable requests failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, req := range requests {
		if req.RetryCount >= req.MaxRetries {
			r.escalateExhausted(ctx, req)
			continue
		}
		r.retry(ctx, req)
	}
}

func (r *Reconciler) retry(ctx context.Context, req domain.CloseRequest) {
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		if _, err := tx.Positions.GetForUpdate(ctx, req.PositionID); err != nil {
			return err
		}
		cur, err := tx.CloseRequests.GetByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.CloseRequestStatusRetryable {
			return nil
		}

		payload, err := json.Marshal(domain.SubmitClosePayload{
			CloseRequestID: cur.ID,
			PositionID:     cur.PositionID,
			Symbol:         cur.Symbol,
			Side:           cur.Side,
			QtyUnits:       cur.RemainingUnits(),
			Attempt:        cur.RetryCount + 1,
		})
		if err != nil {
			return fmt.Errorf("reconcile: marshal retry payload: %w", err)
		}
		if err := tx.Outbox.Enqueue(ctx, domain.OutboxEvent{
			EventType:      domain.EventTypeSubmitCloseOrder,
			CloseRequestID: cur.ID,
			Payload:        payload,
			Status:         domain.OutboxStatusPending,
			AvailableAt:    time.Now(),
		}); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return nil
			}
			return err
		}
		if err := tx.CloseRequests.IncrementRetry(ctx, cur.ID); err != nil {
			return err
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, cur.ID, domain.CloseRequestStatusSubmitted); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, cur.PositionID, domain.PositionStatusClosing, &cur.ID); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "close_request.retried", map[string]any{
			"close_request_id": cur.ID,
			"position_id":      cur.PositionID,
			"retry_count":      cur.RetryCount + 1,
			"remaining_units":  cur.RemainingUnits(),
		})
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "retry close request failed",
			slog.String("close_request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.InfoContext(ctx, "close request retried",
		slog.String("close_request_id", req.ID),
		slog.Int("retry_count", req.RetryCount+1),
	)
}

// escalateExhausted fails a retryable request whose budget is spent.
func (r *Reconciler) escalateExhausted(ctx context.Context, req domain.CloseRequest) {
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		cur, err := tx.CloseRequests.GetByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status != domain.CloseRequestStatusRetryable {
			return nil
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, req.ID, domain.CloseRequestStatusFailed); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, req.PositionID, domain.PositionStatusCloseFailed, nil); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "close_request.retries_exhausted", map[string]any{
			"close_request_id": req.ID,
			"position_id":      req.PositionID,
			"retry_count":      req.RetryCount,
		})
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "escalate exhausted request failed",
			slog.String("close_request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.alert(ctx, "close_failed", "Retry budget exhausted",
		fmt.Sprintf("close request %s for position %s exhausted its %d retries with %.6f of %.6f filled", req.ID, req.PositionID, req.MaxRetries, req.FilledQty(), req.TargetQty()))
}

// sweepInvariants asserts the cross-entity invariants and corrects
// violations. This is the last line of defense against bugs elsewhere.
func (r *Reconciler) sweepInvariants(ctx context.Context) {
	// A closing position must reference its active close request.
	closing, err := r.stores.Positions.ListByStatus(ctx, domain.PositionStatusClosing)
	if err != nil {
		r.logger.ErrorContext(ctx, "list closing positions failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, p := range closing {
		if p.ActiveCloseRequestID != nil {
			continue
		}
		r.logger.ErrorContext(ctx, "invariant violation: closing position without active request",
			slog.String("position_id", p.ID),
		)
		err := r.tx.InTx(ctx, func(tx domain.Stores) error {
			cur, err := tx.Positions.GetForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.PositionStatusClosing || cur.ActiveCloseRequestID != nil {
				return nil
			}
			if err := tx.Positions.UpdateCloseState(ctx, p.ID, domain.PositionStatusOpen, nil); err != nil {
				return err
			}
			return tx.Audit.Log(ctx, "reconcile.invariant_corrected", map[string]any{
				"position_id": p.ID,
				"violation":   "closing_without_active_request",
			})
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "correct invariant violation failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.alert(ctx, "invariant_violation", "Invariant corrected",
			fmt.Sprintf("position %s was closing with no active close request; rolled back to open", p.ID))
	}

	// A submitted request must belong to a closing position.
	submitted, err := r.stores.CloseRequests.ListSubmittedBefore(ctx, time.Now())
	if err != nil {
		r.logger.ErrorContext(ctx, "list submitted requests failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, req := range submitted {
		p, err := r.stores.Positions.GetByID(ctx, req.PositionID)
		if err != nil {
			r.logger.ErrorContext(ctx, "load position failed",
				slog.String("position_id", req.PositionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p.Status == domain.PositionStatusClosing {
			continue
		}
		r.logger.ErrorContext(ctx, "invariant violation: submitted request on non-closing position",
			slog.String("close_request_id", req.ID),
			slog.String("position_id", p.ID),
			slog.String("position_status", string(p.Status)),
		)
		reqID := req.ID
		err = r.tx.InTx(ctx, func(tx domain.Stores) error {
			cur, err := tx.Positions.GetForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if cur.Status == domain.PositionStatusClosing || cur.Status == domain.PositionStatusClosed {
				return nil
			}
			if err := tx.Positions.UpdateCloseState(ctx, p.ID, domain.PositionStatusClosing, &reqID); err != nil {
				return err
			}
			return tx.Audit.Log(ctx, "reconcile.invariant_corrected", map[string]any{
				"position_id":      p.ID,
				"close_request_id": reqID,
				"violation":        "submitted_request_on_non_closing_position",
			})
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "correct invariant violation failed",
				slog.String("close_request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.alert(ctx, "invariant_violation", "Invariant corrected",
			fmt.Sprintf("close request %s was submitted while position %s was %s; position moved to closing", req.ID, p.ID, p.Status))
	}
}

func (r *Reconciler) alert(ctx context.Context, event, title, message string) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "alert dispatch failed",
			slog.String("error", err.Error()),
		)
	}
}
