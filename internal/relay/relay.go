// Package relay drains the outbox and performs the broker submissions the
// outbox events describe. It is the only component that calls the broker's
// order submission API: intake never talks to the broker directly, so an
// accepted close request survives a crash and is submitted after restart.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/castlerow/unwind/internal/domain"
)

// Alerter raises operator alerts. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// UpdateApplier folds broker order updates into durable state. Satisfied by
// projector.Projector.
type UpdateApplier interface {
	Apply(ctx context.Context, upd domain.BrokerOrderUpdate) error
}

// Config holds the relay's tunables.
type Config struct {
	PollInterval  time.Duration // outbox poll cadence
	SubmitTimeout time.Duration // per-submission broker deadline
	MaxAttempts   int           // total submission attempts per event
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	BackoffMax    time.Duration // retry delay ceiling
}

// Relay claims outbox events and submits close orders to the broker.
type Relay struct {
	cfg       Config
	outbox    domain.OutboxStore
	tx        domain.TxRunner
	broker    domain.OrderSubmission
	projector UpdateApplier
	alerts    Alerter
	logger    *slog.Logger
}

// New creates a Relay. alerts may be nil.
func New(cfg Config, outbox domain.OutboxStore, tx domain.TxRunner, broker domain.OrderSubmission, projector UpdateApplier, alerts Alerter, logger *slog.Logger) *Relay {
	return &Relay{
		cfg:       cfg,
		outbox:    outbox,
		tx:        tx,
		broker:    broker,
		projector: projector,
		alerts:    alerts,
		logger:    logger.With(slog.String("component", "relay")),
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "relay started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "relay stopped")
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain processes claimed events until the queue is empty.
func (r *Relay) drain(ctx context.Context) {
	for {
		ev, err := r.outbox.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNoPendingEvents) {
				r.logger.ErrorContext(ctx, "claim outbox event failed",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if err := r.process(ctx, ev); err != nil {
			r.logger.ErrorContext(ctx, "process outbox event failed",
				slog.Int64("event_id", ev.ID),
				slog.String("close_request_id", ev.CloseRequestID),
				slog.String("error", err.Error()),
			)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// process handles one claimed event. The broker call runs outside any
// transaction; only its recorded outcome is transactional.
func (r *Relay) process(ctx context.Context, ev domain.OutboxEvent) error {
	if ev.EventType != domain.EventTypeSubmitCloseOrder {
		r.logger.WarnContext(ctx, "unknown outbox event type",
			slog.Int64("event_id", ev.ID),
			slog.String("event_type", ev.EventType),
		)
		return r.outbox.MarkFailed(ctx, ev.ID)
	}

	var payload domain.SubmitClosePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		if ferr := r.failEvent(ctx, ev, "malformed outbox payload"); ferr != nil {
			return ferr
		}
		return fmt.Errorf("relay: decode payload for event %d: %w", ev.ID, err)
	}

	subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	handle, err := r.broker.Submit(subCtx, payload.Symbol, payload.Side, payload.QtyUnits)
	cancel()

	switch {
	case err == nil:
		return r.recordSubmission(ctx, ev, payload, handle)
	case errors.Is(err, domain.ErrOrderRejected):
		// Terminal rejection. Retrying an order the broker refuses to
		// accept cannot succeed, so the request fails immediately.
		return r.failEvent(ctx, ev, "order rejected by broker")
	default:
		return r.retryOrFail(ctx, ev, err)
	}
}

// recordSubmission persists a successful broker submission and then folds
// any synchronous fill through the projector.
func (r *Relay) recordSubmission(ctx context.Context, ev domain.OutboxEvent, payload domain.SubmitClosePayload, handle domain.OrderHandle) error {
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		if err := tx.Outbox.MarkCompleted(ctx, ev.ID); err != nil {
			return err
		}
		if err := tx.Orders.Create(ctx, domain.OrderRecord{
			ID:             uuid.NewString(),
			CloseRequestID: payload.CloseRequestID,
			BrokerOrderID:  handle.BrokerOrderID,
			Symbol:         payload.Symbol,
			Side:           payload.Side,
			QtyUnits:       payload.QtyUnits,
			Status:         domain.OrderStatusSubmitted,
		}); err != nil {
			return err
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, payload.CloseRequestID, domain.CloseRequestStatusSubmitted); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, "order.submitted", map[string]any{
			"close_request_id": payload.CloseRequestID,
			"broker_order_id":  handle.BrokerOrderID,
			"qty_units":        payload.QtyUnits,
			"attempt":          payload.Attempt,
		})
	})
	if err != nil {
		return fmt.Errorf("relay: record submission for %s: %w", payload.CloseRequestID, err)
	}

	r.logger.InfoContext(ctx, "close order submitted",
		slog.String("close_request_id", payload.CloseRequestID),
		slog.String("broker_order_id", handle.BrokerOrderID),
		slog.Int("attempt", payload.Attempt),
	)

	// Some brokers fill marketable orders in the submission response.
	if handle.Status != domain.OrderStatusSubmitted || handle.FilledUnits > 0 {
		if err := r.projector.Apply(ctx, domain.BrokerOrderUpdate{
			BrokerOrderID: handle.BrokerOrderID,
			Status:        handle.Status,
			FilledUnits:   handle.FilledUnits,
		}); err != nil {
			return fmt.Errorf("relay: apply synchronous fill for %s: %w", handle.BrokerOrderID, err)
		}
	}
	return nil
}

// retryOrFail defers the event for another attempt, or gives up when the
// attempt budget is spent.
func (r *Relay) retryOrFail(ctx context.Context, ev domain.OutboxEvent, cause error) error {
	attempt := ev.RetryCount + 1
	if attempt >= r.cfg.MaxAttempts {
		if err := r.failEvent(ctx, ev, "submission attempts exhausted"); err != nil {
			return err
		}
		return fmt.Errorf("relay: event %d exhausted after %d attempts: %w", ev.ID, attempt, cause)
	}

	delay := r.backoff(ev.RetryCount)
	if err := r.outbox.ReleaseForRetry(ctx, ev.ID, time.Now().Add(delay)); err != nil {
		return err
	}
	r.logger.WarnContext(ctx, "broker submission deferred",
		slog.Int64("event_id", ev.ID),
		slog.String("close_request_id", ev.CloseRequestID),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (r *Relay) backoff(retry int) time.Duration {
	delay := r.cfg.BackoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	return delay
}

// failEvent marks the event failed and escalates the owning close request
// and position in the same transaction.
func (r *Relay) failEvent(ctx context.Context, ev domain.OutboxEvent, reason string) error {
	var positionID string
	err := r.tx.InTx(ctx, func(tx domain.Stores) error {
		if err := tx.Outbox.MarkFailed(ctx, ev.ID); err != nil {
			return err
		}
		req, err := tx.CloseRequests.GetByID(ctx, ev.CloseRequestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return nil
		}
		if err := tx.CloseRequests.UpdateStatus(ctx, req.ID, domain.CloseRequestStatusFailed); err != nil {
			return err
		}
		if err := tx.Positions.UpdateCloseState(ctx, req.PositionID, domain.PositionStatusCloseFailed, nil); err != nil {
			return err
		}
		positionID = req.PositionID
		return tx.Audit.Log(ctx, "close_request.failed", map[string]any{
			"close_request_id": req.ID,
			"position_id":      req.PositionID,
			"reason":           reason,
		})
	})
	if err != nil {
		return fmt.Errorf("relay: fail event %d: %w", ev.ID, err)
	}

	if positionID != "" && r.alerts != nil {
		msg := fmt.Sprintf("close request %s for position %s failed: %s", ev.CloseRequestID, positionID, reason)
		if err := r.alerts.Notify(ctx, "close_failed", "Close request failed", msg); err != nil {
			r.logger.WarnContext(ctx, "alert dispatch failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
