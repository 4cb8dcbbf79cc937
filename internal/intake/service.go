// Package intake owns admission of close requests. It validates the
// position, enforces request-level idempotency and exclusive ownership, and
// durably hands the submission off to the outbox, all in one transaction.
package intake

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

// Service admits and serves close requests.
type Service struct {
	stores     domain.Stores
	tx         domain.TxRunner
	maxRetries int
	logger     *slog.Logger
}

// New creates a Service. stores is a pool-backed bundle used for reads;
// writes run through tx.
func New(stores domain.Stores, tx domain.TxRunner, maxRetries int, logger *slog.Logger) *Service {
	return &Service{
		stores:     stores,
		tx:         tx,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "intake")),
	}
}

// Close admits a request to close the position. The returned bool is true
// when a new close request was created and false on an idempotent replay.
//
// The position row is locked for the whole decision so two concurrent calls
// serialize; the loser of the race observes either the winner's request (on
// a replayed key) or AlreadyClosingError (on a different key).
func (s *Service) Close(ctx context.Context, positionID, idempotencyKey string) (domain.CloseRequestView, bool, error) {
	var (
		view    domain.CloseRequestView
		created bool
	)

	err := s.tx.InTx(ctx, func(tx domain.Stores) error {
		p, err := tx.Positions.GetForUpdate(ctx, positionID)
		if err != nil {
			return err
		}

		existing, err := tx.CloseRequests.GetByIdempotencyKey(ctx, positionID, idempotencyKey)
		switch {
		case err == nil:
			orders, err := tx.Orders.ListByRequest(ctx, existing.ID)
			if err != nil {
				return err
			}
			view = domain.NewCloseRequestView(existing, p, orders)
			created = false
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		switch p.Status {
		case domain.PositionStatusClosing, domain.PositionStatusCloseRetryable:
			active := ""
			if p.ActiveCloseRequestID != nil {
				active = *p.ActiveCloseRequestID
			}
			return &domain.AlreadyClosingError{ActiveCloseRequestID: active}
		case domain.PositionStatusOpen:
			// closable
		default:
			return domain.ErrNotClosable
		}

		if p.CloseUnits() == 0 {
			return domain.ErrZeroQuantity
		}

		req := domain.CloseRequest{
			ID:             uuid.NewString(),
			PositionID:     p.ID,
			IdempotencyKey: idempotencyKey,
			Symbol:         p.Symbol,
			Side:           p.CloseSide(),
			TargetUnits:    p.CloseUnits(),
			Status:         domain.CloseRequestStatusPending,
			MaxRetries:     s.maxRetries,
		}
		if err := tx.CloseRequests.Create(ctx, req); err != nil {
			return err
		}

		if err := tx.Positions.UpdateCloseState(ctx, p.ID, domain.PositionStatusClosing, &req.ID); err != nil {
			return err
		}
		p.Status = domain.PositionStatusClosing
		p.ActiveCloseRequestID = &req.ID

		payload, err := json.Marshal(domain.SubmitClosePayload{
			CloseRequestID: req.ID,
			PositionID:     p.ID,
			Symbol:         req.Symbol,
			Side:           req.Side,
			QtyUnits:       req.TargetUnits,
			Attempt:        0,
		})
		if err != nil {
			return fmt.Errorf("intake: marshal submit payload: %w", err)
		}
		if err := tx.Outbox.Enqueue(ctx, domain.OutboxEvent{
			EventType:      domain.EventTypeSubmitCloseOrder,
			CloseRequestID: req.ID,
			Payload:        payload,
			Status:         domain.OutboxStatusPending,
			AvailableAt:    time.Now(),
		}); err != nil {
			return err
		}

		if err := tx.Audit.Log(ctx, "close_request.created", map[string]any{
			"close_request_id": req.ID,
			"position_id":      p.ID,
			"idempotency_key":  idempotencyKey,
			"target_units":     req.TargetUnits,
			"side":             string(req.Side),
		}); err != nil {
			return err
		}

		view = domain.NewCloseRequestView(req, p, nil)
		created = true
		return nil
	})
	if err != nil {
		return domain.CloseRequestView{}, false, err
	}

	if created {
		s.logger.InfoContext(ctx, "close request created",
			slog.String("close_request_id", view.CloseRequestID),
			slog.String("position_id", positionID),
		)
	} else {
		s.logger.InfoContext(ctx, "close request replayed",
			slog.String("close_request_id", view.CloseRequestID),
			slog.String("position_id", positionID),
		)
	}
	return view, created, nil
}

// GetRequest returns the wire view of a close request.
func (s *Service) GetRequest(ctx context.Context, id string) (domain.CloseRequestView, error) {
	r, err := s.stores.CloseRequests.GetByID(ctx, id)
	if err != nil {
		return domain.CloseRequestView{}, err
	}
	p, err := s.stores.Positions.GetByID(ctx, r.PositionID)
	if err != nil {
		return domain.CloseRequestView{}, err
	}
	orders, err := s.stores.Orders.ListByRequest(ctx, r.ID)
	if err != nil {
		return domain.CloseRequestView{}, err
	}
	return domain.NewCloseRequestView(r, p, orders), nil
}

// GetPosition returns a position by ID.
func (s *Service) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return s.stores.Positions.GetByID(ctx, id)
}
