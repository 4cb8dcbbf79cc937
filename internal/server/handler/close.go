package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// CloseService is the intake surface the close endpoints depend on.
type CloseService interface {
	Close(ctx context.Context, positionID, idempotencyKey string) (domain.CloseRequestView, bool, error)
	GetRequest(ctx context.Context, id string) (domain.CloseRequestView, error)
	GetPosition(ctx context.Context, id string) (domain.Position, error)
}

// CloseHandler serves the close-position endpoints.
type CloseHandler struct {
	svc    CloseService
	logger *slog.Logger
}

// NewCloseHandler creates a CloseHandler.
func NewCloseHandler(svc CloseService, logger *slog.Logger) *CloseHandler {
	return &CloseHandler{svc: svc, logger: logHandler(logger, "close")}
}

// positionView is the wire shape for a position.
type positionView struct {
	ID                   string     `json:"id"`
	Symbol               string     `json:"symbol"`
	Qty                  float64    `json:"qty"`
	Status               string     `json:"status"`
	ActiveCloseRequestID *string    `json:"active_close_request_id,omitempty"`
	OpenedAt             time.Time  `json:"opened_at"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
}

// ClosePosition admits a close request for the position.
// POST /positions/{id}/close
//
// Returns 201 on first creation and 200 with the identical body when the
// Idempotency-Key has been seen before. Contention surfaces as a retryable
// 409; a different key against an in-flight close is a non-retryable 409
// naming the active request.
func (h *CloseHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := pathParam(r, "id")

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key")
		return
	}

	view, created, err := h.svc.Close(r.Context(), positionID, key)
	if err != nil {
		h.writeCloseError(w, r, positionID, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

func (h *CloseHandler) writeCloseError(w http.ResponseWriter, r *http.Request, positionID string, err error) {
	var alreadyClosing *domain.AlreadyClosingError
	switch {
	case errors.As(err, &alreadyClosing):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":                   "position_already_closing",
			"active_close_request_id": alreadyClosing.ActiveCloseRequestID,
		})
	case errors.Is(err, domain.ErrPositionLocked):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "position_locked",
			"retryable": true,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position_not_found")
	case errors.Is(err, domain.ErrNotClosable):
		writeError(w, http.StatusBadRequest, "position_not_closable")
	case errors.Is(err, domain.ErrZeroQuantity):
		writeError(w, http.StatusBadRequest, "position_quantity_zero")
	default:
		h.logger.ErrorContext(r.Context(), "close position failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// GetCloseRequest returns the current state of a close request.
// GET /close-requests/{id}
func (h *CloseHandler) GetCloseRequest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	view, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "close_request_not_found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get close request failed",
			slog.String("close_request_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPosition returns a position snapshot.
// GET /positions/{id}
func (h *CloseHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	p, err := h.svc.GetPosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position_not_found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, positionView{
		ID:                   p.ID,
		Symbol:               p.Symbol,
		Qty:                  p.Qty(),
		Status:               string(p.Status),
		ActiveCloseRequestID: p.ActiveCloseRequestID,
		OpenedAt:             p.OpenedAt,
		ClosedAt:             p.ClosedAt,
	})
}
