package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/castlerow/unwind/internal/crypto"
	"github.com/castlerow/unwind/internal/domain"
)

// UpdateApplier folds broker order updates into durable state. Satisfied by
// projector.Projector.
type UpdateApplier interface {
	Apply(ctx context.Context, upd domain.BrokerOrderUpdate) error
}

// BrokerHandler receives push callbacks from the broker.
type BrokerHandler struct {
	applier  UpdateApplier
	verifier *crypto.WebhookVerifier
	logger   *slog.Logger
}

// NewBrokerHandler creates a BrokerHandler. verifier may be nil, in which
// case callback signatures are not checked.
func NewBrokerHandler(applier UpdateApplier, verifier *crypto.WebhookVerifier, logger *slog.Logger) *BrokerHandler {
	return &BrokerHandler{applier: applier, verifier: verifier, logger: logHandler(logger, "broker")}
}

type orderUpdateRequest struct {
	BrokerOrderID string  `json:"broker_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	UpdateSeq     *int64  `json:"update_seq,omitempty"`
}

// OrderUpdate applies one pushed order status update.
// POST /broker/order-updates
//
// Replayed and out-of-order updates return 202 like fresh ones; the
// projector absorbs them without effect, so the broker may redeliver
// freely.
func (h *BrokerHandler) OrderUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body")
		return
	}

	if h.verifier != nil {
		sig := r.Header.Get(crypto.HeaderSignature)
		ts := r.Header.Get(crypto.HeaderTimestamp)
		if err := h.verifier.Verify(ts, body, sig); err != nil {
			h.logger.WarnContext(r.Context(), "rejected webhook callback",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusUnauthorized, "invalid_signature")
			return
		}
	}

	var req orderUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	if req.BrokerOrderID == "" {
		writeError(w, http.StatusBadRequest, "missing_broker_order_id")
		return
	}
	status := domain.OrderStatus(req.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown_status")
		return
	}
	if req.FilledQty < 0 {
		writeError(w, http.StatusBadRequest, "negative_filled_qty")
		return
	}

	err = h.applier.Apply(r.Context(), domain.BrokerOrderUpdate{
		BrokerOrderID: req.BrokerOrderID,
		Status:        status,
		FilledUnits:   int64(math.Round(req.FilledQty * 1e6)),
		UpdateSeq:     req.UpdateSeq,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found")
			return
		}
		h.logger.ErrorContext(r.Context(), "apply order update failed",
			slog.String("broker_order_id", req.BrokerOrderID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
