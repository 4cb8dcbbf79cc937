package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// Archiver exports terminal close requests to cold storage. Terminal
// requests are immutable, so an exported snapshot never goes stale; once an
// object is uploaded and verified the row is stamped archived and skipped
// on following runs.
//
// Deletion of archived rows from the primary store is intentionally NOT
// performed here. That is a separate, explicit step to be executed after
// the archive has been verified.
type Archiver struct {
	writer   domain.BlobWriter
	requests domain.CloseRequestStore
	orders   domain.OrderRecordStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, requests domain.CloseRequestStore, orders domain.OrderRecordStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		requests: requests,
		orders:   orders,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// archivedRequest is the JSON shape written to cold storage: the request
// plus its child orders, everything needed to reconstruct the close attempt
// without touching the primary store.
type archivedRequest struct {
	CloseRequestID string          `json:"close_request_id"`
	PositionID     string          `json:"position_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	TargetUnits    int64           `json:"target_units"`
	FilledUnits    int64           `json:"filled_units"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	Orders         []archivedOrder `json:"orders"`
}

type archivedOrder struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
	QtyUnits      int64  `json:"qty_units"`
	FilledUnits   int64  `json:"filled_units"`
}

// ArchiveBatch exports up to limit terminal requests completed before the
// cutoff and returns how many it archived.
func (a *Archiver) ArchiveBatch(ctx context.Context, before time.Time, limit int) (int, error) {
	requests, err := a.requests.ListTerminalBefore(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list terminal requests: %w", err)
	}

	archived := 0
	for _, req := range requests {
		if err := a.archiveOne(ctx, req); err != nil {
			// One bad row must not wedge the whole batch.
			a.logger.ErrorContext(ctx, "archive close request failed",
				slog.String("close_request_id", req.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) archiveOne(ctx context.Context, req domain.CloseRequest) error {
	orders, err := a.orders.ListByRequest(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	record := archivedRequest{
		CloseRequestID: req.ID,
		PositionID:     req.PositionID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		TargetUnits:    req.TargetUnits,
		FilledUnits:    req.FilledUnits,
		Status:         string(req.Status),
		RetryCount:     req.RetryCount,
		CreatedAt:      req.CreatedAt,
		CompletedAt:    req.CompletedAt,
		Orders:         make([]archivedOrder, 0, len(orders)),
	}
	for _, o := range orders {
		record.Orders = append(record.Orders, archivedOrder{
			BrokerOrderID: o.BrokerOrderID,
			Status:        string(o.Status),
			QtyUnits:      o.QtyUnits,
			FilledUnits:   o.FilledUnits,
		})
	}

	buf, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	path := archivePath(req)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	if err := a.requests.MarkArchived(ctx, req.ID); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}

	return a.audit.Log(ctx, "archive.close_request", map[string]any{
		"close_request_id": req.ID,
		"path":             path,
	})
}

// archivePath builds the S3 key for one archived request, partitioned by
// completion date.
//
//	closes/2025/08/31/4f9d....json
func archivePath(req domain.CloseRequest) string {
	ts := req.CreatedAt
	if req.CompletedAt != nil {
		ts = *req.CompletedAt
	}
	return fmt.Sprintf("closes/%s/%s.json", ts.Format("2006/01/02"), req.ID)
}
