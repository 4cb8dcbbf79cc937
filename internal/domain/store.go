package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetForUpdate row-locks the position. Inside a transaction with a
	// lock_timeout it returns ErrPositionLocked instead of blocking
	// indefinitely on a contended row.
	GetForUpdate(ctx context.Context, id string) (Position, error)
	// UpdateCloseState sets the status and active-close-request pointer
	// together so the closing invariant cannot be violated halfway. It
	// stamps closed_at when the status becomes closed.
	UpdateCloseState(ctx context.Context, id string, status PositionStatus, activeRequestID *string) error
	ListByStatus(ctx context.Context, status PositionStatus) ([]Position, error)
}

// CloseRequestStore persists close requests.
type CloseRequestStore interface {
	Create(ctx context.Context, r CloseRequest) error
	GetByID(ctx context.Context, id string) (CloseRequest, error)
	GetByIdempotencyKey(ctx context.Context, positionID, key string) (CloseRequest, error)
	UpdateStatus(ctx context.Context, id string, status CloseRequestStatus) error
	// UpdateProgress replaces the aggregate fill and status in one write.
	UpdateProgress(ctx context.Context, id string, filledUnits int64, status CloseRequestStatus) error
	IncrementRetry(ctx context.Context, id string) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]CloseRequest, error)
	ListSubmittedBefore(ctx context.Context, cutoff time.Time) ([]CloseRequest, error)
	ListRetryable(ctx context.Context) ([]CloseRequest, error)
	// ListTerminalBefore returns unarchived terminal requests completed
	// before the cutoff, for cold-storage export.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]CloseRequest, error)
	MarkArchived(ctx context.Context, id string) error
}

// OutboxStore persists the durable side-effect queue.
type OutboxStore interface {
	Enqueue(ctx context.Context, ev OutboxEvent) error
	// ClaimNext atomically claims the oldest available pending event,
	// skipping rows already claimed by concurrent workers. It returns
	// ErrNoPendingEvents when the queue is empty.
	ClaimNext(ctx context.Context) (OutboxEvent, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	// ReleaseForRetry returns a processing event to pending with an
	// incremented retry count, not claimable before availableAt.
	ReleaseForRetry(ctx context.Context, id int64, availableAt time.Time) error
	// GetActiveForRequest returns the single pending-or-processing event
	// for a close request, or ErrNotFound when none exists.
	GetActiveForRequest(ctx context.Context, closeRequestID string) (OutboxEvent, error)
}

// OrderRecordStore persists broker order records.
type OrderRecordStore interface {
	Create(ctx context.Context, o OrderRecord) error
	// GetByBrokerIDForUpdate row-locks the order record so concurrent
	// updates for the same broker order serialize.
	GetByBrokerIDForUpdate(ctx context.Context, brokerOrderID string) (OrderRecord, error)
	Update(ctx context.Context, o OrderRecord) error
	ListByRequest(ctx context.Context, closeRequestID string) ([]OrderRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores bundles the store handles that share one backend. Inside InTx all
// handles are bound to the same transaction.
type Stores struct {
	Positions     PositionStore
	CloseRequests CloseRequestStore
	Outbox        OutboxStore
	Orders        OrderRecordStore
	Audit         AuditStore
}

// TxRunner executes fn within a single database transaction. The stores
// passed to fn see uncommitted writes from earlier in the same call;
// everything commits or rolls back together.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx Stores) error) error
}
