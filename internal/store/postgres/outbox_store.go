package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/castlerow/unwind/internal/domain"
)

// OutboxStore implements domain.OutboxStore using PostgreSQL.
type OutboxStore struct {
	db DB
}

// NewOutboxStore creates a new OutboxStore on the given DB handle.
func NewOutboxStore(db DB) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxSelectCols = `id, event_type, close_request_id, payload, status,
	retry_count, available_at, claimed_at, created_at, updated_at`

func scanOutboxRow(row pgx.Row) (domain.OutboxEvent, error) {
	var e domain.OutboxEvent
	var status string

	err := row.Scan(
		&e.ID, &e.EventType, &e.CloseRequestID, &e.Payload, &status,
		&e.RetryCount, &e.AvailableAt, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	e.Status = domain.OutboxStatus(status)
	return e, nil
}

// Enqueue inserts a pending event. It relies on the partial unique index on
// close_request_id to refuse a second live event for the same request, in
// which case it returns domain.ErrAlreadyExists.
func (s *OutboxStore) Enqueue(ctx context.Context, e domain.OutboxEvent) error {
	const query = `
		INSERT INTO outbox_events (
			event_type, close_request_id, payload, status,
			retry_count, available_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`

	_, err := s.db.Exec(ctx, query,
		e.EventType, e.CloseRequestID, e.Payload, string(e.Status),
		e.RetryCount, e.AvailableAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: enqueue outbox event for %s: %w", e.CloseRequestID, err)
	}
	return nil
}

// ClaimNext atomically claims the oldest due pending event using SKIP LOCKED
// so concurrent workers never pick up the same event. Returns
// domain.ErrNoPendingEvents when the queue is drained.
func (s *OutboxStore) ClaimNext(ctx context.Context) (domain.OutboxEvent, error) {
	const query = `
		UPDATE outbox_events SET status = 'processing', claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND available_at <= NOW()
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxSelectCols

	e, err := scanOutboxRow(s.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxEvent{}, domain.ErrNoPendingEvents
		}
		return domain.OutboxEvent{}, fmt.Errorf("postgres: claim outbox event: %w", err)
	}
	return e, nil
}

// MarkCompleted finishes a claimed event.
func (s *OutboxStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, domain.OutboxStatusCompleted)
}

// MarkFailed parks a claimed event as permanently failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, domain.OutboxStatusFailed)
}

func (s *OutboxStore) setStatus(ctx context.Context, id int64, status domain.OutboxStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outbox_events SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: mark outbox event %d %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReleaseForRetry returns a claimed event to pending, bumping the retry
// counter and deferring it until availableAt.
func (s *OutboxStore) ReleaseForRetry(ctx context.Context, id int64, availableAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE outbox_events SET status = 'pending', retry_count = retry_count + 1,
		 claimed_at = NULL, available_at = $2, updated_at = NOW()
		 WHERE id = $1`, id, availableAt)
	if err != nil {
		return fmt.Errorf("postgres: release outbox event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetActiveForRequest returns the live (pending or processing) event for a
// close request, or domain.ErrNotFound when none exists.
func (s *OutboxStore) GetActiveForRequest(ctx context.Context, closeRequestID string) (domain.OutboxEvent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+outboxSelectCols+` FROM outbox_events
		 WHERE close_request_id = $1 AND status IN ('pending', 'processing')`,
		closeRequestID)

	e, err := scanOutboxRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxEvent{}, domain.ErrNotFound
		}
		return domain.OutboxEvent{}, fmt.Errorf("postgres: get active outbox event for %s: %w", closeRequestID, err)
	}
	return e, nil
}

var _ domain.OutboxStore = (*OutboxStore)(nil)
