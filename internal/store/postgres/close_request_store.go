package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/castlerow/unwind/internal/domain"
)

// CloseRequestStore implements domain.CloseRequestStore using PostgreSQL.
type CloseRequestStore struct {
	db DB
}

// NewCloseRequestStore creates a new CloseRequestStore on the given DB handle.
func NewCloseRequestStore(db DB) *CloseRequestStore {
	return &CloseRequestStore{db: db}
}

const closeRequestSelectCols = `id, position_id, idempotency_key, symbol, side,
	target_units, filled_units, status, retry_count, max_retries,
	created_at, updated_at, completed_at`

func scanCloseRequestRow(row pgx.Row) (domain.CloseRequest, error) {
	var r domain.CloseRequest
	var side, status string

	err := row.Scan(
		&r.ID, &r.PositionID, &r.IdempotencyKey, &r.Symbol, &side,
		&r.TargetUnits, &r.FilledUnits, &status, &r.RetryCount, &r.MaxRetries,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return domain.CloseRequest{}, err
	}
	r.Side = domain.OrderSide(side)
	r.Status = domain.CloseRequestStatus(status)
	return r, nil
}

// Create inserts a new close request.
func (s *CloseRequestStore) Create(ctx context.Context, r domain.CloseRequest) error {
	const query = `
		INSERT INTO close_requests (
			id, position_id, idempotency_key, symbol, side,
			target_units, filled_units, status, retry_count, max_retries,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err := s.db.Exec(ctx, query,
		r.ID, r.PositionID, r.IdempotencyKey, r.Symbol, string(r.Side),
		r.TargetUnits, r.FilledUnits, string(r.Status), r.RetryCount, r.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("postgres: create close request %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns a single close request by its ID.
func (s *CloseRequestStore) GetByID(ctx context.Context, id string) (domain.CloseRequest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+closeRequestSelectCols+` FROM close_requests WHERE id = $1`, id)

	r, err := scanCloseRequestRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CloseRequest{}, domain.ErrNotFound
		}
		return domain.CloseRequest{}, fmt.Errorf("postgres: get close request %s: %w", id, err)
	}
	return r, nil
}

// GetByIdempotencyKey returns the close request previously created for the
// position under this idempotency key, if any.
func (s *CloseRequestStore) GetByIdempotencyKey(ctx context.Context, positionID, key string) (domain.CloseRequest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+closeRequestSelectCols+` FROM close_requests
		 WHERE position_id = $1 AND idempotency_key = $2`, positionID, key)

	r, err := scanCloseRequestRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CloseRequest{}, domain.ErrNotFound
		}
		return domain.CloseRequest{}, fmt.Errorf("postgres: get close request by key: %w", err)
	}
	return r, nil
}

// UpdateStatus moves the request to a new status, stamping completed_at
// when the status is terminal.
func (s *CloseRequestStore) UpdateStatus(ctx context.Context, id string, status domain.CloseRequestStatus) error {
	var query string
	if status.Terminal() {
		query = `UPDATE close_requests SET status = $2, completed_at = NOW(),
			updated_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE close_requests SET status = $2,
			updated_at = NOW() WHERE id = $1`
	}

	tag, err := s.db.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update close request status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateProgress writes the aggregated filled quantity and status together.
func (s *CloseRequestStore) UpdateProgress(ctx context.Context, id string, filledUnits int64, status domain.CloseRequestStatus) error {
	var query string
	if status.Terminal() {
		query = `UPDATE close_requests SET filled_units = $2, status = $3,
			completed_at = NOW(), updated_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE close_requests SET filled_units = $2, status = $3,
			updated_at = NOW() WHERE id = $1`
	}

	tag, err := s.db.Exec(ctx, query, id, filledUnits, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update close request progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter.
func (s *CloseRequestStore) IncrementRetry(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE close_requests SET retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: increment close request retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListPendingBefore returns PENDING requests created before the cutoff.
func (s *CloseRequestStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.CloseRequest, error) {
	return s.listByStatusBefore(ctx, domain.CloseRequestStatusPending, "created_at", cutoff)
}

// ListSubmittedBefore returns SUBMITTED requests not updated since the cutoff.
func (s *CloseRequestStore) ListSubmittedBefore(ctx context.Context, cutoff time.Time) ([]domain.CloseRequest, error) {
	return s.listByStatusBefore(ctx, domain.CloseRequestStatusSubmitted, "updated_at", cutoff)
}

// ListRetryable returns requests parked in RETRYABLE.
func (s *CloseRequestStore) ListRetryable(ctx context.Context) ([]domain.CloseRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+closeRequestSelectCols+` FROM close_requests
		 WHERE status = $1 ORDER BY updated_at`,
		string(domain.CloseRequestStatusRetryable))
	if err != nil {
		return nil, fmt.Errorf("postgres: list retryable close requests: %w", err)
	}
	defer rows.Close()
	return collectCloseRequests(rows)
}

func (s *CloseRequestStore) listByStatusBefore(ctx context.Context, status domain.CloseRequestStatus, tsCol string, cutoff time.Time) ([]domain.CloseRequest, error) {
	query := `SELECT ` + closeRequestSelectCols + ` FROM close_requests
		 WHERE status = $1 AND ` + tsCol + ` < $2 ORDER BY ` + tsCol

	rows, err := s.db.Query(ctx, query, string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s close requests: %w", status, err)
	}
	defer rows.Close()
	return collectCloseRequests(rows)
}

// ListTerminalBefore returns terminal, not-yet-archived requests completed
// before the cutoff. Used by the archiver.
func (s *CloseRequestStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.CloseRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+closeRequestSelectCols+` FROM close_requests
		 WHERE status IN ($1, $2) AND archived_at IS NULL AND completed_at < $3
		 ORDER BY completed_at LIMIT $4`,
		string(domain.CloseRequestStatusCompleted),
		string(domain.CloseRequestStatusFailed),
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal close requests: %w", err)
	}
	defer rows.Close()
	return collectCloseRequests(rows)
}

// MarkArchived stamps a terminal request as archived.
func (s *CloseRequestStore) MarkArchived(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE close_requests SET archived_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark close request archived %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func collectCloseRequests(rows pgx.Rows) ([]domain.CloseRequest, error) {
	var requests []domain.CloseRequest
	for rows.Next() {
		r, err := scanCloseRequestRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan close request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

var _ domain.CloseRequestStore = (*CloseRequestStore)(nil)
