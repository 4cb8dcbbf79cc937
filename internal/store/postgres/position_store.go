package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/castlerow/unwind/internal/domain"
)

// lockNotAvailable is the SQLSTATE raised when lock_timeout expires while
// waiting on a row lock.
const lockNotAvailable = "55P03"

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	db DB
}

// NewPositionStore creates a new PositionStore on the given DB handle.
func NewPositionStore(db DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionSelectCols = `id, symbol, qty_units, status, active_close_request_id,
	opened_at, closed_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.Symbol, &p.QtyUnits, &status, &p.ActiveCloseRequestID,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, qty_units, status, active_close_request_id,
			opened_at, closed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.Symbol, p.QtyUnits, string(p.Status), p.ActiveCloseRequestID,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetForUpdate row-locks and returns the position. Must run inside a
// transaction; when the transaction's lock_timeout expires on a contended
// row it returns domain.ErrPositionLocked.
func (s *PositionStore) GetForUpdate(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1 FOR UPDATE`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return domain.Position{}, domain.ErrPositionLocked
		}
		return domain.Position{}, fmt.Errorf("postgres: lock position %s: %w", id, err)
	}
	return p, nil
}

// UpdateCloseState sets the status and the active-close-request pointer in
// one statement, stamping closed_at when the position reaches closed.
func (s *PositionStore) UpdateCloseState(ctx context.Context, id string, status domain.PositionStatus, activeRequestID *string) error {
	var query string
	if status == domain.PositionStatusClosed {
		query = `UPDATE positions SET status = $2, active_close_request_id = $3,
			closed_at = NOW(), updated_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE positions SET status = $2, active_close_request_id = $3,
			updated_at = NOW() WHERE id = $1`
	}

	tag, err := s.db.Exec(ctx, query, id, string(status), activeRequestID)
	if err != nil {
		return fmt.Errorf("postgres: update position close state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByStatus returns all positions in the given status.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = $1 ORDER BY opened_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
