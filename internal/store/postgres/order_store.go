package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/castlerow/unwind/internal/domain"
)

// OrderRecordStore implements domain.OrderRecordStore using PostgreSQL.
type OrderRecordStore struct {
	db DB
}

// NewOrderRecordStore creates a new OrderRecordStore on the given DB handle.
func NewOrderRecordStore(db DB) *OrderRecordStore {
	return &OrderRecordStore{db: db}
}

const orderSelectCols = `id, close_request_id, broker_order_id, symbol, side,
	qty_units, filled_units, status, update_seq, not_found_count,
	created_at, updated_at`

func scanOrderRow(row pgx.Row) (domain.OrderRecord, error) {
	var o domain.OrderRecord
	var side, status string

	err := row.Scan(
		&o.ID, &o.CloseRequestID, &o.BrokerOrderID, &o.Symbol, &side,
		&o.QtyUnits, &o.FilledUnits, &status, &o.UpdateSeq, &o.NotFoundCount,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Create inserts a new order record. A duplicate broker order ID returns
// domain.ErrAlreadyExists.
func (s *OrderRecordStore) Create(ctx context.Context, o domain.OrderRecord) error {
	const query = `
		INSERT INTO order_records (
			id, close_request_id, broker_order_id, symbol, side,
			qty_units, filled_units, status, update_seq, not_found_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err := s.db.Exec(ctx, query,
		o.ID, o.CloseRequestID, o.BrokerOrderID, o.Symbol, string(o.Side),
		o.QtyUnits, o.FilledUnits, string(o.Status), o.UpdateSeq, o.NotFoundCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order record %s: %w", o.ID, err)
	}
	return nil
}

// GetByBrokerIDForUpdate row-locks and returns the order record so
// concurrent broker updates for the same order serialize.
func (s *OrderRecordStore) GetByBrokerIDForUpdate(ctx context.Context, brokerOrderID string) (domain.OrderRecord, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM order_records
		 WHERE broker_order_id = $1 FOR UPDATE`, brokerOrderID)
	return s.scanOne(row, brokerOrderID)
}

func (s *OrderRecordStore) scanOne(row pgx.Row, brokerOrderID string) (domain.OrderRecord, error) {
	o, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderRecord{}, domain.ErrNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("postgres: get order record %s: %w", brokerOrderID, err)
	}
	return o, nil
}

// Update writes back the mutable fields of an order record.
func (s *OrderRecordStore) Update(ctx context.Context, o domain.OrderRecord) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE order_records SET filled_units = $2, status = $3, update_seq = $4,
		 not_found_count = $5, updated_at = NOW()
		 WHERE id = $1`,
		o.ID, o.FilledUnits, string(o.Status), o.UpdateSeq, o.NotFoundCount)
	if err != nil {
		return fmt.Errorf("postgres: update order record %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByRequest returns all order records attached to a close request in
// creation order.
func (s *OrderRecordStore) ListByRequest(ctx context.Context, closeRequestID string) ([]domain.OrderRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orderSelectCols+` FROM order_records
		 WHERE close_request_id = $1 ORDER BY created_at`, closeRequestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order records for %s: %w", closeRequestID, err)
	}
	defer rows.Close()

	var orders []domain.OrderRecord
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order record: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

var _ domain.OrderRecordStore = (*OrderRecordStore)(nil)
