// Package domaintest provides in-memory implementations of the domain store
// and coordination interfaces for tests.
package domaintest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// DB is an in-memory stand-in for the PostgreSQL-backed stores. All store
// handles returned by Stores share its state. InTx applies writes directly;
// there is no rollback, which is fine for tests that assert on end state.
type DB struct {
	mu sync.Mutex

	positions map[string]domain.Position
	requests  map[string]domain.CloseRequest
	events    map[int64]domain.OutboxEvent
	orders    map[string]domain.OrderRecord
	byBroker  map[string]string
	archived  map[string]bool
	audits    []domain.AuditEntry

	nextEventID int64
	nextAuditID int64
}

// NewDB creates an empty DB.
func NewDB() *DB {
	return &DB{
		positions: map[string]domain.Position{},
		requests:  map[string]domain.CloseRequest{},
		events:    map[int64]domain.OutboxEvent{},
		orders:    map[string]domain.OrderRecord{},
		byBroker:  map[string]string{},
		archived:  map[string]bool{},
	}
}

// Stores returns store handles backed by this DB.
func (d *DB) Stores() domain.Stores {
	return domain.Stores{
		Positions:     &positionStore{d},
		CloseRequests: &closeRequestStore{d},
		Outbox:        &outboxStore{d},
		Orders:        &orderStore{d},
		Audit:         &auditStore{d},
	}
}

// InTx implements domain.TxRunner. Writes are applied directly.
func (d *DB) InTx(_ context.Context, fn func(tx domain.Stores) error) error {
	return fn(d.Stores())
}

// SeedPosition inserts a position.
func (d *DB) SeedPosition(p domain.Position) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions[p.ID] = p
}

// SeedRequest inserts a close request.
func (d *DB) SeedRequest(r domain.CloseRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests[r.ID] = r
}

// SeedOrder inserts an order record.
func (d *DB) SeedOrder(o domain.OrderRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders[o.ID] = o
	d.byBroker[o.BrokerOrderID] = o.ID
}

// SeedEvent inserts an outbox event and returns its assigned ID.
func (d *DB) SeedEvent(ev domain.OutboxEvent) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextEventID++
	ev.ID = d.nextEventID
	if ev.Status == "" {
		ev.Status = domain.OutboxStatusPending
	}
	d.events[ev.ID] = ev
	return ev.ID
}

// Position returns the stored position.
func (d *DB) Position(id string) domain.Position {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positions[id]
}

// Request returns the stored close request.
func (d *DB) Request(id string) domain.CloseRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[id]
}

// Event returns the stored outbox event.
func (d *DB) Event(id int64) domain.OutboxEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[id]
}

// Events returns all outbox events ordered by ID.
func (d *DB) Events() []domain.OutboxEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Order returns the stored order record by broker order ID.
func (d *DB) Order(brokerOrderID string) domain.OrderRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orders[d.byBroker[brokerOrderID]]
}

// AuditEvents returns the logged audit event names in order.
func (d *DB) AuditEvents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.audits))
	for _, e := range d.audits {
		out = append(out, e.Event)
	}
	return out
}

// Archived reports whether the close request was marked archived.
func (d *DB) Archived(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.archived[requestID]
}

// --------------------------------------------------------------------------
// PositionStore
// --------------------------------------------------------------------------

type positionStore struct{ db *DB }

func (s *positionStore) Create(_ context.Context, p domain.Position) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.db.positions[p.ID] = p
	return nil
}

func (s *positionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *positionStore) GetForUpdate(ctx context.Context, id string) (domain.Position, error) {
	return s.GetByID(ctx, id)
}

func (s *positionStore) UpdateCloseState(_ context.Context, id string, status domain.PositionStatus, activeRequestID *string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = status
	p.ActiveCloseRequestID = activeRequestID
	if status == domain.PositionStatusClosed && p.ClosedAt == nil {
		now := time.Now()
		p.ClosedAt = &now
	}
	p.UpdatedAt = time.Now()
	s.db.positions[id] = p
	return nil
}

func (s *positionStore) ListByStatus(_ context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.Position
	for _, p := range s.db.positions {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --------------------------------------------------------------------------
// CloseRequestStore
// --------------------------------------------------------------------------

type closeRequestStore struct{ db *DB }

func (s *closeRequestStore) Create(_ context.Context, r domain.CloseRequest) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.requests {
		if existing.PositionID == r.PositionID && existing.IdempotencyKey == r.IdempotencyKey {
			return domain.ErrAlreadyExists
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = r.CreatedAt
	s.db.requests[r.ID] = r
	return nil
}

func (s *closeRequestStore) GetByID(_ context.Context, id string) (domain.CloseRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.requests[id]
	if !ok {
		return domain.CloseRequest{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *closeRequestStore) GetByIdempotencyKey(_ context.Context, positionID, key string) (domain.CloseRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, r := range s.db.requests {
		if r.PositionID == positionID && r.IdempotencyKey == key {
			return r, nil
		}
	}
	return domain.CloseRequest{}, domain.ErrNotFound
}

func (s *closeRequestStore) UpdateStatus(_ context.Context, id string, status domain.CloseRequestStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	if status.Terminal() && r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}
	r.UpdatedAt = time.Now()
	s.db.requests[id] = r
	return nil
}

func (s *closeRequestStore) UpdateProgress(_ context.Context, id string, filledUnits int64, status domain.CloseRequestStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.FilledUnits = filledUnits
	r.Status = status
	if status.Terminal() && r.CompletedAt == nil {
		now := time.Now()
		r.CompletedAt = &now
	}
	r.UpdatedAt = time.Now()
	s.db.requests[id] = r
	return nil
}

func (s *closeRequestStore) IncrementRetry(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.RetryCount++
	r.UpdatedAt = time.Now()
	s.db.requests[id] = r
	return nil
}

func (s *closeRequestStore) ListPendingBefore(_ context.Context, cutoff time.Time) ([]domain.CloseRequest, error) {
	return s.listBefore(domain.CloseRequestStatusPending, cutoff, func(r domain.CloseRequest) time.Time { return r.CreatedAt })
}

func (s *closeRequestStore) ListSubmittedBefore(_ context.Context, cutoff time.Time) ([]domain.CloseRequest, error) {
	return s.listBefore(domain.CloseRequestStatusSubmitted, cutoff, func(r domain.CloseRequest) time.Time { return r.UpdatedAt })
}

func (s *closeRequestStore) listBefore(status domain.CloseRequestStatus, cutoff time.Time, ts func(domain.CloseRequest) time.Time) ([]domain.CloseRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.CloseRequest
	for _, r := range s.db.requests {
		if r.Status == status && ts(r).Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *closeRequestStore) ListRetryable(_ context.Context) ([]domain.CloseRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.CloseRequest
	for _, r := range s.db.requests {
		if r.Status == domain.CloseRequestStatusRetryable {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *closeRequestStore) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.CloseRequest, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.CloseRequest
	for _, r := range s.db.requests {
		if !r.Status.Terminal() || s.db.archived[r.ID] {
			continue
		}
		completed := r.CreatedAt
		if r.CompletedAt != nil {
			completed = *r.CompletedAt
		}
		if completed.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *closeRequestStore) MarkArchived(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.requests[id]; !ok {
		return domain.ErrNotFound
	}
	s.db.archived[id] = true
	return nil
}

// --------------------------------------------------------------------------
// OutboxStore
// --------------------------------------------------------------------------

type outboxStore struct{ db *DB }

func (s *outboxStore) Enqueue(_ context.Context, ev domain.OutboxEvent) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.events {
		if existing.CloseRequestID == ev.CloseRequestID &&
			(existing.Status == domain.OutboxStatusPending || existing.Status == domain.OutboxStatusProcessing) {
			return domain.ErrAlreadyExists
		}
	}
	s.db.nextEventID++
	ev.ID = s.db.nextEventID
	if ev.Status == "" {
		ev.Status = domain.OutboxStatusPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.db.events[ev.ID] = ev
	return nil
}

func (s *outboxStore) ClaimNext(_ context.Context) (domain.OutboxEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now()
	var ids []int64
	for id, ev := range s.db.events {
		if ev.Status == domain.OutboxStatusPending && !ev.AvailableAt.After(now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.OutboxEvent{}, domain.ErrNoPendingEvents
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ev := s.db.events[ids[0]]
	ev.Status = domain.OutboxStatusProcessing
	ev.ClaimedAt = &now
	s.db.events[ev.ID] = ev
	return ev, nil
}

func (s *outboxStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.setStatus(id, domain.OutboxStatusCompleted)
}

func (s *outboxStore) MarkFailed(ctx context.Context, id int64) error {
	return s.setStatus(id, domain.OutboxStatusFailed)
}

func (s *outboxStore) setStatus(id int64, status domain.OutboxStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ev, ok := s.db.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = status
	ev.UpdatedAt = time.Now()
	s.db.events[id] = ev
	return nil
}

func (s *outboxStore) ReleaseForRetry(_ context.Context, id int64, availableAt time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ev, ok := s.db.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = domain.OutboxStatusPending
	ev.RetryCount++
	ev.ClaimedAt = nil
	ev.AvailableAt = availableAt
	ev.UpdatedAt = time.Now()
	s.db.events[id] = ev
	return nil
}

func (s *outboxStore) GetActiveForRequest(_ context.Context, closeRequestID string) (domain.OutboxEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, ev := range s.db.events {
		if ev.CloseRequestID == closeRequestID &&
			(ev.Status == domain.OutboxStatusPending || ev.Status == domain.OutboxStatusProcessing) {
			return ev, nil
		}
	}
	return domain.OutboxEvent{}, domain.ErrNotFound
}

// --------------------------------------------------------------------------
// OrderRecordStore
// --------------------------------------------------------------------------

type orderStore struct{ db *DB }

func (s *orderStore) Create(_ context.Context, o domain.OrderRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.byBroker[o.BrokerOrderID]; ok {
		return domain.ErrAlreadyExists
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.db.orders[o.ID] = o
	s.db.byBroker[o.BrokerOrderID] = o.ID
	return nil
}

func (s *orderStore) GetByBrokerIDForUpdate(_ context.Context, brokerOrderID string) (domain.OrderRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	id, ok := s.db.byBroker[brokerOrderID]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return s.db.orders[id], nil
}

func (s *orderStore) Update(_ context.Context, o domain.OrderRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.orders[o.ID]; !ok {
		return domain.ErrNotFound
	}
	o.UpdatedAt = time.Now()
	s.db.orders[o.ID] = o
	return nil
}

func (s *orderStore) ListByRequest(_ context.Context, closeRequestID string) ([]domain.OrderRecord, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.OrderRecord
	for _, o := range s.db.orders {
		if o.CloseRequestID == closeRequestID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --------------------------------------------------------------------------
// AuditStore
// --------------------------------------------------------------------------

type auditStore struct{ db *DB }

func (s *auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextAuditID++
	s.db.audits = append(s.db.audits, domain.AuditEntry{
		ID:        s.db.nextAuditID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.db.audits) - 1; i >= 0; i-- {
		e := s.db.audits[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
