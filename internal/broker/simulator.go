package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/castlerow/unwind/internal/domain"
)

// Simulator implements the broker interfaces in memory for local runs and
// tests. Submitted orders fill fully on the first query unless a scripted
// outcome says otherwise.
type Simulator struct {
	mu     sync.Mutex
	orders map[string]*simOrder
}

type simOrder struct {
	symbol   string
	side     domain.OrderSide
	qtyUnits int64
	status   domain.OrderStatus
	filled   int64
	seq      int64
}

// NewSimulator creates an empty Simulator.
func NewSimulator() *Simulator {
	return &Simulator{orders: make(map[string]*simOrder)}
}

// Submit records the order and acknowledges it as submitted.
func (s *Simulator) Submit(_ context.Context, symbol string, side domain.OrderSide, qtyUnits int64) (domain.OrderHandle, error) {
	if qtyUnits <= 0 {
		return domain.OrderHandle{}, fmt.Errorf("broker: submit order: %w", domain.ErrOrderRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.orders[id] = &simOrder{
		symbol:   symbol,
		side:     side,
		qtyUnits: qtyUnits,
		status:   domain.OrderStatusSubmitted,
		seq:      1,
	}
	return domain.OrderHandle{
		BrokerOrderID: id,
		Status:        domain.OrderStatusSubmitted,
	}, nil
}

// QueryOrder fills the order completely and returns its state.
func (s *Simulator) QueryOrder(_ context.Context, brokerOrderID string) (domain.BrokerOrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[brokerOrderID]
	if !ok {
		return domain.BrokerOrderUpdate{}, fmt.Errorf("broker: query order %s: %w", brokerOrderID, domain.ErrOrderNotFound)
	}

	if !o.status.Terminal() {
		o.status = domain.OrderStatusFilled
		o.filled = o.qtyUnits
		o.seq++
	}
	seq := o.seq
	return domain.BrokerOrderUpdate{
		BrokerOrderID: brokerOrderID,
		Status:        o.status,
		FilledUnits:   o.filled,
		UpdateSeq:     &seq,
	}, nil
}

// SetOutcome scripts the state the order will report on its next query.
func (s *Simulator) SetOutcome(brokerOrderID string, status domain.OrderStatus, filledUnits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[brokerOrderID]; ok {
		o.status = status
		o.filled = filledUnits
		o.seq++
	}
}

var (
	_ domain.OrderSubmission = (*Simulator)(nil)
	_ domain.BrokerQuery     = (*Simulator)(nil)
)
