package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlerow/unwind/internal/domain"
	"github.com/castlerow/unwind/internal/domain/domaintest"
	"github.com/castlerow/unwind/internal/projector"
)

// stubQuery scripts QueryOrder results per broker order ID.
type stubQuery struct {
	updates map[string]domain.BrokerOrderUpdate
	errs    map[string]error
	calls   int
}

func (q *stubQuery) QueryOrder(_ context.Context, brokerOrderID string) (domain.BrokerOrderUpdate, error) {
	q.calls++
	if err, ok := q.errs[brokerOrderID]; ok {
		return domain.BrokerOrderUpdate{}, err
	}
	if upd, ok := q.updates[brokerOrderID]; ok {
		return upd, nil
	}
	return domain.BrokerOrderUpdate{}, domain.ErrOrderNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Interval:          time.Minute,
		ZombiePendingAge:  2 * time.Minute,
		StuckSubmittedAge: 10 * time.Minute,
		QueryTimeout:      time.Second,
		LockTTL:           time.Minute,
	}
}

func newReconciler(db *domaintest.DB, broker domain.BrokerQuery, locks domain.LockManager, alerts Alerter) *Reconciler {
	proj := projector.New(db, nil, nil, testLogger())
	return New(testConfig(), db.Stores(), db, broker, proj, locks, alerts, testLogger())
}

func seedClosing(db *domaintest.DB, status domain.CloseRequestStatus, age time.Duration) {
	reqID := "cr-1"
	ts := time.Now().Add(-age)
	db.SeedPosition(domain.Position{
		ID:                   "pos-1",
		Symbol:               "AAPL",
		QtyUnits:             100_000_000,
		Status:               domain.PositionStatusClosing,
		ActiveCloseRequestID: &reqID,
	})
	db.SeedRequest(domain.CloseRequest{
		ID:          reqID,
		PositionID:  "pos-1",
		Symbol:      "AAPL",
		Side:        domain.OrderSideSell,
		TargetUnits: 100_000_000,
		Status:      status,
		MaxRetries:  3,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	})
}

func TestSweepZombiePendingRollsBack(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusPending, 5*time.Minute)
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, &stubQuery{}, nil, alerts)

	r.Sweep(context.Background())

	req := db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusFailed, req.Status)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Nil(t, pos.ActiveCloseRequestID)

	assert.Contains(t, db.AuditEvents(), "reconcile.zombie_rolled_back")
}

func TestSweepPendingWithLiveEventUntouched(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusPending, 5*time.Minute)
	db.SeedEvent(domain.OutboxEvent{
		EventType:      domain.EventTypeSubmitCloseOrder,
		CloseRequestID: "cr-1",
		Payload:        []byte(`{}`),
		AvailableAt:    time.Now(),
	})
	r := newReconciler(db, &stubQuery{}, nil, nil)

	r.Sweep(context.Background())

	assert.Equal(t, domain.CloseRequestStatusPending, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusClosing, db.Position("pos-1").Status)
}

func TestSweepStaleProcessingEscalates(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusPending, 5*time.Minute)
	claimed := time.Now().Add(-5 * time.Minute)
	evID := db.SeedEvent(domain.OutboxEvent{
		EventType:      domain.EventTypeSubmitCloseOrder,
		CloseRequestID: "cr-1",
		Payload:        []byte(`{}`),
		Status:         domain.OutboxStatusProcessing,
		ClaimedAt:      &claimed,
	})
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, &stubQuery{}, nil, alerts)

	r.Sweep(context.Background())

	assert.Equal(t, domain.OutboxStatusFailed, db.Event(evID).Status)
	assert.Equal(t, domain.CloseRequestStatusFailed, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusCloseFailed, db.Position("pos-1").Status)
	assert.Contains(t, db.AuditEvents(), "reconcile.stale_processing_escalated")
	assert.Equal(t, []string{"close_failed"}, alerts.Events())
}

func TestSweepStuckSubmittedPollsBroker(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusSubmitted, 15*time.Minute)
	db.SeedOrder(domain.OrderRecord{
		ID:             "ord-1",
		CloseRequestID: "cr-1",
		BrokerOrderID:  "bo-1",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		QtyUnits:       100_000_000,
		Status:         domain.OrderStatusSubmitted,
	})
	broker := &stubQuery{updates: map[string]domain.BrokerOrderUpdate{
		"bo-1": {
			BrokerOrderID: "bo-1",
			Status:        domain.OrderStatusFilled,
			FilledUnits:   100_000_000,
		},
	}}
	r := newReconciler(db, broker, nil, nil)

	r.Sweep(context.Background())

	assert.Equal(t, 1, broker.calls)
	assert.Equal(t, domain.CloseRequestStatusCompleted, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusClosed, db.Position("pos-1").Status)
}

func TestSweepOrderNotFoundEscalatesAfterThree(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusSubmitted, 15*time.Minute)
	db.SeedOrder(domain.OrderRecord{
		ID:             "ord-1",
		CloseRequestID: "cr-1",
		BrokerOrderID:  "bo-1",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		QtyUnits:       100_000_000,
		Status:         domain.OrderStatusSubmitted,
	})
	broker := &stubQuery{errs: map[string]error{"bo-1": domain.ErrOrderNotFound}}
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, broker, nil, alerts)

	r.Sweep(context.Background())
	assert.Equal(t, 1, db.Order("bo-1").NotFoundCount)
	assert.Equal(t, domain.CloseRequestStatusSubmitted, db.Request("cr-1").Status)
	assert.Empty(t, alerts.Alerts())

	r.Sweep(context.Background())
	assert.Equal(t, 2, db.Order("bo-1").NotFoundCount)

	r.Sweep(context.Background())
	assert.Equal(t, 3, db.Order("bo-1").NotFoundCount)
	assert.Equal(t, domain.CloseRequestStatusFailed, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusCloseFailed, db.Position("pos-1").Status)
	assert.Contains(t, db.AuditEvents(), "reconcile.order_not_found_escalated")
	assert.Equal(t, []string{"close_failed"}, alerts.Events())
}

func TestSweepRetryableResubmitsRemainder(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusRetryable, 5*time.Minute)
	req := db.Request("cr-1")
	req.FilledUnits = 60_000_000
	db.SeedRequest(req)
	r := newReconciler(db, &stubQuery{}, nil, nil)

	r.Sweep(context.Background())

	req = db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusSubmitted, req.Status)
	assert.Equal(t, 1, req.RetryCount)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)
	require.NotNil(t, pos.ActiveCloseRequestID)

	events := db.Events()
	require.Len(t, events, 1)
	var payload domain.SubmitClosePayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, int64(40_000_000), payload.QtyUnits)
	assert.Equal(t, 1, payload.Attempt)

	assert.Contains(t, db.AuditEvents(), "close_request.retried")
}

func TestSweepRetryableExhaustedFails(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusRetryable, 5*time.Minute)
	req := db.Request("cr-1")
	req.RetryCount = req.MaxRetries
	req.FilledUnits = 60_000_000
	db.SeedRequest(req)
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, &stubQuery{}, nil, alerts)

	r.Sweep(context.Background())

	assert.Equal(t, domain.CloseRequestStatusFailed, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusCloseFailed, db.Position("pos-1").Status)
	assert.Contains(t, db.AuditEvents(), "close_request.retries_exhausted")
	assert.Equal(t, []string{"close_failed"}, alerts.Events())
	assert.Empty(t, db.Events())
}

func TestSweepCorrectsClosingWithoutActiveRequest(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(domain.Position{
		ID:       "pos-1",
		Symbol:   "AAPL",
		QtyUnits: 100_000_000,
		Status:   domain.PositionStatusClosing,
	})
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, &stubQuery{}, nil, alerts)

	r.Sweep(context.Background())

	assert.Equal(t, domain.PositionStatusOpen, db.Position("pos-1").Status)
	assert.Contains(t, db.AuditEvents(), "reconcile.invariant_corrected")
	assert.Equal(t, []string{"invariant_violation"}, alerts.Events())
}

func TestSweepCorrectsSubmittedRequestOnOpenPosition(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(domain.Position{
		ID:       "pos-1",
		Symbol:   "AAPL",
		QtyUnits: 100_000_000,
		Status:   domain.PositionStatusOpen,
	})
	now := time.Now()
	db.SeedRequest(domain.CloseRequest{
		ID:          "cr-1",
		PositionID:  "pos-1",
		Symbol:      "AAPL",
		Side:        domain.OrderSideSell,
		TargetUnits: 100_000_000,
		Status:      domain.CloseRequestStatusSubmitted,
		MaxRetries:  3,
		CreatedAt:   now.Add(-time.Minute),
		UpdatedAt:   now.Add(-time.Minute),
	})
	alerts := &domaintest.AlertRecorder{}
	r := newReconciler(db, &stubQuery{}, nil, alerts)

	r.Sweep(context.Background())

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)
	require.NotNil(t, pos.ActiveCloseRequestID)
	assert.Equal(t, "cr-1", *pos.ActiveCloseRequestID)
	assert.Equal(t, []string{"invariant_violation"}, alerts.Events())
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	db := domaintest.NewDB()
	seedClosing(db, domain.CloseRequestStatusPending, 5*time.Minute)
	locks := domaintest.NewLocks()
	locks.Held = true
	r := newReconciler(db, &stubQuery{}, locks, nil)

	r.Sweep(context.Background())

	// Nothing repaired while another instance holds the lock.
	assert.Equal(t, domain.CloseRequestStatusPending, db.Request("cr-1").Status)
}
