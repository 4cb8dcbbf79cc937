package projector

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlerow/unwind/internal/domain"
	"github.com/castlerow/unwind/internal/domain/domaintest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdvances(t *testing.T) {
	cases := []struct {
		name string
		cur  domain.OrderStatus
		next domain.OrderStatus
		want bool
	}{
		{"submitted to partial", domain.OrderStatusSubmitted, domain.OrderStatusPartial, true},
		{"partial to filled", domain.OrderStatusPartial, domain.OrderStatusFilled, true},
		{"filled to cancelled", domain.OrderStatusFilled, domain.OrderStatusCancelled, false},
		{"filled to filled", domain.OrderStatusFilled, domain.OrderStatusFilled, false},
		{"partial to submitted", domain.OrderStatusPartial, domain.OrderStatusSubmitted, false},
		{"cancelled to rejected", domain.OrderStatusCancelled, domain.OrderStatusRejected, true},
		{"cancelled to filled", domain.OrderStatusCancelled, domain.OrderStatusFilled, true},
		{"repeat terminal", domain.OrderStatusCancelled, domain.OrderStatusCancelled, true},
		{"new to submitted", domain.OrderStatusNew, domain.OrderStatusSubmitted, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, advances(tc.cur, tc.next))
		})
	}
}

// seedClose sets up one closing position with a submitted close request and
// one submitted broker order of the given target size.
func seedClose(db *domaintest.DB, targetUnits int64) {
	reqID := "cr-1"
	db.SeedPosition(domain.Position{
		ID:                   "pos-1",
		Symbol:               "AAPL",
		QtyUnits:             targetUnits,
		Status:               domain.PositionStatusClosing,
		ActiveCloseRequestID: &reqID,
		OpenedAt:             time.Now().Add(-time.Hour),
	})
	db.SeedRequest(domain.CloseRequest{
		ID:             reqID,
		PositionID:     "pos-1",
		IdempotencyKey: "key-1",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		TargetUnits:    targetUnits,
		Status:         domain.CloseRequestStatusSubmitted,
		MaxRetries:     3,
		CreatedAt:      time.Now().Add(-time.Minute),
	})
	db.SeedOrder(domain.OrderRecord{
		ID:             "ord-1",
		CloseRequestID: reqID,
		BrokerOrderID:  "bo-1",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		QtyUnits:       targetUnits,
		Status:         domain.OrderStatusSubmitted,
		CreatedAt:      time.Now().Add(-time.Minute),
	})
}

func TestApplyUnknownOrder(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "nope",
		Status:        domain.OrderStatusFilled,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyRejectsBadInput(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatus("bogus"),
	})
	assert.Error(t, err)

	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusPartial,
		FilledUnits:   -1,
	})
	assert.Error(t, err)
}

func TestApplyFullFillCompletesClose(t *testing.T) {
	db := domaintest.NewDB()
	bus := domaintest.NewBus()
	alerts := &domaintest.AlertRecorder{}
	p := New(db, bus, alerts, testLogger())
	seedClose(db, 100_000_000)

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusPartial,
		FilledUnits:   40_000_000,
	})
	require.NoError(t, err)

	req := db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusSubmitted, req.Status)
	assert.Equal(t, int64(40_000_000), req.FilledUnits)

	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusFilled,
		FilledUnits:   100_000_000,
	})
	require.NoError(t, err)

	req = db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusCompleted, req.Status)
	assert.Equal(t, int64(100_000_000), req.FilledUnits)
	assert.NotNil(t, req.CompletedAt)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Nil(t, pos.ActiveCloseRequestID)
	assert.NotNil(t, pos.ClosedAt)

	assert.Contains(t, db.AuditEvents(), "close_request.completed")
	assert.Len(t, bus.Published(ChannelCloseRequests), 2)
	assert.Empty(t, alerts.Alerts())
}

func TestApplyLateUpdateDoesNotRegress(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())
	seedClose(db, 100_000_000)

	seq2 := int64(2)
	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusFilled,
		FilledUnits:   100_000_000,
		UpdateSeq:     &seq2,
	})
	require.NoError(t, err)

	// The delayed partial arrives after the fill.
	seq1 := int64(1)
	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusPartial,
		FilledUnits:   40_000_000,
		UpdateSeq:     &seq1,
	})
	require.NoError(t, err)

	order := db.Order("bo-1")
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, int64(100_000_000), order.FilledUnits)
	require.NotNil(t, order.UpdateSeq)
	assert.Equal(t, int64(2), *order.UpdateSeq)

	req := db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusCompleted, req.Status)
	assert.Equal(t, int64(100_000_000), req.FilledUnits)
}

func TestApplyStaleSeqStillMergesFill(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())
	seedClose(db, 100_000_000)

	seq5 := int64(5)
	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusPartial,
		FilledUnits:   30_000_000,
		UpdateSeq:     &seq5,
	})
	require.NoError(t, err)

	// Replayed sequence number with a larger fill: the status claim is
	// discarded but the fill is real progress.
	seq3 := int64(3)
	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusCancelled,
		FilledUnits:   50_000_000,
		UpdateSeq:     &seq3,
	})
	require.NoError(t, err)

	order := db.Order("bo-1")
	assert.Equal(t, domain.OrderStatusPartial, order.Status)
	assert.Equal(t, int64(50_000_000), order.FilledUnits)
	require.NotNil(t, order.UpdateSeq)
	assert.Equal(t, int64(5), *order.UpdateSeq)
}

func TestApplyZeroFillCancelRollsPositionBackOpen(t *testing.T) {
	db := domaintest.NewDB()
	alerts := &domaintest.AlertRecorder{}
	p := New(db, nil, alerts, testLogger())
	seedClose(db, 100_000_000)

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusCancelled,
		FilledUnits:   0,
	})
	require.NoError(t, err)

	req := db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusFailed, req.Status)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Nil(t, pos.ActiveCloseRequestID)

	assert.Equal(t, []string{"close_failed"}, alerts.Events())
}

func TestApplyPartialFillCancelBecomesRetryable(t *testing.T) {
	db := domaintest.NewDB()
	alerts := &domaintest.AlertRecorder{}
	p := New(db, nil, alerts, testLogger())
	seedClose(db, 100_000_000)

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusCancelled,
		FilledUnits:   60_000_000,
	})
	require.NoError(t, err)

	req := db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusRetryable, req.Status)
	assert.Equal(t, int64(60_000_000), req.FilledUnits)
	assert.Equal(t, int64(40_000_000), req.RemainingUnits())

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusCloseRetryable, pos.Status)
	require.NotNil(t, pos.ActiveCloseRequestID)
	assert.Equal(t, "cr-1", *pos.ActiveCloseRequestID)

	assert.Empty(t, alerts.Alerts())
}

func TestApplyPartialFillExhaustedRetriesFails(t *testing.T) {
	db := domaintest.NewDB()
	alerts := &domaintest.AlertRecorder{}
	p := New(db, nil, alerts, testLogger())
	seedClose(db, 100_000_000)

	req := db.Request("cr-1")
	req.RetryCount = req.MaxRetries
	db.SeedRequest(req)

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusExpired,
		FilledUnits:   60_000_000,
	})
	require.NoError(t, err)

	req = db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusFailed, req.Status)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusCloseFailed, pos.Status)
	assert.Nil(t, pos.ActiveCloseRequestID)

	assert.Equal(t, []string{"close_failed"}, alerts.Events())
}

func TestApplyRetryAggregatesAcrossOrders(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())
	seedClose(db, 100_000_000)

	// First attempt fills 60 then is cancelled.
	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusCancelled,
		FilledUnits:   60_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseRequestStatusRetryable, db.Request("cr-1").Status)

	// The retry submits a second order for the remaining 40.
	req := db.Request("cr-1")
	req.Status = domain.CloseRequestStatusSubmitted
	req.RetryCount = 1
	db.SeedRequest(req)
	db.SeedOrder(domain.OrderRecord{
		ID:             "ord-2",
		CloseRequestID: "cr-1",
		BrokerOrderID:  "bo-2",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		QtyUnits:       40_000_000,
		Status:         domain.OrderStatusSubmitted,
		CreatedAt:      time.Now(),
	})

	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-2",
		Status:        domain.OrderStatusFilled,
		FilledUnits:   40_000_000,
	})
	require.NoError(t, err)

	req = db.Request("cr-1")
	assert.Equal(t, domain.CloseRequestStatusCompleted, req.Status)
	assert.Equal(t, int64(100_000_000), req.FilledUnits)
	assert.Equal(t, domain.PositionStatusClosed, db.Position("pos-1").Status)
}

func TestApplyAfterTerminalRequestIsIgnored(t *testing.T) {
	db := domaintest.NewDB()
	p := New(db, nil, nil, testLogger())
	seedClose(db, 100_000_000)

	err := p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusFilled,
		FilledUnits:   100_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CloseRequestStatusCompleted, db.Request("cr-1").Status)

	// A late cancel replay must not disturb the settled request.
	err = p.Apply(context.Background(), domain.BrokerOrderUpdate{
		BrokerOrderID: "bo-1",
		Status:        domain.OrderStatusCancelled,
		FilledUnits:   0,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.CloseRequestStatusCompleted, db.Request("cr-1").Status)
	assert.Equal(t, domain.OrderStatusFilled, db.Order("bo-1").Status)
	assert.Equal(t, domain.PositionStatusClosed, db.Position("pos-1").Status)
}
