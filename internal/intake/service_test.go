package intake

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

func newService(db *domaintest.DB) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db.Stores(), db, 3, logger)
}

func openPosition(qtyUnits int64) domain.Position {
	return domain.Position{
		ID:       "pos-1",
		Symbol:   "AAPL",
		QtyUnits: qtyUnits,
		Status:   domain.PositionStatusOpen,
		OpenedAt: time.Now().Add(-time.Hour),
	}
}

func TestCloseCreatesRequestAndOutboxEvent(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(250_000_000))
	svc := newService(db)

	view, created, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "pos-1", view.PositionID)
	assert.Equal(t, domain.PositionStatusClosing, view.PositionStatus)
	assert.Equal(t, string(domain.CloseRequestStatusPending), view.Status)
	assert.Equal(t, 250.0, view.TargetQty)
	assert.Empty(t, view.Orders)

	pos := db.Position("pos-1")
	assert.Equal(t, domain.PositionStatusClosing, pos.Status)
	require.NotNil(t, pos.ActiveCloseRequestID)
	assert.Equal(t, view.CloseRequestID, *pos.ActiveCloseRequestID)

	events := db.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeSubmitCloseOrder, events[0].EventType)
	assert.Equal(t, view.CloseRequestID, events[0].CloseRequestID)
	assert.Equal(t, domain.OutboxStatusPending, events[0].Status)

	assert.Equal(t, []string{"close_request.created"}, db.AuditEvents())
}

func TestCloseShortPositionBuysToCover(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(-50_000_000))
	svc := newService(db)

	view, created, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 50.0, view.TargetQty)

	req := db.Request(view.CloseRequestID)
	assert.Equal(t, domain.OrderSideBuy, req.Side)
	assert.Equal(t, int64(50_000_000), req.TargetUnits)
}

func TestCloseReplaySameKeyReturnsSameRequest(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(100_000_000))
	svc := newService(db)

	first, created, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CloseRequestID, second.CloseRequestID)

	// Replay must not enqueue a second submission.
	assert.Len(t, db.Events(), 1)
}

func TestCloseReplayAfterCompletionStillReturnsView(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(100_000_000))
	svc := newService(db)

	first, _, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)

	// Request settles and the position closes.
	require.NoError(t, db.Stores().CloseRequests.UpdateProgress(
		context.Background(), first.CloseRequestID, 100_000_000, domain.CloseRequestStatusCompleted))
	require.NoError(t, db.Stores().Positions.UpdateCloseState(
		context.Background(), "pos-1", domain.PositionStatusClosed, nil))

	view, created, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.CloseRequestID, view.CloseRequestID)
	assert.Equal(t, string(domain.CloseRequestStatusCompleted), view.Status)
}

func TestCloseDifferentKeyWhileClosingConflicts(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(100_000_000))
	svc := newService(db)

	first, _, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)

	_, _, err = svc.Close(context.Background(), "pos-1", "key-2")
	var conflict *domain.AlreadyClosingError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.CloseRequestID, conflict.ActiveCloseRequestID)
}

func TestCloseUnknownPosition(t *testing.T) {
	db := domaintest.NewDB()
	svc := newService(db)

	_, _, err := svc.Close(context.Background(), "nope", "key-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseNonOpenPosition(t *testing.T) {
	db := domaintest.NewDB()
	p := openPosition(100_000_000)
	p.Status = domain.PositionStatusClosed
	db.SeedPosition(p)
	svc := newService(db)

	_, _, err := svc.Close(context.Background(), "pos-1", "key-1")
	assert.ErrorIs(t, err, domain.ErrNotClosable)
}

func TestCloseZeroQuantity(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(0))
	svc := newService(db)

	_, _, err := svc.Close(context.Background(), "pos-1", "key-1")
	assert.ErrorIs(t, err, domain.ErrZeroQuantity)
}

func TestGetRequestAssemblesOrders(t *testing.T) {
	db := domaintest.NewDB()
	db.SeedPosition(openPosition(100_000_000))
	svc := newService(db)

	view, _, err := svc.Close(context.Background(), "pos-1", "key-1")
	require.NoError(t, err)

	db.SeedOrder(domain.OrderRecord{
		ID:             "ord-1",
		CloseRequestID: view.CloseRequestID,
		BrokerOrderID:  "bo-1",
		Symbol:         "AAPL",
		Side:           domain.OrderSideSell,
		QtyUnits:       100_000_000,
		FilledUnits:    25_000_000,
		Status:         domain.OrderStatusPartial,
	})

	got, err := svc.GetRequest(context.Background(), view.CloseRequestID)
	require.NoError(t, err)
	require.Len(t, got.Orders, 1)
	assert.Equal(t, "bo-1", got.Orders[0].BrokerOrderID)
	assert.Equal(t, 25.0, got.Orders[0].FilledQty)

	_, err = svc.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
