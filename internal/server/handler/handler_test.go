package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlerow/unwind/internal/crypto"
	"github.com/castlerow/unwind/internal/domain"
	"github.com/castlerow/unwind/internal/domain/domaintest"
	"github.com/castlerow/unwind/internal/projector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubCloseService struct {
	view    domain.CloseRequestView
	created bool
	err     error

	position domain.Position
	posErr   error

	gotPosition string
	gotKey      string
}

func (s *stubCloseService) Close(_ context.Context, positionID, key string) (domain.CloseRequestView, bool, error) {
	s.gotPosition = positionID
	s.gotKey = key
	return s.view, s.created, s.err
}

func (s *stubCloseService) GetRequest(_ context.Context, id string) (domain.CloseRequestView, error) {
	if s.err != nil {
		return domain.CloseRequestView{}, s.err
	}
	return s.view, nil
}

func (s *stubCloseService) GetPosition(_ context.Context, id string) (domain.Position, error) {
	if s.posErr != nil {
		return domain.Position{}, s.posErr
	}
	return s.position, nil
}

func closeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/positions/pos-1/close", nil)
	r.SetPathValue("id", "pos-1")
	if key != "" {
		r.Header.Set("Idempotency-Key", key)
	}
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestClosePositionCreated(t *testing.T) {
	svc := &stubCloseService{
		view:    domain.CloseRequestView{CloseRequestID: "cr-1", PositionID: "pos-1", Status: "pending"},
		created: true,
	}
	h := NewCloseHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ClosePosition(rec, closeRequest("key-1"))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pos-1", svc.gotPosition)
	assert.Equal(t, "key-1", svc.gotKey)
	assert.Equal(t, "cr-1", decodeBody(t, rec)["close_request_id"])
}

func TestClosePositionReplayReturns200(t *testing.T) {
	svc := &stubCloseService{
		view:    domain.CloseRequestView{CloseRequestID: "cr-1", Status: "submitted"},
		created: false,
	}
	h := NewCloseHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ClosePosition(rec, closeRequest("key-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cr-1", decodeBody(t, rec)["close_request_id"])
}

func TestClosePositionMissingIdempotencyKey(t *testing.T) {
	svc := &stubCloseService{}
	h := NewCloseHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ClosePosition(rec, closeRequest(""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_idempotency_key", decodeBody(t, rec)["error"])
	assert.Empty(t, svc.gotKey)
}

func TestClosePositionAlreadyClosing(t *testing.T) {
	svc := &stubCloseService{err: &domain.AlreadyClosingError{ActiveCloseRequestID: "cr-9"}}
	h := NewCloseHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ClosePosition(rec, closeRequest("key-2"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "position_already_closing", body["error"])
	assert.Equal(t, "cr-9", body["active_close_request_id"])
}

func TestClosePositionLockedIsRetryable(t *testing.T) {
	svc := &stubCloseService{err: domain.ErrPositionLocked}
	h := NewCloseHandler(svc, testLogger())

	rec := httptest.NewRecorder()
	h.ClosePosition(rec, closeRequest("key-1"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, "position_locked", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestClosePositionErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
		wantMsg  string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "position_not_found"},
		{domain.ErrNotClosable, http.StatusBadRequest, "position_not_closable"},
		{domain.ErrZeroQuantity, http.StatusBadRequest, "position_quantity_zero"},
		{errors.New("pool exhausted"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		h := NewCloseHandler(&stubCloseService{err: tc.err}, testLogger())
		rec := httptest.NewRecorder()
		h.ClosePosition(rec, closeRequest("key-1"))
		assert.Equal(t, tc.wantCode, rec.Code, tc.wantMsg)
		assert.Equal(t, tc.wantMsg, decodeBody(t, rec)["error"])
	}
}

func TestGetCloseRequest(t *testing.T) {
	svc := &stubCloseService{
		view: domain.CloseRequestView{CloseRequestID: "cr-1", Status: "completed", FilledQty: 100},
	}
	h := NewCloseHandler(svc, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/close-requests/cr-1", nil)
	r.SetPathValue("id", "cr-1")
	rec := httptest.NewRecorder()
	h.GetCloseRequest(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 100.0, body["filled_qty"])
}

func TestGetCloseRequestNotFound(t *testing.T) {
	h := NewCloseHandler(&stubCloseService{err: domain.ErrNotFound}, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/close-requests/cr-x", nil)
	r.SetPathValue("id", "cr-x")
	rec := httptest.NewRecorder()
	h.GetCloseRequest(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPosition(t *testing.T) {
	active := "cr-1"
	svc := &stubCloseService{position: domain.Position{
		ID:                   "pos-1",
		Symbol:               "AAPL",
		QtyUnits:             -50_000_000,
		Status:               domain.PositionStatusClosing,
		ActiveCloseRequestID: &active,
		OpenedAt:             time.Now().UTC(),
	}}
	h := NewCloseHandler(svc, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/positions/pos-1", nil)
	r.SetPathValue("id", "pos-1")
	rec := httptest.NewRecorder()
	h.GetPosition(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, -50.0, body["qty"])
	assert.Equal(t, "closing", body["status"])
	assert.Equal(t, "cr-1", body["active_close_request_id"])
}

// ---------------------------------------------------------------------------
// Broker webhook handler
// ---------------------------------------------------------------------------

type stubApplier struct {
	err error
	got []domain.BrokerOrderUpdate
}

func (s *stubApplier) Apply(_ context.Context, upd domain.BrokerOrderUpdate) error {
	s.got = append(s.got, upd)
	return s.err
}

func orderUpdateBody(brokerOrderID, status string, filled float64) string {
	b, _ := json.Marshal(map[string]any{
		"broker_order_id": brokerOrderID,
		"status":          status,
		"filled_qty":      filled,
	})
	return string(b)
}

func TestOrderUpdateAccepted(t *testing.T) {
	applier := &stubApplier{}
	h := NewBrokerHandler(applier, nil, testLogger())

	r := httptest.NewRequest(http.MethodPost, "/broker/order-updates",
		strings.NewReader(orderUpdateBody("bo-1", "partial", 40.5)))
	rec := httptest.NewRecorder()
	h.OrderUpdate(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, applier.got, 1)
	assert.Equal(t, "bo-1", applier.got[0].BrokerOrderID)
	assert.Equal(t, domain.OrderStatusPartial, applier.got[0].Status)
	assert.Equal(t, int64(40_500_000), applier.got[0].FilledUnits)
}

func TestOrderUpdateValidation(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", "{not json", "malformed_body"},
		{"missing order id", orderUpdateBody("", "filled", 1), "missing_broker_order_id"},
		{"unknown status", orderUpdateBody("bo-1", "levitating", 1), "unknown_status"},
		{"negative fill", orderUpdateBody("bo-1", "partial", -1), "negative_filled_qty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			applier := &stubApplier{}
			h := NewBrokerHandler(applier, nil, testLogger())

			r := httptest.NewRequest(http.MethodPost, "/broker/order-updates", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.OrderUpdate(rec, r)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantMsg, decodeBody(t, rec)["error"])
			assert.Empty(t, applier.got)
		})
	}
}

func TestOrderUpdateFractionalFillCompletesClose(t *testing.T) {
	db := domaintest.NewDB()
	reqID := "cr-1"
	db.SeedPosition(domain.Position{
		ID:                   "pos-1",
		Symbol:               "AAPL",
		QtyUnits:             8_200_000,
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
		TargetUnits:    8_200_000,
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
		QtyUnits:       8_200_000,
		Status:         domain.OrderStatusSubmitted,
		CreatedAt:      time.Now().Add(-time.Minute),
	})
	h := NewBrokerHandler(projector.New(db, nil, nil, testLogger()), nil, testLogger())

	// 8.2 is not exactly representable; truncation instead of rounding
	// would land the aggregate one unit short of the target.
	r := httptest.NewRequest(http.MethodPost, "/broker/order-updates",
		strings.NewReader(orderUpdateBody("bo-1", "filled", 8.2)))
	rec := httptest.NewRecorder()
	h.OrderUpdate(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int64(8_200_000), db.Order("bo-1").FilledUnits)
	assert.Equal(t, domain.CloseRequestStatusCompleted, db.Request("cr-1").Status)
	assert.Equal(t, domain.PositionStatusClosed, db.Position("pos-1").Status)
}

func TestOrderUpdateUnknownOrder(t *testing.T) {
	h := NewBrokerHandler(&stubApplier{err: domain.ErrNotFound}, nil, testLogger())

	r := httptest.NewRequest(http.MethodPost, "/broker/order-updates",
		strings.NewReader(orderUpdateBody("bo-x", "filled", 1)))
	rec := httptest.NewRecorder()
	h.OrderUpdate(rec, r)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", decodeBody(t, rec)["error"])
}

func TestOrderUpdateSignatureChecked(t *testing.T) {
	verifier := crypto.NewWebhookVerifier("whsec", 0)
	applier := &stubApplier{}
	h := NewBrokerHandler(applier, verifier, testLogger())

	body := orderUpdateBody("bo-1", "filled", 100)

	// unsigned callback is rejected
	r := httptest.NewRequest(http.MethodPost, "/broker/order-updates", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.OrderUpdate(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, applier.got)

	// properly signed callback goes through
	ts, sig := verifier.SignAt([]byte(body), time.Now().Unix())
	r = httptest.NewRequest(http.MethodPost, "/broker/order-updates", strings.NewReader(body))
	r.Header.Set(crypto.HeaderTimestamp, ts)
	r.Header.Set(crypto.HeaderSignature, sig)
	rec = httptest.NewRecorder()
	h.OrderUpdate(rec, r)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, applier.got, 1)
}

// ---------------------------------------------------------------------------
// Health handler
// ---------------------------------------------------------------------------

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthCheckAllUp(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{},
	}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "ok", checks["redis"])
}

func TestHealthCheckDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{err: errors.New("connection refused")},
	}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["checks"].(map[string]any)["redis"])
}

// ---------------------------------------------------------------------------
// Audit handler
// ---------------------------------------------------------------------------

func TestListAudit(t *testing.T) {
	db := domaintest.NewDB()
	stores := db.Stores()
	ctx := context.Background()
	require.NoError(t, stores.Audit.Log(ctx, "close_request.created", map[string]any{"close_request_id": "cr-1"}))
	require.NoError(t, stores.Audit.Log(ctx, "close_request.completed", map[string]any{"close_request_id": "cr-1"}))

	h := NewAuditHandler(stores.Audit, testLogger())

	rec := httptest.NewRecorder()
	h.ListAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=10", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, "close_request.completed", first["event"])
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/audit?limit=9000&offset=20&since=2026-01-02T00:00:00Z", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Equal(t, 2026, opts.Since.Year())
	assert.Nil(t, opts.Until)

	opts = parseListOpts(httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, 50, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}
