// Package broker adapts the external brokerage API to the order submission
// and query interfaces the close pipeline depends on. Error classification
// lives here: a 4xx on submission is a terminal rejection, a 404 on lookup
// is an ambiguous absence, and everything transport-shaped is transient.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// RESTClient talks to the brokerage order API over HTTP.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRESTClient creates a broker client.
//
// baseURL is the API root, e.g. "https://api.broker.example/v1".
func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type orderRequest struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Qty    float64 `json:"qty"`
}

type orderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	UpdateSeq *int64  `json:"update_seq,omitempty"`
}

// Submit places a market order that unwinds qtyUnits of symbol. A 4xx
// response maps to ErrOrderRejected; transport failures, timeouts and 5xx
// responses map to ErrBrokerUnavailable.
func (c *RESTClient) Submit(ctx context.Context, symbol string, side domain.OrderSide, qtyUnits int64) (domain.OrderHandle, error) {
	reqBody := orderRequest{
		Symbol: symbol,
		Side:   string(side),
		Qty:    float64(qtyUnits) / 1e6,
	}

	body, status, err := c.do(ctx, http.MethodPost, "/orders", reqBody)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("broker: submit order: %w", domain.ErrBrokerUnavailable)
	}

	switch {
	case status >= 200 && status < 300:
		// parsed below
	case status >= 400 && status < 500:
		return domain.OrderHandle{}, fmt.Errorf("broker: submit order (%d): %w", status, domain.ErrOrderRejected)
	default:
		return domain.OrderHandle{}, fmt.Errorf("broker: submit order (%d): %w", status, domain.ErrBrokerUnavailable)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("broker: decode order response: %w", err)
	}
	return domain.OrderHandle{
		BrokerOrderID: resp.OrderID,
		Status:        mapStatus(resp.Status),
		FilledUnits:   filledUnits(resp.FilledQty),
	}, nil
}

// QueryOrder polls the broker for the current state of an order. A 404
// maps to ErrOrderNotFound; the caller decides how many consecutive
// absences it takes before acting on them.
func (c *RESTClient) QueryOrder(ctx context.Context, brokerOrderID string) (domain.BrokerOrderUpdate, error) {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(brokerOrderID))

	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.BrokerOrderUpdate{}, fmt.Errorf("broker: query order %s: %w", brokerOrderID, domain.ErrBrokerUnavailable)
	}

	switch {
	case status >= 200 && status < 300:
		// parsed below
	case status == http.StatusNotFound:
		return domain.BrokerOrderUpdate{}, fmt.Errorf("broker: query order %s: %w", brokerOrderID, domain.ErrOrderNotFound)
	default:
		return domain.BrokerOrderUpdate{}, fmt.Errorf("broker: query order %s (%d): %w", brokerOrderID, status, domain.ErrBrokerUnavailable)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerOrderUpdate{}, fmt.Errorf("broker: decode order state: %w", err)
	}
	return domain.BrokerOrderUpdate{
		BrokerOrderID: brokerOrderID,
		Status:        mapStatus(resp.Status),
		FilledUnits:   filledUnits(resp.FilledQty),
		UpdateSeq:     resp.UpdateSeq,
	}, nil
}

// do builds, sends and reads one request.
func (c *RESTClient) do(ctx context.Context, method, path string, reqBody any) ([]byte, int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// filledUnits converts the broker's float quantity to fixed-point units.
// Rounding matters: truncation would report quantities like 8.2 one unit
// short and a fully filled close would never reach its target.
func filledUnits(qty float64) int64 {
	return int64(math.Round(qty * 1e6))
}

// mapStatus normalizes the broker's status strings to the local order
// lifecycle. Unknown strings come back as-is and fail validation upstream.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new":
		return domain.OrderStatusNew
	case "submitted", "open", "working":
		return domain.OrderStatusSubmitted
	case "partial", "partially_filled":
		return domain.OrderStatusPartial
	case "filled", "done":
		return domain.OrderStatusFilled
	case "cancelled", "canceled":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatus(s)
	}
}

// Compile-time interface checks.
var (
	_ domain.OrderSubmission = (*RESTClient)(nil)
	_ domain.BrokerQuery     = (*RESTClient)(nil)
)
