package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OrderRequest asks the gateway for a new order. Amount is in major units.
type OrderRequest struct {
	Amount   float64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is the gateway's opaque handle for a pending charge.
type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt,omitempty"`
	Status      string `json:"status"`
}

// Gateway is the external payment collaborator.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	OrderStatus(ctx context.Context, orderID string) (Status, error)
}

func toMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SimulatedGateway is an in-process gateway for development and tests. Orders
// stay pending until Settle is called.
type SimulatedGateway struct {
	mu     sync.Mutex
	orders map[string]Status
}

// NewSimulatedGateway returns an empty simulated gateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{orders: make(map[string]Status)}
}

func (g *SimulatedGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	id := "order_sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.mu.Lock()
	g.orders[id] = StatusPending
	g.mu.Unlock()
	return Order{
		ID:          id,
		AmountMinor: toMinor(req.Amount),
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		Status:      "created",
	}, nil
}

func (g *SimulatedGateway) OrderStatus(ctx context.Context, orderID string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return "", fmt.Errorf("payment: simulated order %s unknown", orderID)
	}
	return st, nil
}

// Settle fixes the outcome of a simulated order.
func (g *SimulatedGateway) Settle(orderID string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		return fmt.Errorf("payment: simulated order %s unknown", orderID)
	}
	g.orders[orderID] = status
	return nil
}

// HTTPGateway talks to a REST order API authenticated with basic auth.
type HTTPGateway struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	HTTP      *http.Client
}

// NewHTTPGateway builds a gateway client with a bounded request timeout.
func NewHTTPGateway(baseURL, keyID, keySecret string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		KeyID:     keyID,
		KeySecret: keySecret,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	body, err := json.Marshal(map[string]any{
		"amount":   toMinor(req.Amount),
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    req.Notes,
	})
	if err != nil {
		return Order{}, fmt.Errorf("payment: encode order: %w", err)
	}
	var out Order
	if err := g.do(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return Order{}, err
	}
	if out.ID == "" {
		return Order{}, fmt.Errorf("payment: gateway returned an order without id")
	}
	return out, nil
}

func (g *HTTPGateway) OrderStatus(ctx context.Context, orderID string) (Status, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := g.do(ctx, http.MethodGet, "/orders/"+orderID, nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "paid":
		return StatusCompleted, nil
	case "failed", "cancelled", "expired":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(g.KeyID, g.KeySecret)

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("payment: gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("payment: gateway returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("payment: decode gateway response: %w", err)
	}
	return nil
}
