package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSimulatedGateway(t *testing.T) {
	g := NewSimulatedGateway()
	ctx := context.Background()

	order, err := g.CreateOrder(ctx, OrderRequest{Amount: 99.5, Currency: "INR", Receipt: "chat_case-1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !strings.HasPrefix(order.ID, "order_sim_") || order.AmountMinor != 9950 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if st, _ := g.OrderStatus(ctx, order.ID); st != StatusPending {
		t.Fatalf("expected pending, got %s", st)
	}
	if err := g.Settle(order.ID, StatusCompleted); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st, _ := g.OrderStatus(ctx, order.ID); st != StatusCompleted {
		t.Fatalf("expected completed, got %s", st)
	}
	if _, err := g.OrderStatus(ctx, "order_unknown"); err == nil {
		t.Fatal("expected error for unknown order")
	}
	if err := g.Settle("order_unknown", StatusFailed); err == nil {
		t.Fatal("expected error settling unknown order")
	}
}

func TestHTTPGateway(t *testing.T) {
	statuses := map[string]string{"order_a": "paid", "order_b": "attempted", "order_c": "failed"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":       "order_a",
				"amount":   body["amount"],
				"currency": body["currency"],
				"status":   "created",
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/orders/"):
			st, ok := statuses[strings.TrimPrefix(r.URL.Path, "/orders/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": st})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	g := NewHTTPGateway(srv.URL+"/", "key", "secret")

	order, err := g.CreateOrder(ctx, OrderRequest{Amount: 150, Currency: "INR"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "order_a" || order.AmountMinor != 15000 || order.Currency != "INR" {
		t.Fatalf("unexpected order: %+v", order)
	}

	want := map[string]Status{"order_a": StatusCompleted, "order_b": StatusPending, "order_c": StatusFailed}
	for id, st := range want {
		got, err := g.OrderStatus(ctx, id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if got != st {
			t.Fatalf("status %s: expected %s, got %s", id, st, got)
		}
	}
	if _, err := g.OrderStatus(ctx, "order_missing"); err == nil {
		t.Fatal("expected error for a non-2xx response")
	}

	bad := NewHTTPGateway(srv.URL, "key", "wrong")
	if _, err := bad.CreateOrder(ctx, OrderRequest{Amount: 1, Currency: "INR"}); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}
