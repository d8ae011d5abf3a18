// Package payment collects chat-access payments and gates chat on them when
// monetized access is enabled.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/db"
	"lawconnect/errs"
	"lawconnect/queue"
)

// TaskReconcile is the background task that polls the gateway for an order.
const TaskReconcile = "payment:reconcile"

// ErrStillPending is returned by Reconcile while the gateway has no verdict,
// so the queue retries later.
var ErrStillPending = errors.New("payment: order still pending")

const (
	defaultPrice    = 150
	defaultCurrency = "INR"
	reconcileQueue  = "payments"
)

// Service implements chat-access purchase and settlement.
type Service struct {
	pool     db.TxBeginner
	repo     Repository
	loader   access.Loader
	guard    *access.Guard
	gateway  Gateway
	queue    queue.Enqueuer
	logger   *slog.Logger
	price    float64
	currency string
	delay    time.Duration
}

// NewService wires the payment service. loader reads cases and bids.
func NewService(pool db.TxBeginner, repo Repository, loader access.Loader, gateway Gateway) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		loader:   loader,
		guard:    access.NewGuard(loader),
		gateway:  gateway,
		logger:   slog.Default(),
		price:    defaultPrice,
		currency: defaultCurrency,
		delay:    time.Minute,
	}
}

// WithPrice sets the chat-access price charged when a request names none.
func (s *Service) WithPrice(amount float64, currency string) *Service {
	if amount > 0 {
		s.price = amount
	}
	if currency != "" {
		s.currency = currency
	}
	return s
}

// WithEnqueuer enables background reconciliation of pending orders.
func (s *Service) WithEnqueuer(q queue.Enqueuer, delay time.Duration) *Service {
	s.queue = q
	if delay > 0 {
		s.delay = delay
	}
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
		s.guard.WithLogger(logger)
	}
	return s
}

// CreateChatOrder opens a gateway order for chat access on caseID. Only the
// case owner may pay, and only once a bid has been accepted. A non-positive
// amount charges the configured price.
func (s *Service) CreateChatOrder(ctx context.Context, p auth.Principal, caseID string, amount float64) (Checkout, error) {
	if amount < 0 {
		return Checkout{}, fmt.Errorf("payment: amount must not be negative: %w", errs.ErrInvalidInput)
	}
	if amount == 0 {
		amount = s.price
	}

	c, err := s.loader.GetCase(ctx, caseID)
	if err != nil {
		return Checkout{}, err
	}
	if c.OwnerID != p.ID {
		return Checkout{}, access.Deny(ctx, s.logger, p, caseID, "is_case_owner")
	}
	accepted, err := s.loader.AcceptedBid(ctx, caseID)
	if err != nil {
		return Checkout{}, err
	}
	if accepted == nil {
		return Checkout{}, access.Reject(ctx, s.logger, p, caseID, "has_accepted_bid",
			fmt.Errorf("payment: case %s has no accepted bid: %w", caseID, errs.ErrInvalidState))
	}
	existing, err := s.repo.Completed(ctx, caseID, p.ID)
	if err != nil {
		return Checkout{}, err
	}
	if existing != nil {
		return Checkout{}, access.Reject(ctx, s.logger, p, caseID, "not_already_paid",
			fmt.Errorf("payment: chat access already purchased: %w", errs.ErrConflict))
	}

	order, err := s.gateway.CreateOrder(ctx, OrderRequest{
		Amount:   amount,
		Currency: s.currency,
		Receipt:  "chat_" + caseID,
		Notes:    map[string]string{"case_id": caseID, "payer_id": p.ID, "kind": KindChatAccess},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "gateway order failed", slog.String("case_id", caseID), slog.Any("error", err))
		return Checkout{}, errs.Transient("payment: create order", err)
	}

	rec, err := s.repo.Create(ctx, CreateParams{
		CaseID:         caseID,
		PayerID:        p.ID,
		BidID:          accepted.ID,
		Amount:         amount,
		Currency:       s.currency,
		Kind:           KindChatAccess,
		GatewayOrderID: order.ID,
	})
	if err != nil {
		return Checkout{}, err
	}

	s.scheduleReconcile(ctx, rec.ID)
	s.logger.InfoContext(ctx, "chat access order created",
		slog.String("payment_id", rec.ID), slog.String("case_id", caseID), slog.String("order_id", order.ID))
	return Checkout{Payment: rec, Order: order}, nil
}

// Complete applies a gateway verdict. Repeating the same verdict is a no-op;
// contradicting a settled payment is InvalidState.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (Payment, error) {
	id := in.PaymentID
	if id == "" {
		if in.OrderID == "" {
			return Payment{}, fmt.Errorf("payment: payment_id or order_id is required: %w", errs.ErrInvalidInput)
		}
		rec, err := s.repo.GetByOrderID(ctx, in.OrderID)
		if err != nil {
			return Payment{}, err
		}
		id = rec.ID
	}
	status := StatusFailed
	if in.Success {
		status = StatusCompleted
	}
	return s.settle(ctx, id, status, in.GatewayRef)
}

// Reconcile asks the gateway for the order's status and applies it.
func (s *Service) Reconcile(ctx context.Context, paymentID string) error {
	rec, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return nil
	}
	status, err := s.gateway.OrderStatus(ctx, rec.GatewayOrderID)
	if err != nil {
		return errs.Transient("payment: order status", err)
	}
	if status == StatusPending {
		return ErrStillPending
	}
	_, err = s.settle(ctx, rec.ID, status, "")
	return err
}

type reconcilePayload struct {
	PaymentID string `json:"payment_id"`
}

// HandleReconcile is the queue handler for TaskReconcile. Payments that no
// longer exist are dropped rather than retried.
func (s *Service) HandleReconcile(ctx context.Context, t queue.Task) error {
	var payload reconcilePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		s.logger.ErrorContext(ctx, "bad reconcile payload", slog.Any("error", err))
		return nil
	}
	err := s.Reconcile(ctx, payload.PaymentID)
	if errors.Is(err, errs.ErrNotFound) {
		s.logger.WarnContext(ctx, "reconcile skipped", slog.String("payment_id", payload.PaymentID))
		return nil
	}
	return err
}

// Simulate settles a pending order on the simulated gateway. Only the payer
// may simulate their own payment.
func (s *Service) Simulate(ctx context.Context, p auth.Principal, paymentID string, success bool) (Payment, error) {
	sim, ok := s.gateway.(*SimulatedGateway)
	if !ok {
		return Payment{}, fmt.Errorf("payment: simulation requires the simulated gateway: %w", errs.ErrInvalidState)
	}
	rec, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if rec.PayerID != p.ID {
		return Payment{}, access.Deny(ctx, s.logger, p, rec.CaseID, "is_payer")
	}
	status := StatusFailed
	if success {
		status = StatusCompleted
	}
	if err := sim.Settle(rec.GatewayOrderID, status); err != nil {
		return Payment{}, err
	}
	return s.settle(ctx, rec.ID, status, "sim_"+rec.GatewayOrderID)
}

// ChatAccessStatus reports whether chat on caseID has been paid for. The
// payer checked is the case owner.
func (s *Service) ChatAccessStatus(ctx context.Context, p auth.Principal, caseID string) (AccessStatus, error) {
	view, err := s.guard.View(ctx, p, caseID)
	if err != nil {
		return AccessStatus{}, err
	}
	payerID := view.Case.OwnerID
	done, err := s.repo.Completed(ctx, caseID, payerID)
	if err != nil {
		return AccessStatus{}, err
	}
	if done != nil {
		return AccessStatus{HasChatAccess: true, Payment: done}, nil
	}
	latest, err := s.repo.Latest(ctx, caseID, payerID)
	if err != nil {
		return AccessStatus{}, err
	}
	return AccessStatus{Payment: latest}, nil
}

// RequirePayment reports whether payerID holds a completed chat-access
// payment on caseID.
func (s *Service) RequirePayment(ctx context.Context, caseID, payerID string) (bool, error) {
	rec, err := s.repo.Completed(ctx, caseID, payerID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *Service) settle(ctx context.Context, id string, status Status, ref string) (Payment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, errs.Transient("payment: begin tx", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, id)
	if err != nil {
		return Payment{}, err
	}
	if rec.Status == status {
		return rec, nil
	}
	if rec.Status != StatusPending {
		return Payment{}, fmt.Errorf("payment: %s is already %s: %w", id, rec.Status, errs.ErrInvalidState)
	}
	updated, err := s.repo.SetStatus(ctx, tx, id, status, ref)
	if err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, errs.Transient("payment: commit tx", err)
	}
	s.logger.InfoContext(ctx, "payment settled",
		slog.String("payment_id", id), slog.String("case_id", rec.CaseID), slog.String("status", string(status)))
	return updated, nil
}

func (s *Service) scheduleReconcile(ctx context.Context, paymentID string) {
	if s.queue == nil {
		return
	}
	payload, _ := json.Marshal(reconcilePayload{PaymentID: paymentID})
	_, err := s.queue.Enqueue(ctx, queue.Task{Type: TaskReconcile, Payload: payload}, queue.EnqueueOption{
		ProcessIn: s.delay,
		Queue:     reconcileQueue,
		MaxRetry:  10,
	})
	if err != nil {
		// The webhook still settles the payment; reconciliation is a fallback.
		s.logger.WarnContext(ctx, "reconcile not scheduled", slog.String("payment_id", paymentID), slog.Any("error", err))
	}
}
