// Package bidding enforces the case and bid lifecycle.
//
// Every transition locks the case row first, so transitions on one case are
// serialized by the database regardless of how many API workers run. Accepting
// a bid applies its whole cascade in a single transaction.
package bidding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lawconnect/access"
	"lawconnect/cases"
	"lawconnect/db"
	"lawconnect/errs"
)

// Personal-channel event types emitted after a transition commits.
const (
	EventBidAccepted  = "bid_accepted"
	EventBidRejected  = "bid_rejected"
	EventBidSubmitted = "new_bid"
)

// Notifier delivers an event to a principal's personal channel. The realtime
// hub implements it; delivery is best effort.
type Notifier interface {
	Notify(userID, eventType, caseID string, data any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, string, any) {}

// Service implements the case and bid lifecycle.
type Service struct {
	pool     db.TxBeginner
	repo     cases.Repository
	guard    *access.Guard
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	currency string
}

// NewService wires the lifecycle service. repo doubles as the policy loader.
func NewService(pool db.TxBeginner, repo cases.Repository) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		guard:    access.NewGuard(repo),
		notifier: nopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
		currency: "INR",
	}
}

// WithNotifier sets the post-commit notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithLogger sets the service logger, also used for audit records.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
		s.guard.WithLogger(logger)
	}
	return s
}

// WithClock overrides the clock used for acceptance timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDefaultCurrency sets the currency applied when a request leaves it empty.
func (s *Service) WithDefaultCurrency(currency string) *Service {
	if currency != "" {
		s.currency = currency
	}
	return s
}

// Guard exposes the policy guard bound to this service's repository.
func (s *Service) Guard() *access.Guard { return s.guard }

type notice struct {
	userID    string
	eventType string
	caseID    string
	data      any
}

// inTx runs fn in a transaction and, once committed, sends the notices fn returned.
// Begin and commit failures are transient.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) ([]notice, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Transient(op+": begin tx", err)
	}
	defer tx.Rollback(ctx)

	notices, err := fn(tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.ErrorContext(ctx, "commit failed", slog.String("op", op), slog.Any("error", err))
		return errs.Transient(op+": commit tx", err)
	}

	for _, n := range notices {
		s.notifier.Notify(n.userID, n.eventType, n.caseID, n.data)
	}
	return nil
}

// transient forces err into the transient class. Used for writes inside a
// cascade, where any failure means the unit rolled back and may be retried.
func (s *Service) transient(ctx context.Context, op string, err error) error {
	s.logger.ErrorContext(ctx, "cascade aborted", slog.String("op", op), slog.Any("error", err))
	if errors.Is(err, errs.ErrTransient) {
		return err
	}
	return errs.Transient(op, err)
}
