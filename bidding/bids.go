package bidding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/cases"
	"lawconnect/errs"
)

// CreateBidInput carries caller-supplied fields for a new bid.
type CreateBidInput struct {
	CaseID   string
	Amount   float64
	Currency string
	Message  string
}

// CreateBid submits a pending bid from provider p on an open case.
func (s *Service) CreateBid(ctx context.Context, p auth.Principal, in CreateBidInput) (cases.Bid, error) {
	if in.CaseID == "" {
		return cases.Bid{}, fmt.Errorf("bidding: case_id is required: %w", errs.ErrInvalidInput)
	}
	if in.Amount < 0 {
		return cases.Bid{}, fmt.Errorf("bidding: amount must be non-negative: %w", errs.ErrInvalidInput)
	}

	var created cases.Bid
	err := s.inTx(ctx, "bidding: create bid", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, in.CaseID)
		if err != nil {
			return nil, err
		}
		view := access.CaseView{Case: c}
		if p.Role == auth.RoleProvider {
			if view.Own, err = s.repo.ProviderBid(ctx, c.ID, p.ID); err != nil {
				return nil, err
			}
		}
		if denial := access.BidDenial(p, view); denial != nil {
			return nil, access.Reject(ctx, s.logger, p, c.ID, "can_bid", denial)
		}

		currency := strings.ToUpper(strings.TrimSpace(in.Currency))
		if currency == "" {
			currency = c.Currency
		}
		b, err := s.repo.CreateBid(ctx, tx, cases.CreateBidParams{
			CaseID:     c.ID,
			ProviderID: p.ID,
			Amount:     in.Amount,
			Currency:   currency,
			Message:    strings.TrimSpace(in.Message),
		})
		if err != nil {
			if errors.Is(err, errs.ErrConflict) {
				return nil, access.Reject(ctx, s.logger, p, c.ID, "can_bid", err)
			}
			return nil, err
		}
		if err := s.repo.AppendEvent(ctx, tx, cases.Event{
			CaseID:  c.ID,
			Type:    cases.EventBidSubmitted,
			ActorID: p.ID,
			Payload: map[string]any{"bid_id": b.ID, "amount": b.Amount},
		}); err != nil {
			return nil, err
		}
		created = b
		return []notice{{userID: c.OwnerID, eventType: EventBidSubmitted, caseID: c.ID, data: b}}, nil
	})
	if err != nil {
		return cases.Bid{}, err
	}
	return created, nil
}

// AcceptBid accepts a pending bid on an open case. In one transaction it marks
// the bid accepted, moves the case to in_progress and rejects every other
// pending bid. Storage failures inside the cascade surface as ErrTransient.
func (s *Service) AcceptBid(ctx context.Context, p auth.Principal, bidID string) (cases.Bid, error) {
	target, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return cases.Bid{}, err
	}

	var accepted cases.Bid
	err = s.inTx(ctx, "bidding: accept bid", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, target.CaseID)
		if err != nil {
			return nil, err
		}
		b, err := s.repo.LockBid(ctx, tx, bidID)
		if err != nil {
			return nil, err
		}
		if !access.CanActOnBid(p, c, b) {
			return nil, access.Deny(ctx, s.logger, p, c.ID, "can_act_on_bid")
		}
		if b.Status != cases.BidPending || c.Status != cases.StatusOpen {
			return nil, access.Reject(ctx, s.logger, p, c.ID, "bid_pending_case_open",
				fmt.Errorf("bidding: accept bid: bid is %s, case is %s: %w", b.Status, c.Status, errs.ErrInvalidState))
		}

		at := s.now().UTC()
		if err := s.repo.SetBidStatus(ctx, tx, b.ID, cases.BidAccepted, at); err != nil {
			return nil, s.transient(ctx, "bidding: accept bid: mark accepted", err)
		}
		if err := s.repo.SetCaseStatus(ctx, tx, c.ID, cases.StatusInProgress); err != nil {
			return nil, s.transient(ctx, "bidding: accept bid: case in progress", err)
		}
		rejected, err := s.repo.RejectPendingBids(ctx, tx, c.ID, b.ID)
		if err != nil {
			return nil, s.transient(ctx, "bidding: accept bid: reject siblings", err)
		}

		events := []cases.Event{
			{CaseID: c.ID, Type: cases.EventBidAccepted, ActorID: p.ID, Payload: map[string]any{"bid_id": b.ID, "provider_id": b.ProviderID}},
			statusEvent(c.ID, p.ID, c.Status, cases.StatusInProgress),
		}
		if len(rejected) > 0 {
			events = append(events, cascadeEvent(c.ID, p.ID, rejected))
		}
		for _, ev := range events {
			if err := s.repo.AppendEvent(ctx, tx, ev); err != nil {
				return nil, s.transient(ctx, "bidding: accept bid: timeline", err)
			}
		}

		b.Status = cases.BidAccepted
		b.AcceptedAt = &at
		accepted = b

		notices := []notice{{userID: b.ProviderID, eventType: EventBidAccepted, caseID: c.ID, data: b}}
		return append(notices, rejectionNotices(rejected)...), nil
	})
	if err != nil {
		return cases.Bid{}, err
	}
	return accepted, nil
}

// RejectBid rejects a single pending bid. The case is untouched.
func (s *Service) RejectBid(ctx context.Context, p auth.Principal, bidID string) (cases.Bid, error) {
	target, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return cases.Bid{}, err
	}

	var rejected cases.Bid
	err = s.inTx(ctx, "bidding: reject bid", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, target.CaseID)
		if err != nil {
			return nil, err
		}
		b, err := s.repo.LockBid(ctx, tx, bidID)
		if err != nil {
			return nil, err
		}
		if !access.CanActOnBid(p, c, b) {
			return nil, access.Deny(ctx, s.logger, p, c.ID, "can_act_on_bid")
		}
		if b.Status != cases.BidPending {
			return nil, access.Reject(ctx, s.logger, p, c.ID, "bid_pending",
				fmt.Errorf("bidding: reject bid: bid is %s: %w", b.Status, errs.ErrInvalidState))
		}
		if err := s.repo.SetBidStatus(ctx, tx, b.ID, cases.BidRejected, s.now().UTC()); err != nil {
			return nil, err
		}
		if err := s.repo.AppendEvent(ctx, tx, cases.Event{
			CaseID:  c.ID,
			Type:    cases.EventBidRejected,
			ActorID: p.ID,
			Payload: map[string]any{"bid_id": b.ID},
		}); err != nil {
			return nil, err
		}
		b.Status = cases.BidRejected
		rejected = b
		return rejectionNotices([]cases.Bid{b}), nil
	})
	if err != nil {
		return cases.Bid{}, err
	}
	return rejected, nil
}

// WithdrawBid lets the bidding provider retract a pending bid, which frees
// them to bid on the case again.
func (s *Service) WithdrawBid(ctx context.Context, p auth.Principal, bidID string) (cases.Bid, error) {
	target, err := s.repo.GetBid(ctx, bidID)
	if err != nil {
		return cases.Bid{}, err
	}

	var withdrawn cases.Bid
	err = s.inTx(ctx, "bidding: withdraw bid", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, target.CaseID)
		if err != nil {
			return nil, err
		}
		b, err := s.repo.LockBid(ctx, tx, bidID)
		if err != nil {
			return nil, err
		}
		if p.ID == "" || p.ID != b.ProviderID {
			return nil, access.Deny(ctx, s.logger, p, c.ID, "is_bid_author")
		}
		if b.Status != cases.BidPending {
			return nil, access.Reject(ctx, s.logger, p, c.ID, "bid_pending",
				fmt.Errorf("bidding: withdraw bid: bid is %s: %w", b.Status, errs.ErrInvalidState))
		}
		if err := s.repo.SetBidStatus(ctx, tx, b.ID, cases.BidWithdrawn, s.now().UTC()); err != nil {
			return nil, err
		}
		if err := s.repo.AppendEvent(ctx, tx, cases.Event{
			CaseID:  c.ID,
			Type:    cases.EventBidWithdrawn,
			ActorID: p.ID,
			Payload: map[string]any{"bid_id": b.ID},
		}); err != nil {
			return nil, err
		}
		b.Status = cases.BidWithdrawn
		withdrawn = b
		return nil, nil
	})
	if err != nil {
		return cases.Bid{}, err
	}
	return withdrawn, nil
}

// ListBids returns the bids on a case. Owners and administrators see every bid;
// a provider sees only their own, even once the case is no longer visible to
// them.
func (s *Service) ListBids(ctx context.Context, p auth.Principal, caseID string) ([]cases.Bid, error) {
	view, err := s.guard.Load(ctx, p, caseID)
	if err != nil {
		return nil, err
	}
	if access.CanManageCase(p, view.Case) {
		return s.repo.ListBids(ctx, caseID)
	}
	if p.Role == auth.RoleProvider {
		if view.Own != nil {
			return []cases.Bid{*view.Own}, nil
		}
		if access.CanViewCase(p, view) {
			return []cases.Bid{}, nil
		}
	}
	return nil, access.Deny(ctx, s.logger, p, caseID, "can_view_bids")
}

// SetBidStatus dispatches a requested bid status to the matching transition.
func (s *Service) SetBidStatus(ctx context.Context, p auth.Principal, bidID string, status cases.BidStatus) (cases.Bid, error) {
	switch status {
	case cases.BidAccepted:
		return s.AcceptBid(ctx, p, bidID)
	case cases.BidRejected:
		return s.RejectBid(ctx, p, bidID)
	case cases.BidWithdrawn:
		return s.WithdrawBid(ctx, p, bidID)
	default:
		return cases.Bid{}, fmt.Errorf("bidding: unsupported bid status %q: %w", status, errs.ErrInvalidInput)
	}
}
