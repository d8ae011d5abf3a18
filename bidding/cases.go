package bidding

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/cases"
	"lawconnect/errs"
)

// CreateCaseInput carries caller-supplied fields for a new case.
type CreateCaseInput struct {
	Title       string
	Description string
	Category    string
	Budget      float64
	Currency    string
}

// DetailsInput carries the editable fields of a case.
type DetailsInput struct {
	Title       string
	Description string
	Category    string
	Budget      float64
}

func (in DetailsInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("bidding: title is required: %w", errs.ErrInvalidInput)
	}
	if in.Budget < 0 {
		return fmt.Errorf("bidding: budget must be non-negative: %w", errs.ErrInvalidInput)
	}
	return nil
}

// CreateCase opens a new case owned by p. Only clients post cases.
func (s *Service) CreateCase(ctx context.Context, p auth.Principal, in CreateCaseInput) (cases.Case, error) {
	if p.Role != auth.RoleClient {
		return cases.Case{}, access.Deny(ctx, s.logger, p, "", "can_create_case")
	}
	details := DetailsInput{Title: in.Title, Description: in.Description, Category: in.Category, Budget: in.Budget}
	if err := details.validate(); err != nil {
		return cases.Case{}, err
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = "other"
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	var created cases.Case
	err := s.inTx(ctx, "bidding: create case", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.CreateCase(ctx, tx, cases.CreateCaseParams{
			OwnerID:     p.ID,
			Title:       strings.TrimSpace(in.Title),
			Description: strings.TrimSpace(in.Description),
			Category:    category,
			Budget:      in.Budget,
			Currency:    currency,
		})
		if err != nil {
			return nil, err
		}
		if err := s.repo.AppendEvent(ctx, tx, cases.Event{
			CaseID:  c.ID,
			Type:    cases.EventCaseCreated,
			ActorID: p.ID,
			Payload: map[string]any{"title": c.Title, "budget": c.Budget},
		}); err != nil {
			return nil, err
		}
		created = c
		return nil, nil
	})
	if err != nil {
		return cases.Case{}, err
	}
	return created, nil
}

// GetCase returns the case view when p may see it.
func (s *Service) GetCase(ctx context.Context, p auth.Principal, caseID string) (access.CaseView, error) {
	return s.guard.View(ctx, p, caseID)
}

// ListCases returns the cases p may browse: owners see their own, providers see
// the open marketplace plus cases they won, administrators see everything.
func (s *Service) ListCases(ctx context.Context, p auth.Principal, status cases.Status) ([]cases.Case, error) {
	filter := cases.ListFilter{PrincipalID: p.ID, Status: status}
	switch p.Role {
	case auth.RoleClient:
		filter.Scope = cases.ScopeOwned
	case auth.RoleProvider:
		filter.Scope = cases.ScopeMarketplace
	case auth.RoleAdmin:
		filter.Scope = cases.ScopeAll
	default:
		return nil, access.Deny(ctx, s.logger, p, "", "can_list_cases")
	}
	return s.repo.ListCases(ctx, filter)
}

// UpdateCaseDetails edits the descriptive fields of a live case. Status only
// moves through the lifecycle operations.
func (s *Service) UpdateCaseDetails(ctx context.Context, p auth.Principal, caseID string, in DetailsInput) (cases.Case, error) {
	if err := in.validate(); err != nil {
		return cases.Case{}, err
	}

	var updated cases.Case
	err := s.inTx(ctx, "bidding: update case", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return nil, err
		}
		if !access.CanManageCase(p, c) {
			return nil, access.Deny(ctx, s.logger, p, caseID, "can_manage_case")
		}
		if c.Status == cases.StatusClosed || c.Status == cases.StatusCancelled {
			return nil, access.Reject(ctx, s.logger, p, caseID, "case_is_live",
				fmt.Errorf("bidding: case is %s: %w", c.Status, errs.ErrInvalidState))
		}
		category := strings.TrimSpace(in.Category)
		if category == "" {
			category = c.Category
		}
		updated, err = s.repo.UpdateCaseDetails(ctx, tx, caseID, cases.DetailsParams{
			Title:       strings.TrimSpace(in.Title),
			Description: strings.TrimSpace(in.Description),
			Category:    category,
			Budget:      in.Budget,
		})
		if err != nil {
			return nil, err
		}
		return nil, s.repo.AppendEvent(ctx, tx, cases.Event{
			CaseID:  caseID,
			Type:    cases.EventCaseUpdated,
			ActorID: p.ID,
		})
	})
	if err != nil {
		return cases.Case{}, err
	}
	return updated, nil
}

// CloseCase finishes an in-progress case.
func (s *Service) CloseCase(ctx context.Context, p auth.Principal, caseID string) error {
	return s.inTx(ctx, "bidding: close case", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return nil, err
		}
		if !access.CanManageCase(p, c) {
			return nil, access.Deny(ctx, s.logger, p, caseID, "can_manage_case")
		}
		if c.Status != cases.StatusInProgress {
			return nil, access.Reject(ctx, s.logger, p, caseID, "case_in_progress",
				fmt.Errorf("bidding: cannot close a %s case: %w", c.Status, errs.ErrInvalidState))
		}
		if err := s.repo.SetCaseStatus(ctx, tx, caseID, cases.StatusClosed); err != nil {
			return nil, err
		}
		return nil, s.repo.AppendEvent(ctx, tx, statusEvent(caseID, p.ID, c.Status, cases.StatusClosed))
	})
}

// CancelCase withdraws an open case. Its pending bids are rejected in the same
// transaction and their providers notified after commit.
func (s *Service) CancelCase(ctx context.Context, p auth.Principal, caseID string) error {
	return s.inTx(ctx, "bidding: cancel case", func(tx pgx.Tx) ([]notice, error) {
		c, err := s.repo.LockCase(ctx, tx, caseID)
		if err != nil {
			return nil, err
		}
		if !access.CanManageCase(p, c) {
			return nil, access.Deny(ctx, s.logger, p, caseID, "can_manage_case")
		}
		if c.Status != cases.StatusOpen {
			return nil, access.Reject(ctx, s.logger, p, caseID, "case_open",
				fmt.Errorf("bidding: cannot cancel a %s case: %w", c.Status, errs.ErrInvalidState))
		}

		rejected, err := s.repo.RejectPendingBids(ctx, tx, caseID, "")
		if err != nil {
			return nil, s.transient(ctx, "bidding: cancel case: reject bids", err)
		}
		if err := s.repo.SetCaseStatus(ctx, tx, caseID, cases.StatusCancelled); err != nil {
			return nil, s.transient(ctx, "bidding: cancel case: set status", err)
		}
		if err := s.repo.AppendEvent(ctx, tx, statusEvent(caseID, p.ID, c.Status, cases.StatusCancelled)); err != nil {
			return nil, err
		}
		if len(rejected) > 0 {
			if err := s.repo.AppendEvent(ctx, tx, cascadeEvent(caseID, p.ID, rejected)); err != nil {
				return nil, err
			}
		}
		return rejectionNotices(rejected), nil
	})
}

func statusEvent(caseID, actorID string, from, to cases.Status) cases.Event {
	return cases.Event{
		CaseID:  caseID,
		Type:    cases.EventCaseStatus,
		ActorID: actorID,
		Payload: map[string]any{"previous_status": from, "next_status": to},
	}
}

func cascadeEvent(caseID, actorID string, rejected []cases.Bid) cases.Event {
	ids := make([]string, 0, len(rejected))
	for _, b := range rejected {
		ids = append(ids, b.ID)
	}
	return cases.Event{
		CaseID:  caseID,
		Type:    cases.EventBidsCascaded,
		ActorID: actorID,
		Payload: map[string]any{"bid_ids": ids},
	}
}

func rejectionNotices(rejected []cases.Bid) []notice {
	out := make([]notice, 0, len(rejected))
	for _, b := range rejected {
		b.Status = cases.BidRejected
		out = append(out, notice{userID: b.ProviderID, eventType: EventBidRejected, caseID: b.CaseID, data: b})
	}
	return out
}
