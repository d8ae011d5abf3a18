package access

import (
	"context"
	"fmt"
	"log/slog"

	"lawconnect/auth"
	"lawconnect/cases"
	"lawconnect/errs"
)

// Loader reads the state a CaseView is built from. cases.PGRepository satisfies it.
type Loader interface {
	GetCase(ctx context.Context, caseID string) (cases.Case, error)
	AcceptedBid(ctx context.Context, caseID string) (*cases.Bid, error)
	ProviderBid(ctx context.Context, caseID, providerID string) (*cases.Bid, error)
}

// ChatGrant is the outcome of a successful chat authorization.
type ChatGrant struct {
	View CaseView
	// Peer is the only principal p may address on this case; empty when p
	// may observe but not author messages.
	Peer string
}

// ChatAuthorizer decides whether a principal may take part in a case's chat.
// Every chat path, request or realtime, goes through one.
type ChatAuthorizer interface {
	AuthorizeChat(ctx context.Context, p auth.Principal, caseID string) (ChatGrant, error)
}

// Guard loads case views and evaluates the policy against them.
type Guard struct {
	loader Loader
	logger *slog.Logger
}

// NewGuard builds a Guard over loader.
func NewGuard(loader Loader) *Guard {
	return &Guard{loader: loader, logger: slog.Default()}
}

// WithLogger sets the logger used for denial audit records.
func (g *Guard) WithLogger(logger *slog.Logger) *Guard {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Load builds the CaseView for p. The principal's own bid is loaded only for providers.
func (g *Guard) Load(ctx context.Context, p auth.Principal, caseID string) (CaseView, error) {
	c, err := g.loader.GetCase(ctx, caseID)
	if err != nil {
		return CaseView{}, err
	}
	accepted, err := g.loader.AcceptedBid(ctx, caseID)
	if err != nil {
		return CaseView{}, err
	}
	view := CaseView{Case: c, Accepted: accepted}
	if p.Role == auth.RoleProvider {
		own, err := g.loader.ProviderBid(ctx, caseID, p.ID)
		if err != nil {
			return CaseView{}, err
		}
		view.Own = own
	}
	return view, nil
}

// View loads the case and requires CanViewCase.
func (g *Guard) View(ctx context.Context, p auth.Principal, caseID string) (CaseView, error) {
	view, err := g.Load(ctx, p, caseID)
	if err != nil {
		return CaseView{}, err
	}
	if !CanViewCase(p, view) {
		return CaseView{}, Deny(ctx, g.logger, p, caseID, "can_view_case")
	}
	return view, nil
}

// AuthorizeChat loads the case and requires IsChatEligible.
func (g *Guard) AuthorizeChat(ctx context.Context, p auth.Principal, caseID string) (ChatGrant, error) {
	view, err := g.Load(ctx, p, caseID)
	if err != nil {
		return ChatGrant{}, err
	}
	if !IsChatEligible(p, view) {
		return ChatGrant{}, Deny(ctx, g.logger, p, caseID, "is_chat_eligible")
	}
	peer, _ := ResolveChatPeer(p, view)
	return ChatGrant{View: view, Peer: peer}, nil
}

// Deny records an audit line for a failed predicate and returns the matching
// forbidden error.
func Deny(ctx context.Context, logger *slog.Logger, p auth.Principal, caseID, predicate string) error {
	return Reject(ctx, logger, p, caseID, predicate,
		fmt.Errorf("access: %s denied for %s on case %s: %w", predicate, p.ID, caseID, errs.ErrForbidden))
}

// Reject records an audit line for any refused operation and returns err unchanged.
func Reject(ctx context.Context, logger *slog.Logger, p auth.Principal, caseID, predicate string, err error) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "operation rejected",
		slog.String("actor", p.ID),
		slog.String("role", string(p.Role)),
		slog.String("case_id", caseID),
		slog.String("predicate", predicate),
		slog.String("reason", errs.Code(err)),
	)
	return err
}
