// Package access is the single authority on who may do what to a case.
//
// The predicates are pure functions of a CaseView and never fail; callers turn a
// false result into their own error representation. Guard loads the view from
// storage and is what the request and realtime surfaces share.
package access

import (
	"fmt"

	"lawconnect/auth"
	"lawconnect/cases"
	"lawconnect/errs"
)

// CaseView is the slice of persisted state the predicates read.
type CaseView struct {
	Case cases.Case
	// Accepted is the case's accepted bid, nil when none exists.
	Accepted *cases.Bid
	// Own is the principal's live bid on the case, nil when none exists or
	// the view was loaded without it.
	Own *cases.Bid
}

// CanViewCase reports whether p may read the case record.
func CanViewCase(p auth.Principal, v CaseView) bool {
	if p.IsAdmin() || isOwner(p, v.Case) {
		return true
	}
	if v.Case.Status == cases.StatusOpen {
		return true
	}
	return IsChatEligible(p, v)
}

// CanBid reports whether p may submit a bid on the case.
func CanBid(p auth.Principal, v CaseView) bool {
	return BidDenial(p, v) == nil
}

// BidDenial explains why CanBid is false, classified for the caller. It returns
// nil when the bid is allowed.
func BidDenial(p auth.Principal, v CaseView) error {
	if p.Role != auth.RoleProvider {
		return fmt.Errorf("access: only providers may bid: %w", errs.ErrForbidden)
	}
	if v.Case.Status != cases.StatusOpen {
		return fmt.Errorf("access: case is %s, not open: %w", v.Case.Status, errs.ErrInvalidState)
	}
	if v.Own != nil && v.Own.Status != cases.BidWithdrawn {
		return fmt.Errorf("access: provider already bid on this case: %w", errs.ErrConflict)
	}
	return nil
}

// CanActOnBid reports whether p may accept or reject bid b on case c.
func CanActOnBid(p auth.Principal, c cases.Case, b cases.Bid) bool {
	if b.CaseID != c.ID {
		return false
	}
	return p.IsAdmin() || isOwner(p, c)
}

// CanManageCase reports whether p may edit, close or cancel the case.
func CanManageCase(p auth.Principal, c cases.Case) bool {
	return p.IsAdmin() || isOwner(p, c)
}

// IsChatEligible reports whether p is a party to the case's conversation: the
// owner, the provider of the accepted bid, or an administrator.
func IsChatEligible(p auth.Principal, v CaseView) bool {
	switch p.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleClient:
		return isOwner(p, v.Case)
	case auth.RoleProvider:
		return isAcceptedProvider(p, v)
	default:
		return false
	}
}

// ResolveChatPeer returns the other party of the conversation for p: the
// accepted provider for the owner and the owner for the accepted provider.
// ok is false when no accepted bid exists or p is not one of the two parties.
func ResolveChatPeer(p auth.Principal, v CaseView) (peerID string, ok bool) {
	if v.Accepted == nil || v.Accepted.Status != cases.BidAccepted || v.Accepted.CaseID != v.Case.ID {
		return "", false
	}
	switch p.Role {
	case auth.RoleClient:
		if isOwner(p, v.Case) {
			return v.Accepted.ProviderID, true
		}
	case auth.RoleProvider:
		if isAcceptedProvider(p, v) {
			return v.Case.OwnerID, true
		}
	case auth.RoleAdmin:
		// administrators observe conversations but are never a party to one
	}
	return "", false
}

func isOwner(p auth.Principal, c cases.Case) bool {
	return p.ID != "" && p.ID == c.OwnerID
}

func isAcceptedProvider(p auth.Principal, v CaseView) bool {
	return p.ID != "" &&
		v.Accepted != nil &&
		v.Accepted.Status == cases.BidAccepted &&
		v.Accepted.CaseID == v.Case.ID &&
		v.Accepted.ProviderID == p.ID
}
