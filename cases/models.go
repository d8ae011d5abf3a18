package cases

import "time"

// Status is the lifecycle state of a case.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// BidStatus is the lifecycle state of a bid. Every state except pending is terminal.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

// Case is a unit of work posted by its owner.
type Case struct {
	ID          string
	OwnerID     string
	OwnerName   string
	Title       string
	Description string
	Category    string
	Budget      float64
	Currency    string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bid is a provider's offer on a case. Content is immutable once created.
type Bid struct {
	ID           string
	CaseID       string
	ProviderID   string
	ProviderName string
	Amount       float64
	Currency     string
	Message      string
	Status       BidStatus
	AcceptedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one row of a case's append-only timeline.
type Event struct {
	CaseID  string
	Type    string
	ActorID string
	Payload map[string]any
}

// Timeline event types.
const (
	EventCaseCreated  = "CASE_CREATED"
	EventCaseUpdated  = "CASE_UPDATED"
	EventCaseStatus   = "CASE_STATUS_CHANGED"
	EventBidSubmitted = "BID_SUBMITTED"
	EventBidAccepted  = "BID_ACCEPTED"
	EventBidRejected  = "BID_REJECTED"
	EventBidWithdrawn = "BID_WITHDRAWN"
	EventBidsCascaded = "BIDS_REJECTED_BY_CASCADE"
)

// Scope selects which cases ListCases returns.
type Scope int

const (
	// ScopeOwned returns cases owned by the principal.
	ScopeOwned Scope = iota + 1
	// ScopeMarketplace returns open cases plus cases where the principal holds the accepted bid.
	ScopeMarketplace
	// ScopeAll returns every case.
	ScopeAll
)

// ListFilter narrows ListCases.
type ListFilter struct {
	Scope       Scope
	PrincipalID string
	Status      Status
	Limit       int
}

// CreateCaseParams contains write parameters for new cases.
type CreateCaseParams struct {
	OwnerID     string
	Title       string
	Description string
	Category    string
	Budget      float64
	Currency    string
}

// DetailsParams carries the mutable, non-lifecycle fields of a case.
type DetailsParams struct {
	Title       string
	Description string
	Category    string
	Budget      float64
}

// CreateBidParams contains write parameters for new bids.
type CreateBidParams struct {
	CaseID     string
	ProviderID string
	Amount     float64
	Currency   string
	Message    string
}
