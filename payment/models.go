package payment

import "time"

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// KindChatAccess marks a payment that unlocks a case conversation.
const KindChatAccess = "chat_access"

// Payment is a payer's payment against a case.
type Payment struct {
	ID             string    `json:"id"`
	CaseID         string    `json:"case_id"`
	PayerID        string    `json:"payer_id"`
	BidID          string    `json:"bid_id,omitempty"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Kind           string    `json:"kind"`
	Status         Status    `json:"status"`
	GatewayOrderID string    `json:"gateway_order_id"`
	GatewayRef     string    `json:"gateway_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateParams contains write parameters for a new pending payment.
type CreateParams struct {
	CaseID         string
	PayerID        string
	BidID          string
	Amount         float64
	Currency       string
	Kind           string
	GatewayOrderID string
}

// Checkout is what a payer needs to finish paying at the gateway.
type Checkout struct {
	Payment Payment `json:"payment"`
	Order   Order   `json:"order"`
}

// AccessStatus reports whether chat access has been paid for.
type AccessStatus struct {
	HasChatAccess bool     `json:"has_chat_access"`
	Payment       *Payment `json:"payment"`
}

// CompleteInput is a gateway's verdict on a payment. Either PaymentID or
// OrderID identifies the payment.
type CompleteInput struct {
	PaymentID  string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	Success    bool   `json:"success"`
	GatewayRef string `json:"gateway_ref"`
}
