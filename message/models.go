package message

import (
	"time"

	"lawconnect/auth"
)

// Kind distinguishes plain text from file messages.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Message is one chat entry on a case. It is append-only apart from the
// receiver flipping IsRead.
type Message struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	CaseID     string    `json:"case_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"kind"`
	FileURL    string    `json:"file_url,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SenderName string    `json:"sender_name"`
	SenderRole auth.Role `json:"sender_role"`
}

// Partner is the other party of a conversation the principal takes part in.
type Partner struct {
	CaseID      string    `json:"case_id"`
	CaseTitle   string    `json:"case_title"`
	PartnerID   string    `json:"partner_id"`
	PartnerName string    `json:"partner_name"`
	PartnerRole auth.Role `json:"partner_role"`
	Unread      int64     `json:"unread"`
}

// AppendInput is a message as submitted by its sender. ReceiverID is the
// sender's claim and is checked against the resolved peer.
type AppendInput struct {
	CaseID     string
	ReceiverID string
	Content    string
	Kind       Kind
	FileURL    string
	FileName   string
}

// InsertParams is a validated message ready to persist.
type InsertParams struct {
	CaseID     string
	SenderID   string
	ReceiverID string
	Content    string
	Kind       Kind
	FileURL    string
	FileName   string
}
