// Package message is the chat store. Every read and write of a case's
// conversation is authorized through an access.ChatAuthorizer, and the
// receiver of a new message is always the peer the policy resolves.
package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/errs"
)

const maxContentLength = 10_000

// Store appends and reads chat messages.
type Store struct {
	repo   Repository
	authz  access.ChatAuthorizer
	logger *slog.Logger
}

// NewStore builds a Store. authz is either the bare policy guard or a gate
// decorating it.
func NewStore(repo Repository, authz access.ChatAuthorizer) *Store {
	return &Store{repo: repo, authz: authz, logger: slog.Default()}
}

// WithLogger sets the logger used for audit records.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Append persists a message from sender. The claimed receiver must equal the
// peer the policy resolves for sender on the case; anything else, including
// the absence of a peer, is forbidden.
func (s *Store) Append(ctx context.Context, sender auth.Principal, in AppendInput) (Message, error) {
	params, err := normalize(in)
	if err != nil {
		return Message{}, err
	}

	grant, err := s.authz.AuthorizeChat(ctx, sender, in.CaseID)
	if err != nil {
		return Message{}, err
	}
	if grant.Peer == "" || grant.Peer != in.ReceiverID {
		return Message{}, access.Deny(ctx, s.logger, sender, in.CaseID, "resolve_chat_peer")
	}

	params.SenderID = sender.ID
	params.ReceiverID = grant.Peer
	return s.repo.Insert(ctx, params)
}

// MarkRead flags the principal's unread messages on the case and returns how
// many changed. It only ever touches messages addressed to p.
func (s *Store) MarkRead(ctx context.Context, p auth.Principal, caseID string) (int64, error) {
	if caseID == "" {
		return 0, fmt.Errorf("message: case_id is required: %w", errs.ErrInvalidInput)
	}
	return s.repo.MarkRead(ctx, caseID, p.ID)
}

// UnreadCount returns the principal's unread messages across every case.
func (s *Store) UnreadCount(ctx context.Context, p auth.Principal) (int64, error) {
	return s.repo.UnreadCount(ctx, p.ID)
}

// List returns the case conversation in chronological order. Conversations
// are private to the two parties and administrators.
func (s *Store) List(ctx context.Context, p auth.Principal, caseID string) ([]Message, error) {
	if _, err := s.authz.AuthorizeChat(ctx, p, caseID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Partners lists the conversations p takes part in.
func (s *Store) Partners(ctx context.Context, p auth.Principal) ([]Partner, error) {
	partners, err := s.repo.Partners(ctx, p)
	if err != nil {
		return nil, err
	}
	if partners == nil {
		partners = []Partner{}
	}
	return partners, nil
}

func normalize(in AppendInput) (InsertParams, error) {
	if in.CaseID == "" {
		return InsertParams{}, fmt.Errorf("message: case_id is required: %w", errs.ErrInvalidInput)
	}
	kind := in.Kind
	if kind == "" {
		kind = KindText
	}
	params := InsertParams{
		CaseID:  in.CaseID,
		Content: strings.TrimSpace(in.Content),
		Kind:    kind,
	}
	switch kind {
	case KindText:
		if params.Content == "" {
			return InsertParams{}, fmt.Errorf("message: content is required: %w", errs.ErrInvalidInput)
		}
	case KindFile:
		params.FileURL = strings.TrimSpace(in.FileURL)
		params.FileName = strings.TrimSpace(in.FileName)
		if params.FileURL == "" {
			return InsertParams{}, fmt.Errorf("message: file_url is required for file messages: %w", errs.ErrInvalidInput)
		}
	default:
		return InsertParams{}, fmt.Errorf("message: unknown kind %q: %w", kind, errs.ErrInvalidInput)
	}
	if len(params.Content) > maxContentLength {
		return InsertParams{}, fmt.Errorf("message: content exceeds %d bytes: %w", maxContentLength, errs.ErrInvalidInput)
	}
	return params, nil
}
