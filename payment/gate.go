package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/cache"
)

// Checker answers whether a payer has completed chat-access payment. Service
// implements it.
type Checker interface {
	RequirePayment(ctx context.Context, caseID, payerID string) (bool, error)
}

// Gate requires a completed payment by the case owner on top of an inner
// chat authorizer. Administrators are never gated. Positive answers are cached
// because a completed payment is never reverted.
type Gate struct {
	inner   access.ChatAuthorizer
	checker Checker
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

var _ access.ChatAuthorizer = (*Gate)(nil)

// NewGate wraps inner with the payment requirement.
func NewGate(inner access.ChatAuthorizer, checker Checker) *Gate {
	return &Gate{inner: inner, checker: checker, ttl: time.Hour, logger: slog.Default()}
}

// WithCache caches completed payments for ttl.
func (g *Gate) WithCache(c cache.Cache, ttl time.Duration) *Gate {
	g.cache = c
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// WithLogger sets the logger used for audit records.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// AuthorizeChat defers to the inner authorizer, then requires the case owner's
// completed chat-access payment for everyone but administrators.
func (g *Gate) AuthorizeChat(ctx context.Context, p auth.Principal, caseID string) (access.ChatGrant, error) {
	grant, err := g.inner.AuthorizeChat(ctx, p, caseID)
	if err != nil {
		return access.ChatGrant{}, err
	}
	if p.IsAdmin() {
		return grant, nil
	}
	paid, err := g.paid(ctx, caseID, grant.View.Case.OwnerID)
	if err != nil {
		return access.ChatGrant{}, err
	}
	if !paid {
		return access.ChatGrant{}, access.Deny(ctx, g.logger, p, caseID, "require_payment")
	}
	return grant, nil
}

func (g *Gate) paid(ctx context.Context, caseID, payerID string) (bool, error) {
	key := "chat_access:" + caseID + ":" + payerID
	if g.cache != nil {
		_, err := g.cache.Get(ctx, key)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			g.logger.WarnContext(ctx, "chat access cache read failed", slog.Any("error", err))
		}
	}
	paid, err := g.checker.RequirePayment(ctx, caseID, payerID)
	if err != nil || !paid {
		return paid, err
	}
	if g.cache != nil {
		if err := g.cache.Set(ctx, key, "1", g.ttl); err != nil {
			g.logger.WarnContext(ctx, "chat access cache write failed", slog.Any("error", err))
		}
	}
	return true, nil
}
