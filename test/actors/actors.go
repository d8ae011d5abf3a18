package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lawconnect/auth"
	"lawconnect/bidding"
	"lawconnect/errs"
	"lawconnect/message"
)

// World is the shared state the actors operate on.
type World struct {
	Pool      *pgxpool.Pool
	Bids      *bidding.Service
	Chat      *message.Store
	Owners    []auth.Principal
	Providers []auth.Principal
}

func pick(ps []auth.Principal) auth.Principal { return ps[rand.Intn(len(ps))] }

func nap(min, spread int) { time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond) }

// tolerate drops the outcomes an actor expects under contention and chaos.
// Anything else is a bug and stops the run.
func tolerate(ctx context.Context, op string, err error, expected ...error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, errs.ErrTransient) {
		return nil
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// randomCase returns a random case id matching status, or "" when none exists.
func randomCase(ctx context.Context, pool *pgxpool.Pool, status string) string {
	var id string
	_ = pool.QueryRow(ctx, `SELECT id::text FROM cases WHERE status = $1 ORDER BY random() LIMIT 1`, status).Scan(&id)
	return id
}

// Poster keeps a supply of open cases by posting new ones.
func Poster(ctx context.Context, w *World, stop <-chan struct{}) error {
	for n := 0; !done(ctx, stop); n++ {
		_, err := w.Bids.CreateCase(ctx, pick(w.Owners), bidding.CreateCaseInput{
			Title:  fmt.Sprintf("Stress case %d", n),
			Budget: float64(100 + rand.Intn(900)),
		})
		if err := tolerate(ctx, "post case", err); err != nil {
			return err
		}
		nap(150, 150)
	}
	return nil
}

// Bidder submits bids on random open cases. Losing the race to a closing case
// or bidding twice is expected.
func Bidder(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		caseID := randomCase(ctx, w.Pool, "open")
		if caseID != "" {
			_, err := w.Bids.CreateBid(ctx, pick(w.Providers), bidding.CreateBidInput{
				CaseID: caseID,
				Amount: float64(50 + rand.Intn(500)),
			})
			if err := tolerate(ctx, "create bid", err, errs.ErrInvalidState, errs.ErrConflict); err != nil {
				return err
			}
		}
		nap(10, 20)
	}
	return nil
}

// Acceptor has owners accept random pending bids on their cases. Several
// acceptors race over the same cases, so most attempts must lose cleanly.
func Acceptor(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		var bidID, ownerID string
		err := w.Pool.QueryRow(ctx, `
			SELECT b.id::text, c.owner_id::text
			FROM bids b JOIN cases c ON c.id = b.case_id
			WHERE b.status = 'pending' AND c.status = 'open'
			ORDER BY random() LIMIT 1`).Scan(&bidID, &ownerID)
		if err == nil {
			owner := auth.Principal{ID: ownerID, Role: auth.RoleClient}
			_, err := w.Bids.AcceptBid(ctx, owner, bidID)
			if err := tolerate(ctx, "accept bid", err, errs.ErrInvalidState, errs.ErrConflict); err != nil {
				return err
			}
		}
		nap(20, 40)
	}
	return nil
}

// Withdrawer has providers pull random pending bids of their own.
func Withdrawer(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		var bidID, providerID string
		err := w.Pool.QueryRow(ctx, `
			SELECT id::text, provider_id::text FROM bids
			WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&bidID, &providerID)
		if err == nil && rand.Intn(4) == 0 {
			p := auth.Principal{ID: providerID, Role: auth.RoleProvider}
			_, err := w.Bids.WithdrawBid(ctx, p, bidID)
			if err := tolerate(ctx, "withdraw bid", err, errs.ErrInvalidState); err != nil {
				return err
			}
		}
		nap(50, 50)
	}
	return nil
}

// Chatter exchanges messages on in-progress cases between the owner and the
// accepted provider, and checks that an outsider addressing either party is
// always refused.
func Chatter(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		var caseID, ownerID, providerID string
		err := w.Pool.QueryRow(ctx, `
			SELECT c.id::text, c.owner_id::text, b.provider_id::text
			FROM cases c JOIN bids b ON b.case_id = c.id AND b.status = 'accepted'
			WHERE c.status = 'in_progress'
			ORDER BY random() LIMIT 1`).Scan(&caseID, &ownerID, &providerID)
		if err != nil {
			nap(30, 30)
			continue
		}
		owner := auth.Principal{ID: ownerID, Role: auth.RoleClient}
		provider := auth.Principal{ID: providerID, Role: auth.RoleProvider}

		_, err = w.Chat.Append(ctx, owner, message.AppendInput{CaseID: caseID, ReceiverID: providerID, Content: "status?"})
		if err := tolerate(ctx, "owner message", err); err != nil {
			return err
		}
		_, err = w.Chat.Append(ctx, provider, message.AppendInput{CaseID: caseID, ReceiverID: ownerID, Content: "on it"})
		if err := tolerate(ctx, "provider message", err); err != nil {
			return err
		}
		_, err = w.Chat.MarkRead(ctx, owner, caseID)
		if err := tolerate(ctx, "mark read", err); err != nil {
			return err
		}

		outsider := pick(w.Providers)
		if outsider.ID != providerID {
			_, err = w.Chat.Append(ctx, outsider, message.AppendInput{CaseID: caseID, ReceiverID: ownerID, Content: "let me in"})
			if err == nil {
				return fmt.Errorf("outsider %s messaged case %s", outsider.ID, caseID)
			}
			if err := tolerate(ctx, "outsider message", err, errs.ErrForbidden); err != nil {
				return err
			}
		}
		nap(20, 30)
	}
	return nil
}
