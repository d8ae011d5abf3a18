package bidding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lawconnect/cases"
)

type fakeRepo struct {
	cases  map[string]cases.Case
	bids   map[string]cases.Bid
	events []cases.Event
	failOn map[string]error
	nextID int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		cases:  make(map[string]cases.Case),
		bids:   make(map[string]cases.Bid),
		failOn: make(map[string]error),
	}
}

func (f *fakeRepo) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeRepo) fail(op string) error { return f.failOn[op] }

func (f *fakeRepo) CreateCase(ctx context.Context, tx pgx.Tx, params cases.CreateCaseParams) (cases.Case, error) {
	if err := f.fail("CreateCase"); err != nil {
		return cases.Case{}, err
	}
	c := cases.Case{
		ID:          f.id("case"),
		OwnerID:     params.OwnerID,
		Title:       params.Title,
		Description: params.Description,
		Category:    params.Category,
		Budget:      params.Budget,
		Currency:    params.Currency,
		Status:      cases.StatusOpen,
		CreatedAt:   time.Now(),
	}
	f.cases[c.ID] = c
	return c, nil
}

func (f *fakeRepo) GetCase(ctx context.Context, caseID string) (cases.Case, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return cases.Case{}, cases.ErrCaseNotFound
	}
	return c, nil
}

func (f *fakeRepo) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (cases.Case, error) {
	return f.GetCase(ctx, caseID)
}

func (f *fakeRepo) ListCases(ctx context.Context, filter cases.ListFilter) ([]cases.Case, error) {
	var out []cases.Case
	for _, c := range f.cases {
		keep := false
		switch filter.Scope {
		case cases.ScopeOwned:
			keep = c.OwnerID == filter.PrincipalID
		case cases.ScopeMarketplace:
			keep = c.Status == cases.StatusOpen
			if acc, _ := f.AcceptedBid(ctx, c.ID); acc != nil && acc.ProviderID == filter.PrincipalID {
				keep = true
			}
		case cases.ScopeAll:
			keep = true
		}
		if keep && (filter.Status == "" || filter.Status == c.Status) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) UpdateCaseDetails(ctx context.Context, tx pgx.Tx, caseID string, params cases.DetailsParams) (cases.Case, error) {
	c, ok := f.cases[caseID]
	if !ok {
		return cases.Case{}, cases.ErrCaseNotFound
	}
	c.Title, c.Description, c.Category, c.Budget = params.Title, params.Description, params.Category, params.Budget
	f.cases[caseID] = c
	return c, nil
}

func (f *fakeRepo) SetCaseStatus(ctx context.Context, tx pgx.Tx, caseID string, status cases.Status) error {
	if err := f.fail("SetCaseStatus"); err != nil {
		return err
	}
	c, ok := f.cases[caseID]
	if !ok {
		return cases.ErrCaseNotFound
	}
	c.Status = status
	f.cases[caseID] = c
	return nil
}

func (f *fakeRepo) CreateBid(ctx context.Context, tx pgx.Tx, params cases.CreateBidParams) (cases.Bid, error) {
	for _, b := range f.bids {
		if b.CaseID == params.CaseID && b.ProviderID == params.ProviderID && b.Status != cases.BidWithdrawn {
			return cases.Bid{}, cases.ErrDuplicateBid
		}
	}
	b := cases.Bid{
		ID:         f.id("bid"),
		CaseID:     params.CaseID,
		ProviderID: params.ProviderID,
		Amount:     params.Amount,
		Currency:   params.Currency,
		Message:    params.Message,
		Status:     cases.BidPending,
		CreatedAt:  time.Now(),
	}
	f.bids[b.ID] = b
	return b, nil
}

func (f *fakeRepo) GetBid(ctx context.Context, bidID string) (cases.Bid, error) {
	b, ok := f.bids[bidID]
	if !ok {
		return cases.Bid{}, cases.ErrBidNotFound
	}
	return b, nil
}

func (f *fakeRepo) LockBid(ctx context.Context, tx pgx.Tx, bidID string) (cases.Bid, error) {
	return f.GetBid(ctx, bidID)
}

func (f *fakeRepo) ListBids(ctx context.Context, caseID string) ([]cases.Bid, error) {
	var out []cases.Bid
	for _, b := range f.bids {
		if b.CaseID == caseID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) AcceptedBid(ctx context.Context, caseID string) (*cases.Bid, error) {
	for _, b := range f.bids {
		if b.CaseID == caseID && b.Status == cases.BidAccepted {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ProviderBid(ctx context.Context, caseID, providerID string) (*cases.Bid, error) {
	for _, b := range f.bids {
		if b.CaseID == caseID && b.ProviderID == providerID && b.Status != cases.BidWithdrawn {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) SetBidStatus(ctx context.Context, tx pgx.Tx, bidID string, status cases.BidStatus, at time.Time) error {
	if err := f.fail("SetBidStatus"); err != nil {
		return err
	}
	b, ok := f.bids[bidID]
	if !ok {
		return cases.ErrBidNotFound
	}
	b.Status = status
	if status == cases.BidAccepted {
		b.AcceptedAt = &at
	}
	f.bids[bidID] = b
	return nil
}

func (f *fakeRepo) RejectPendingBids(ctx context.Context, tx pgx.Tx, caseID, exceptBidID string) ([]cases.Bid, error) {
	if err := f.fail("RejectPendingBids"); err != nil {
		return nil, err
	}
	var out []cases.Bid
	for id, b := range f.bids {
		if b.CaseID == caseID && b.Status == cases.BidPending && id != exceptBidID {
			b.Status = cases.BidRejected
			f.bids[id] = b
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, tx pgx.Tx, ev cases.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) seedCase(ownerID string, status cases.Status) cases.Case {
	c := cases.Case{ID: f.id("case"), OwnerID: ownerID, Title: "Tenancy dispute", Status: status, Currency: "INR"}
	f.cases[c.ID] = c
	return c
}

func (f *fakeRepo) seedBid(caseID, providerID string, status cases.BidStatus) cases.Bid {
	b := cases.Bid{ID: f.id("bid"), CaseID: caseID, ProviderID: providerID, Amount: 500, Status: status}
	f.bids[b.ID] = b
	return b
}

type sentNotice struct {
	userID    string
	eventType string
	caseID    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (r *recordingNotifier) Notify(userID, eventType, caseID string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNotice{userID: userID, eventType: eventType, caseID: caseID})
}

type fakePool struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
