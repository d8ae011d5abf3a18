package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/cache"
	"lawconnect/cases"
	"lawconnect/errs"
	"lawconnect/queue"
)

type memRepo struct {
	mu        sync.Mutex
	payments  map[string]Payment
	order     []string
	nextID    int
	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{payments: make(map[string]Payment)}
}

func (m *memRepo) Create(ctx context.Context, params CreateParams) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return Payment{}, m.createErr
	}
	m.nextID++
	p := Payment{
		ID:             fmt.Sprintf("pay-%d", m.nextID),
		CaseID:         params.CaseID,
		PayerID:        params.PayerID,
		BidID:          params.BidID,
		Amount:         params.Amount,
		Currency:       params.Currency,
		Kind:           params.Kind,
		Status:         StatusPending,
		GatewayOrderID: params.GatewayOrderID,
		CreatedAt:      time.Now(),
	}
	m.payments[p.ID] = p
	m.order = append(m.order, p.ID)
	return p, nil
}

func (m *memRepo) Get(ctx context.Context, id string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *memRepo) GetByOrderID(ctx context.Context, orderID string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.GatewayOrderID == orderID {
			return p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (m *memRepo) Lock(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	return m.Get(ctx, id)
}

func (m *memRepo) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, gatewayRef string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	p.Status = status
	if gatewayRef != "" {
		p.GatewayRef = gatewayRef
	}
	m.payments[id] = p
	return p, nil
}

func (m *memRepo) Completed(ctx context.Context, caseID, payerID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		p := m.payments[id]
		if p.CaseID == caseID && p.PayerID == payerID && p.Status == StatusCompleted {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *memRepo) Latest(ctx context.Context, caseID, payerID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.payments[m.order[i]]
		if p.CaseID == caseID && p.PayerID == payerID {
			return &p, nil
		}
	}
	return nil, nil
}

type staticLoader struct {
	c        cases.Case
	accepted *cases.Bid
}

func (s *staticLoader) GetCase(ctx context.Context, caseID string) (cases.Case, error) {
	if caseID != s.c.ID {
		return cases.Case{}, cases.ErrCaseNotFound
	}
	return s.c, nil
}

func (s *staticLoader) AcceptedBid(ctx context.Context, caseID string) (*cases.Bid, error) {
	return s.accepted, nil
}

func (s *staticLoader) ProviderBid(ctx context.Context, caseID, providerID string) (*cases.Bid, error) {
	if s.accepted != nil && s.accepted.ProviderID == providerID {
		return s.accepted, nil
	}
	return nil, nil
}

type failingGateway struct{}

func (failingGateway) CreateOrder(context.Context, OrderRequest) (Order, error) {
	return Order{}, errors.New("gateway unreachable")
}

func (failingGateway) OrderStatus(context.Context, string) (Status, error) {
	return "", errors.New("gateway unreachable")
}

type recordingQueue struct {
	tasks []queue.Task
	opts  []queue.EnqueueOption
}

func (r *recordingQueue) Enqueue(ctx context.Context, t queue.Task, opt queue.EnqueueOption) (string, error) {
	r.tasks = append(r.tasks, t)
	r.opts = append(r.opts, opt)
	return fmt.Sprintf("task-%d", len(r.tasks)), nil
}

type memCache struct {
	values map[string]string
	gets   int
}

func newMemCache() *memCache { return &memCache{values: make(map[string]string)} }

func (m *memCache) Get(ctx context.Context, key string) (string, error) {
	m.gets++
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func (m *memCache) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			n++
		}
	}
	return n, nil
}

type countingChecker struct {
	paid  bool
	err   error
	calls int
}

func (c *countingChecker) RequirePayment(ctx context.Context, caseID, payerID string) (bool, error) {
	c.calls++
	return c.paid, c.err
}

type stubAuthorizer struct {
	grant access.ChatGrant
	err   error
}

func (s stubAuthorizer) AuthorizeChat(ctx context.Context, p auth.Principal, caseID string) (access.ChatGrant, error) {
	return s.grant, s.err
}

var errStorage = errs.Transient("test", errors.New("connection reset"))

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
