package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/bidding"
	"lawconnect/cases"
	"lawconnect/errs"
	"lawconnect/message"
	"lawconnect/payment"
)

var (
	owner    = auth.Principal{ID: "client-1", Role: auth.RoleClient, Name: "Carol"}
	provider = auth.Principal{ID: "provider-1", Role: auth.RoleProvider, Name: "Pat"}
)

type stubAuth struct {
	tokens   map[string]auth.Principal
	user     auth.User
	loginErr error
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("auth: email required: %w", errs.ErrInvalidInput)
	}
	u := auth.User{ID: "user-9", Email: req.Email, FullName: req.FullName, Role: auth.RoleClient}
	return &u, nil
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	if s.loginErr != nil {
		return auth.LoginResult{}, s.loginErr
	}
	return auth.LoginResult{Token: "tok-owner", User: s.user}, nil
}

func (s *stubAuth) GetUserByID(_ context.Context, _ string) (*auth.User, error) {
	u := s.user
	return &u, nil
}

func (s *stubAuth) Authenticate(token string) (auth.Principal, error) {
	p, ok := s.tokens[strings.TrimPrefix(token, "Bearer ")]
	if !ok {
		return auth.Principal{}, fmt.Errorf("auth: bad token: %w", errs.ErrUnauthenticated)
	}
	return p, nil
}

type stubCases struct {
	list      []cases.Case
	view      access.CaseView
	bid       cases.Bid
	err       error
	gotStatus cases.BidStatus
	gotInput  bidding.CreateCaseInput
}

func (s *stubCases) CreateCase(_ context.Context, p auth.Principal, in bidding.CreateCaseInput) (cases.Case, error) {
	s.gotInput = in
	if s.err != nil {
		return cases.Case{}, s.err
	}
	return cases.Case{ID: "case-1", OwnerID: p.ID, Title: in.Title, Status: cases.StatusOpen}, nil
}

func (s *stubCases) GetCase(_ context.Context, _ auth.Principal, _ string) (access.CaseView, error) {
	return s.view, s.err
}

func (s *stubCases) ListCases(_ context.Context, _ auth.Principal, _ cases.Status) ([]cases.Case, error) {
	return s.list, s.err
}

func (s *stubCases) UpdateCaseDetails(_ context.Context, _ auth.Principal, id string, in bidding.DetailsInput) (cases.Case, error) {
	return cases.Case{ID: id, Title: in.Title}, s.err
}

func (s *stubCases) CloseCase(_ context.Context, _ auth.Principal, _ string) error  { return s.err }
func (s *stubCases) CancelCase(_ context.Context, _ auth.Principal, _ string) error { return s.err }

func (s *stubCases) CreateBid(_ context.Context, p auth.Principal, in bidding.CreateBidInput) (cases.Bid, error) {
	if s.err != nil {
		return cases.Bid{}, s.err
	}
	return cases.Bid{ID: "bid-1", CaseID: in.CaseID, ProviderID: p.ID, Amount: in.Amount, Status: cases.BidPending}, nil
}

func (s *stubCases) ListBids(_ context.Context, _ auth.Principal, _ string) ([]cases.Bid, error) {
	return []cases.Bid{s.bid}, s.err
}

func (s *stubCases) SetBidStatus(_ context.Context, _ auth.Principal, _ string, status cases.BidStatus) (cases.Bid, error) {
	s.gotStatus = status
	if s.err != nil {
		return cases.Bid{}, s.err
	}
	b := s.bid
	b.Status = status
	return b, nil
}

type stubMessages struct {
	list []message.Message
	err  error
}

func (s *stubMessages) List(_ context.Context, _ auth.Principal, _ string) ([]message.Message, error) {
	return s.list, s.err
}

func (s *stubMessages) UnreadCount(_ context.Context, _ auth.Principal) (int64, error) {
	return 3, s.err
}

func (s *stubMessages) Partners(_ context.Context, _ auth.Principal) ([]message.Partner, error) {
	return nil, s.err
}

type stubChat struct {
	sent []message.AppendInput
	err  error
}

func (s *stubChat) SendMessage(_ context.Context, sender auth.Principal, in message.AppendInput) (message.Message, error) {
	if s.err != nil {
		return message.Message{}, s.err
	}
	s.sent = append(s.sent, in)
	return message.Message{ID: "msg-1", CaseID: in.CaseID, SenderID: sender.ID, ReceiverID: in.ReceiverID, Content: in.Content}, nil
}

func (s *stubChat) MarkRead(_ context.Context, _ auth.Principal, _ string) (int64, error) {
	return 2, s.err
}

type stubPayments struct {
	completed []payment.CompleteInput
	err       error
	success   *bool
}

func (s *stubPayments) CreateChatOrder(_ context.Context, p auth.Principal, caseID string, amount float64) (payment.Checkout, error) {
	if s.err != nil {
		return payment.Checkout{}, s.err
	}
	return payment.Checkout{
		Payment: payment.Payment{ID: "pay-1", CaseID: caseID, PayerID: p.ID, Amount: 150, Status: payment.StatusPending},
		Order:   payment.Order{ID: "order_sim_1", AmountMinor: 15000, Currency: "INR"},
	}, nil
}

func (s *stubPayments) ChatAccessStatus(_ context.Context, _ auth.Principal, _ string) (payment.AccessStatus, error) {
	return payment.AccessStatus{HasChatAccess: true}, s.err
}

func (s *stubPayments) Complete(_ context.Context, in payment.CompleteInput) (payment.Payment, error) {
	s.completed = append(s.completed, in)
	return payment.Payment{ID: in.PaymentID, Status: payment.StatusCompleted}, s.err
}

func (s *stubPayments) Simulate(_ context.Context, _ auth.Principal, id string, success bool) (payment.Payment, error) {
	s.success = &success
	return payment.Payment{ID: id, Status: payment.StatusCompleted}, s.err
}

func newTestServer() (*Server, *stubCases, *stubChat, *stubPayments) {
	cs := &stubCases{}
	chat := &stubChat{}
	pays := &stubPayments{}
	server := &Server{
		authService: &stubAuth{
			tokens: map[string]auth.Principal{"tok-owner": owner, "tok-provider": provider},
			user:   auth.User{ID: owner.ID, Email: "carol@example.com", FullName: "Carol", Role: auth.RoleClient},
		},
		caseService:   cs,
		messages:      &stubMessages{},
		chat:          chat,
		payments:      pays,
		webhookSecret: "whsec",
	}
	return server, cs, chat, pays
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _, _, _ := newTestServer()
	h := server.Routes()

	for _, path := range []string{"/api/cases", "/api/auth/me", "/api/messages/unread"} {
		if rec := do(t, h, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
		if rec := do(t, h, http.MethodGet, path, "forged", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 for forged token, got %d", path, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	server, _, _, _ := newTestServer()
	if rec := do(t, server.Routes(), http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	server.health = func(context.Context) error { return errors.New("db down") }
	if rec := do(t, server.Routes(), http.MethodGet, "/health", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleRegisterAndLogin(t *testing.T) {
	server, _, _, _ := newTestServer()
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/auth/register", "", `{"email":"new@example.com","password":"secret123","full_name":"Nia"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/auth/register", "", `{"password":"secret123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/auth/register", "", `{"email":"x@example.com","unknown":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/auth/login", "", `{"email":"carol@example.com","password":"secret123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Token != "tok-owner" || payload.User.Email != "carol@example.com" {
		t.Fatalf("unexpected login payload: %+v", payload)
	}

	server.authService.(*stubAuth).loginErr = fmt.Errorf("auth: %w", errs.ErrUnauthenticated)
	if rec := do(t, h, http.MethodPost, "/api/auth/login", "", `{"email":"a","password":"b"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleMe(t *testing.T) {
	server, _, _, _ := newTestServer()
	rec := do(t, server.Routes(), http.MethodGet, "/api/auth/me", "tok-owner", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "carol@example.com") {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCases(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	server, cs, _, _ := newTestServer()
	cs.list = []cases.Case{{ID: "case-1", OwnerID: owner.ID, Title: "Lease", Status: cases.StatusOpen, CreatedAt: now}}
	h := server.Routes()

	rec := do(t, h, http.MethodGet, "/api/cases?status=open", "tok-owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Items []caseResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != "case-1" || list.Items[0].CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = do(t, h, http.MethodPost, "/api/cases", "tok-owner", `{"title":"Lease","budget":5000,"category":"property"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if cs.gotInput.Budget != 5000 || cs.gotInput.Category != "property" {
		t.Fatalf("input not forwarded: %+v", cs.gotInput)
	}

	cs.view = access.CaseView{
		Case:     cases.Case{ID: "case-1", OwnerID: owner.ID, Status: cases.StatusInProgress},
		Accepted: &cases.Bid{ID: "bid-1", CaseID: "case-1", ProviderID: provider.ID, Status: cases.BidAccepted, AcceptedAt: &now},
	}
	rec = do(t, h, http.MethodGet, "/api/cases/case-1", "tok-owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail struct {
		Case        caseResponse `json:"case"`
		AcceptedBid *bidResponse `json:"accepted_bid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.AcceptedBid == nil || detail.AcceptedBid.ProviderID != provider.ID || detail.AcceptedBid.AcceptedAt == nil {
		t.Fatalf("accepted bid missing: %+v", detail)
	}

	rec = do(t, h, http.MethodPost, "/api/cases/case-1/close", "tok-owner", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"closed"`) {
		t.Fatalf("unexpected close response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCases_ErrorMapping(t *testing.T) {
	inputs := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", errs.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", errs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", errs.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("x: %w", errs.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", errs.ErrInvalidInput), http.StatusBadRequest},
		{errs.Transient("x", errors.New("reset")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range inputs {
		server, cs, _, _ := newTestServer()
		cs.err = tc.err
		rec := do(t, server.Routes(), http.MethodPost, "/api/cases/case-1/cancel", "tok-owner", "")
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestHandleBids(t *testing.T) {
	server, cs, _, _ := newTestServer()
	cs.bid = cases.Bid{ID: "bid-1", CaseID: "case-1", ProviderID: provider.ID, Status: cases.BidPending}
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/bids", "tok-provider", `{"case_id":"case-1","amount":750,"message":"I can help"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPut, "/api/bids/bid-1/status", "tok-owner", `{"status":"ACCEPTED"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cs.gotStatus != cases.BidAccepted {
		t.Fatalf("expected normalized status, got %q", cs.gotStatus)
	}

	rec = do(t, h, http.MethodGet, "/api/cases/case-1/bids", "tok-owner", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"bid-1"`) {
		t.Fatalf("unexpected list %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleMessages(t *testing.T) {
	server, _, chat, _ := newTestServer()
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/messages", "tok-owner", `{"case_id":"case-1","receiver_id":"provider-1","content":"hello"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(chat.sent) != 1 || chat.sent[0].ReceiverID != provider.ID || chat.sent[0].Content != "hello" {
		t.Fatalf("message not routed through the hub: %+v", chat.sent)
	}

	chat.err = fmt.Errorf("access: %w", errs.ErrForbidden)
	rec = do(t, h, http.MethodPost, "/api/messages", "tok-owner", `{"case_id":"case-1","receiver_id":"someone-else","content":"hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a spoofed receiver, got %d", rec.Code)
	}
	chat.err = nil

	rec = do(t, h, http.MethodPut, "/api/messages/read/case-1", "tok-provider", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":2`) {
		t.Fatalf("unexpected mark read %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/messages/unread", "tok-provider", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"unread_count":3`) {
		t.Fatalf("unexpected unread %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/messages/partners", "tok-provider", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("unexpected partners %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/messages/case/case-1", "tok-provider", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandlePayments(t *testing.T) {
	server, _, _, pays := newTestServer()
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/payments/chat-access", "tok-owner", `{"case_id":"case-1"}`)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), "order_sim_1") {
		t.Fatalf("unexpected checkout %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/payments/chat-access", "tok-owner", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without case_id, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/payments/chat-access/case-1", "tok-provider", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"has_chat_access":true`) {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/payments/simulate/pay-1", "tok-owner", `{"success":false}`)
	if rec.Code != http.StatusOK || pays.success == nil || *pays.success {
		t.Fatalf("expected failed simulation to be forwarded, got %d %v", rec.Code, pays.success)
	}
}

func TestHandleCompletePayment_Signature(t *testing.T) {
	server, _, _, pays := newTestServer()
	h := server.Routes()
	body := `{"payment_id":"pay-1","success":true,"gateway_ref":"pay_ext_1"}`

	req := httptest.NewRequest(http.MethodPost, "/api/payments/complete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/payments/complete", strings.NewReader(body))
	req.Header.Set(payment.SignatureHeader, payment.Sign("whsec", []byte(body)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pays.completed) != 1 || pays.completed[0].GatewayRef != "pay_ext_1" || !pays.completed[0].Success {
		t.Fatalf("webhook not applied: %+v", pays.completed)
	}
}

func TestHandleCompletePayment_DisabledWithoutSecret(t *testing.T) {
	server, _, _, pays := newTestServer()
	server.webhookSecret = ""
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/payments/complete", "", `{"payment_id":"pay-1","success":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no webhook secret, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(pays.completed) != 0 {
		t.Fatalf("payment must not be completed: %+v", pays.completed)
	}
}
