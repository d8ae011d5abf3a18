package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/bidding"
	"lawconnect/cases"
	"lawconnect/errs"
	"lawconnect/httpx"
	"lawconnect/message"
	"lawconnect/payment"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "principal"

const maxWebhookBody = 64 << 10

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	Authenticate(token string) (auth.Principal, error)
}

type caseService interface {
	CreateCase(ctx context.Context, p auth.Principal, in bidding.CreateCaseInput) (cases.Case, error)
	GetCase(ctx context.Context, p auth.Principal, caseID string) (access.CaseView, error)
	ListCases(ctx context.Context, p auth.Principal, status cases.Status) ([]cases.Case, error)
	UpdateCaseDetails(ctx context.Context, p auth.Principal, caseID string, in bidding.DetailsInput) (cases.Case, error)
	CloseCase(ctx context.Context, p auth.Principal, caseID string) error
	CancelCase(ctx context.Context, p auth.Principal, caseID string) error
	CreateBid(ctx context.Context, p auth.Principal, in bidding.CreateBidInput) (cases.Bid, error)
	ListBids(ctx context.Context, p auth.Principal, caseID string) ([]cases.Bid, error)
	SetBidStatus(ctx context.Context, p auth.Principal, bidID string, status cases.BidStatus) (cases.Bid, error)
}

type messageReader interface {
	List(ctx context.Context, p auth.Principal, caseID string) ([]message.Message, error)
	UnreadCount(ctx context.Context, p auth.Principal) (int64, error)
	Partners(ctx context.Context, p auth.Principal) ([]message.Partner, error)
}

// chatHub is the write side of chat. Writes go through the realtime hub so
// request and socket senders share one fan-out path.
type chatHub interface {
	SendMessage(ctx context.Context, sender auth.Principal, in message.AppendInput) (message.Message, error)
	MarkRead(ctx context.Context, p auth.Principal, caseID string) (int64, error)
}

type paymentService interface {
	CreateChatOrder(ctx context.Context, p auth.Principal, caseID string, amount float64) (payment.Checkout, error)
	ChatAccessStatus(ctx context.Context, p auth.Principal, caseID string) (payment.AccessStatus, error)
	Complete(ctx context.Context, in payment.CompleteInput) (payment.Payment, error)
	Simulate(ctx context.Context, p auth.Principal, paymentID string, success bool) (payment.Payment, error)
}

// Server holds the request-surface dependencies.
type Server struct {
	authService   authService
	caseService   caseService
	messages      messageReader
	chat          chatHub
	payments      paymentService
	webhookSecret string
	socket        http.Handler
	health        func(ctx context.Context) error
	logger        *slog.Logger
}

// Routes builds the chi router for the request surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	if s.socket != nil {
		r.Handle("/ws", s.socket)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)
		if strings.TrimSpace(s.webhookSecret) != "" {
			api.Post("/payments/complete", s.handleCompletePayment)
		}

		api.Group(func(pr chi.Router) {
			pr.Use(s.authenticate)

			pr.Get("/auth/me", s.handleMe)

			pr.Get("/cases", s.handleListCases)
			pr.Post("/cases", s.handleCreateCase)
			pr.Get("/cases/{id}", s.handleGetCase)
			pr.Put("/cases/{id}", s.handleUpdateCase)
			pr.Post("/cases/{id}/close", s.handleCloseCase)
			pr.Post("/cases/{id}/cancel", s.handleCancelCase)
			pr.Get("/cases/{id}/bids", s.handleListBids)

			pr.Post("/bids", s.handleCreateBid)
			pr.Put("/bids/{id}/status", s.handleBidStatus)

			pr.Get("/messages/case/{id}", s.handleListMessages)
			pr.Post("/messages", s.handleSendMessage)
			pr.Put("/messages/read/{id}", s.handleMarkRead)
			pr.Get("/messages/unread", s.handleUnread)
			pr.Get("/messages/partners", s.handlePartners)

			pr.Post("/payments/chat-access", s.handleCreateChatOrder)
			pr.Get("/payments/chat-access/{id}", s.handleChatAccessStatus)
			pr.Post("/payments/simulate/{id}", s.handleSimulatePayment)
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authService.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, p)))
	})
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(auth.Principal)
	return p, ok && p.ID != ""
}

// principal returns the caller or writes a 401.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing credentials", nil)
	}
	return p, ok
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.Error(w, r, s.log(), err)
}

func (s *Server) badJSON(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body: "+err.Error(), nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.fail(w, r, errs.Transient("health", err))
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Auth

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": toUserResponse(*user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": toUserResponse(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	user, err := s.authService.GetUserByID(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": toUserResponse(*user)})
}

// Cases and bids

type caseResponse struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	OwnerName   string  `json:"owner_name,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Budget      float64 `json:"budget"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func toCaseResponse(c cases.Case) caseResponse {
	return caseResponse{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		OwnerName:   c.OwnerName,
		Title:       c.Title,
		Description: c.Description,
		Category:    c.Category,
		Budget:      c.Budget,
		Currency:    c.Currency,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

type bidResponse struct {
	ID           string  `json:"id"`
	CaseID       string  `json:"case_id"`
	ProviderID   string  `json:"provider_id"`
	ProviderName string  `json:"provider_name,omitempty"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Message      string  `json:"message"`
	Status       string  `json:"status"`
	AcceptedAt   *string `json:"accepted_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func toBidResponse(b cases.Bid) bidResponse {
	resp := bidResponse{
		ID:           b.ID,
		CaseID:       b.CaseID,
		ProviderID:   b.ProviderID,
		ProviderName: b.ProviderName,
		Amount:       b.Amount,
		Currency:     b.Currency,
		Message:      b.Message,
		Status:       string(b.Status),
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
	if b.AcceptedAt != nil {
		at := b.AcceptedAt.Format(time.RFC3339)
		resp.AcceptedAt = &at
	}
	return resp
}

type caseRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Budget      float64 `json:"budget"`
	Currency    string  `json:"currency"`
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.caseService.ListCases(r.Context(), p, cases.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]caseResponse, 0, len(list))
	for _, c := range list {
		items = append(items, toCaseResponse(c))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req caseRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	c, err := s.caseService.CreateCase(r.Context(), p, bidding.CreateCaseInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Budget:      req.Budget,
		Currency:    req.Currency,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	view, err := s.caseService.GetCase(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"case": toCaseResponse(view.Case), "accepted_bid": nil}
	if view.Accepted != nil {
		resp["accepted_bid"] = toBidResponse(*view.Accepted)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req caseRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	c, err := s.caseService.UpdateCaseDetails(r.Context(), p, chi.URLParam(r, "id"), bidding.DetailsInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Budget:      req.Budget,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	s.caseTransition(w, r, s.caseService.CloseCase, cases.StatusClosed)
}

func (s *Server) handleCancelCase(w http.ResponseWriter, r *http.Request) {
	s.caseTransition(w, r, s.caseService.CancelCase, cases.StatusCancelled)
}

func (s *Server) caseTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, auth.Principal, string) error, to cases.Status) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), p, id); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(to)})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.caseService.ListBids(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]bidResponse, 0, len(list))
	for _, b := range list {
		items = append(items, toBidResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCreateBid(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		CaseID   string  `json:"case_id"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Message  string  `json:"message"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	b, err := s.caseService.CreateBid(r.Context(), p, bidding.CreateBidInput{
		CaseID:   req.CaseID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Message:  req.Message,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toBidResponse(b))
}

func (s *Server) handleBidStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	b, err := s.caseService.SetBidStatus(r.Context(), p, chi.URLParam(r, "id"), cases.BidStatus(strings.ToLower(req.Status)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toBidResponse(b))
}

// Messages

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.messages.List(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": list, "total": len(list)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		CaseID     string       `json:"case_id"`
		ReceiverID string       `json:"receiver_id"`
		Content    string       `json:"content"`
		Kind       message.Kind `json:"kind"`
		FileURL    string       `json:"file_url"`
		FileName   string       `json:"file_name"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	msg, err := s.chat.SendMessage(r.Context(), p, message.AppendInput{
		CaseID:     req.CaseID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Kind:       req.Kind,
		FileURL:    req.FileURL,
		FileName:   req.FileName,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	n, err := s.chat.MarkRead(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	n, err := s.messages.UnreadCount(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{"unread_count": n})
}

func (s *Server) handlePartners(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.messages.Partners(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []message.Partner{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": list, "total": len(list)})
}

// Payments

func (s *Server) handleCreateChatOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		CaseID string  `json:"case_id"`
		Amount float64 `json:"amount"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		s.badJSON(w, err)
		return
	}
	if req.CaseID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_input", "case_id is required", nil)
		return
	}
	checkout, err := s.payments.CreateChatOrder(r.Context(), p, req.CaseID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, checkout)
}

func (s *Server) handleChatAccessStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	st, err := s.payments.ChatAccessStatus(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// handleCompletePayment is the gateway webhook. The body is verified against
// its signature before it is decoded.
func (s *Server) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.badJSON(w, err)
		return
	}
	if err := payment.VerifySignature(r.Header, raw, s.webhookSecret); err != nil {
		s.log().WarnContext(r.Context(), "payment webhook rejected", slog.String("remote", r.RemoteAddr))
		s.fail(w, r, err)
		return
	}
	var in payment.CompleteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		s.badJSON(w, err)
		return
	}
	rec, err := s.payments.Complete(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSimulatePayment(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Success *bool `json:"success"`
	}
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(r, &req); err != nil {
			s.badJSON(w, err)
			return
		}
	}
	success := req.Success == nil || *req.Success
	rec, err := s.payments.Simulate(r.Context(), p, chi.URLParam(r, "id"), success)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}
