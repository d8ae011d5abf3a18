package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lawconnect/auth"
	"lawconnect/message"
)

const (
	readTimeout     = 60 * time.Second
	readLimit       = 1 << 20
	inflightTimeout = 5 * time.Second
)

// Authenticator turns a bearer credential into a principal.
type Authenticator interface {
	Authenticate(token string) (auth.Principal, error)
}

// Inbound frame types.
const (
	FrameJoinCase    = "join_case"
	FrameLeaveCase   = "leave_case"
	FrameSendMessage = "send_message"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameMarkRead    = "mark_read"
)

type inboundFrame struct {
	Type       string       `json:"type"`
	CaseID     string       `json:"case_id"`
	Content    string       `json:"content,omitempty"`
	ReceiverID string       `json:"receiver_id,omitempty"`
	Kind       message.Kind `json:"kind,omitempty"`
	FileURL    string       `json:"file_url,omitempty"`
	FileName   string       `json:"file_name,omitempty"`
}

// Handler upgrades authenticated requests and pumps frames into the hub.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler builds the websocket endpoint. An empty allowedOrigins accepts
// any origin.
func NewHandler(hub *Hub, authenticator Authenticator, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	return &Handler{
		hub:  hub,
		auth: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[strings.TrimRight(origin, "/")]
				return ok
			},
		},
		logger: hub.logger,
	}
}

// ServeHTTP authenticates once, at connect time, then reads frames until the
// peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	p, err := h.auth.Authenticate(token)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}

	c := NewConn(p, ws)
	h.hub.Register(c)
	defer h.hub.Disconnect(c)

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("realtime read ended", slog.String("conn", c.ID), slog.Any("error", err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.hub.sendTo(c, Event{Type: EventError, Data: ErrorData{Code: "invalid_input", Message: "invalid payload"}})
			continue
		}
		h.dispatch(r.Context(), c, frame)
	}
}

func (h *Handler) dispatch(parent context.Context, c *Conn, frame inboundFrame) {
	if frame.CaseID == "" {
		h.hub.sendTo(c, Event{Type: EventError, Data: ErrorData{Code: "invalid_input", Message: "case_id is required"}})
		return
	}

	ctx, cancel := context.WithTimeout(parent, inflightTimeout)
	defer cancel()

	switch frame.Type {
	case FrameJoinCase:
		_ = h.hub.Join(ctx, c, frame.CaseID)
	case FrameLeaveCase:
		h.hub.Leave(c, frame.CaseID)
	case FrameSendMessage:
		h.hub.Emit(ctx, c, message.AppendInput{
			CaseID:     frame.CaseID,
			ReceiverID: frame.ReceiverID,
			Content:    frame.Content,
			Kind:       frame.Kind,
			FileURL:    frame.FileURL,
			FileName:   frame.FileName,
		})
	case FrameTypingStart:
		h.hub.Typing(c, frame.CaseID, true)
	case FrameTypingStop:
		h.hub.Typing(c, frame.CaseID, false)
	case FrameMarkRead:
		h.hub.MarkReadFrom(ctx, c, frame.CaseID)
	default:
		h.hub.sendTo(c, Event{Type: EventError, CaseID: frame.CaseID, Data: ErrorData{Code: "invalid_input", Message: "unknown frame type"}})
	}
}
