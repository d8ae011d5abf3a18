// Package realtime owns live connections and per-case rooms.
//
// Each room serializes its own fan-out: every event for a room is enqueued to
// all members while holding that room's lock, so members observe one order.
// Message sends additionally hold the room's send lock across persistence and
// broadcast so the broadcast order matches the storage order. Rooms are
// independent of each other.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/errs"
	"lawconnect/message"
)

// Outbound event types.
const (
	EventNewMessage   = "new_message"
	EventNotification = "new_message_notification"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
	EventJoinedCase   = "joined_case"
	EventError        = "error"
	EventConnected    = "connected"
)

// Event is the outbound envelope.
type Event struct {
	Type   string `json:"type"`
	CaseID string `json:"case_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Presence identifies the participant a presence event is about.
type Presence struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	UserRole auth.Role `json:"user_role"`
	IsTyping *bool     `json:"is_typing,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageStore is the persistence side of chat used by the hub.
type MessageStore interface {
	Append(ctx context.Context, sender auth.Principal, in message.AppendInput) (message.Message, error)
	MarkRead(ctx context.Context, p auth.Principal, caseID string) (int64, error)
}

type room struct {
	// sendMu orders message sends end to end.
	sendMu sync.Mutex

	mu      sync.Mutex
	members map[string]*Conn

	// refs counts in-flight operations; guarded by Hub.mu.
	refs int
}

// Hub tracks connections, personal channels and case rooms.
type Hub struct {
	authz  access.ChatAuthorizer
	store  MessageStore
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	personal map[string]map[string]*Conn
	rooms    map[string]*room
}

// NewHub builds a hub that authorizes through authz and persists through store.
func NewHub(authz access.ChatAuthorizer, store MessageStore) *Hub {
	return &Hub{
		authz:    authz,
		store:    store,
		logger:   slog.Default(),
		conns:    make(map[string]*Conn),
		personal: make(map[string]map[string]*Conn),
		rooms:    make(map[string]*room),
	}
}

// WithLogger sets the hub logger.
func (h *Hub) WithLogger(logger *slog.Logger) *Hub {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// Register admits c and subscribes it to its principal's personal channel.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	set := h.personal[c.Principal.ID]
	if set == nil {
		set = make(map[string]*Conn)
		h.personal[c.Principal.ID] = set
	}
	set[c.ID] = c
	h.mu.Unlock()

	c.start()
	h.logger.Debug("realtime connected", slog.String("conn", c.ID), slog.String("user", c.Principal.ID))
	h.sendTo(c, Event{Type: EventConnected, Data: map[string]string{"user_id": c.Principal.ID}})
}

// Join authorizes c for the case and adds it to the room. A refused join
// only produces an error event on c. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, c *Conn, caseID string) error {
	if _, err := h.authz.AuthorizeChat(ctx, c.Principal, caseID); err != nil {
		h.replyError(c, caseID, err)
		return err
	}

	r := h.acquire(caseID)
	defer h.release(caseID, r)

	r.mu.Lock()
	fresh := false
	select {
	case <-c.closed:
	default:
		fresh = c.addRoom(caseID)
	}
	if fresh {
		r.members[c.ID] = c
		h.broadcastLocked(r, Event{Type: EventUserJoined, CaseID: caseID, Data: presenceOf(c.Principal)}, c.ID)
	}
	r.mu.Unlock()

	h.sendTo(c, Event{Type: EventJoinedCase, CaseID: caseID})
	if fresh {
		h.logger.Debug("realtime joined", slog.String("conn", c.ID), slog.String("case_id", caseID))
	}
	return nil
}

// Leave removes c from the room and tells the remaining members. Leaving a
// room c is not in does nothing.
func (h *Hub) Leave(c *Conn, caseID string) {
	r := h.acquire(caseID)
	defer h.release(caseID, r)
	h.leaveRoom(r, c, caseID)
}

func (h *Hub) leaveRoom(r *room, c *Conn, caseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c.ID]; !ok {
		return
	}
	delete(r.members, c.ID)
	c.removeRoom(caseID)
	h.broadcastLocked(r, Event{Type: EventUserLeft, CaseID: caseID, Data: presenceOf(c.Principal)}, c.ID)
	h.logger.Debug("realtime left", slog.String("conn", c.ID), slog.String("case_id", caseID))
}

// SendMessage persists a message through the store and fans it out: the
// room receives new_message and the receiver's personal channel receives
// new_message_notification. The request surface and connections share it.
func (h *Hub) SendMessage(ctx context.Context, sender auth.Principal, in message.AppendInput) (message.Message, error) {
	r := h.acquire(in.CaseID)
	defer h.release(in.CaseID, r)

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	msg, err := h.store.Append(ctx, sender, in)
	if err != nil {
		return message.Message{}, err
	}

	r.mu.Lock()
	h.broadcastLocked(r, Event{Type: EventNewMessage, CaseID: msg.CaseID, Data: msg}, "")
	r.mu.Unlock()

	h.Notify(msg.ReceiverID, EventNotification, msg.CaseID, map[string]any{
		"message":     msg,
		"sender_name": msg.SenderName,
	})
	return msg, nil
}

// Emit is SendMessage for a connection; failures become an error event on c.
func (h *Hub) Emit(ctx context.Context, c *Conn, in message.AppendInput) {
	if _, err := h.SendMessage(ctx, c.Principal, in); err != nil {
		h.replyError(c, in.CaseID, err)
	}
}

// Typing relays a typing indicator to the other members. Only members may
// signal; membership already proved eligibility.
func (h *Hub) Typing(c *Conn, caseID string, typing bool) {
	h.mu.RLock()
	r := h.rooms[caseID]
	h.mu.RUnlock()

	if r != nil {
		r.mu.Lock()
		_, member := r.members[c.ID]
		if member {
			p := presenceOf(c.Principal)
			p.IsTyping = &typing
			h.broadcastLocked(r, Event{Type: EventUserTyping, CaseID: caseID, Data: p}, c.ID)
		}
		r.mu.Unlock()
		if member {
			return
		}
	}
	err := access.Reject(context.Background(), h.logger, c.Principal, caseID, "is_room_member",
		fmt.Errorf("realtime: join the case before signalling: %w", errs.ErrForbidden))
	h.replyError(c, caseID, err)
}

// MarkRead marks p's messages on the case as read and tells the other room
// members. The reader's own connections are skipped.
func (h *Hub) MarkRead(ctx context.Context, p auth.Principal, caseID string) (int64, error) {
	n, err := h.store.MarkRead(ctx, p, caseID)
	if err != nil {
		return 0, err
	}

	r := h.acquire(caseID)
	defer h.release(caseID, r)

	r.mu.Lock()
	ev := Event{Type: EventMessagesRead, CaseID: caseID, Data: map[string]any{"user_id": p.ID, "count": n}}
	payload, ok := h.encode(ev)
	if ok {
		for _, m := range r.members {
			if m.Principal.ID != p.ID {
				_ = m.Send(payload)
			}
		}
	}
	r.mu.Unlock()
	return n, nil
}

// MarkReadFrom is MarkRead for a connection; failures become an error event on c.
func (h *Hub) MarkReadFrom(ctx context.Context, c *Conn, caseID string) {
	if _, err := h.MarkRead(ctx, c.Principal, caseID); err != nil {
		h.replyError(c, caseID, err)
	}
}

// Disconnect leaves every room c joined, telling each room once, then drops c.
// It never fails.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	if set := h.personal[c.Principal.ID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.personal, c.Principal.ID)
		}
	}
	h.mu.Unlock()

	c.Close(websocket.CloseNormalClosure, "session closed")
	for _, caseID := range c.roomIDs() {
		h.Leave(c, caseID)
	}
	h.logger.Debug("realtime disconnected", slog.String("conn", c.ID), slog.String("user", c.Principal.ID))
}

// Notify delivers an event to every connection of a principal. It satisfies
// the lifecycle notifier.
func (h *Hub) Notify(userID, eventType, caseID string, data any) {
	payload, ok := h.encode(Event{Type: eventType, CaseID: caseID, Data: data})
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.personal[userID]))
	for _, c := range h.personal[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.Send(payload)
	}
}

// Members returns the connection IDs currently in a case room.
func (h *Hub) Members(caseID string) []string {
	h.mu.RLock()
	r := h.rooms[caseID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.Disconnect(c)
	}
}

// acquire returns the room for caseID, creating it on first use, and pins it
// until release.
func (h *Hub) acquire(caseID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[caseID]
	if r == nil {
		r = &room{members: make(map[string]*Conn)}
		h.rooms[caseID] = r
	}
	r.refs++
	return r
}

// release unpins r and tears it down once it has neither members nor pins.
func (h *Hub) release(caseID string, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.refs--
	if r.refs > 0 {
		return
	}
	r.mu.Lock()
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty && h.rooms[caseID] == r {
		delete(h.rooms, caseID)
	}
}

// broadcastLocked enqueues ev to every member except excludeConn. r.mu must be held.
func (h *Hub) broadcastLocked(r *room, ev Event, excludeConn string) {
	payload, ok := h.encode(ev)
	if !ok {
		return
	}
	for id, m := range r.members {
		if id == excludeConn {
			continue
		}
		if err := m.Send(payload); err != nil {
			h.logger.Debug("realtime drop", slog.String("conn", id), slog.String("type", ev.Type), slog.Any("error", err))
		}
	}
}

func (h *Hub) sendTo(c *Conn, ev Event) {
	if payload, ok := h.encode(ev); ok {
		_ = c.Send(payload)
	}
}

func (h *Hub) replyError(c *Conn, caseID string, err error) {
	code := errs.Code(err)
	msg := "request failed"
	switch code {
	case "forbidden":
		msg = "access denied to this case"
	case "not_found":
		msg = "case not found"
	case "invalid_input", "invalid_state", "conflict":
		msg = err.Error()
	case "transient", "internal":
		h.logger.Error("realtime operation failed", slog.String("conn", c.ID), slog.String("case_id", caseID), slog.Any("error", err))
	}
	h.sendTo(c, Event{Type: EventError, CaseID: caseID, Data: ErrorData{Code: code, Message: msg}})
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("realtime encode", slog.String("type", ev.Type), slog.Any("error", err))
		return nil, false
	}
	return payload, true
}

func presenceOf(p auth.Principal) Presence {
	return Presence{UserID: p.ID, UserName: p.Name, UserRole: p.Role}
}
