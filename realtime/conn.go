package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lawconnect/auth"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 128
)

var (
	errConnClosed     = errors.New("realtime: connection closed")
	errBufferExceeded = errors.New("realtime: connection buffer exceeded")
)

// Conn is one authenticated realtime session. Outbound frames go through a
// bounded buffer drained by a single writer goroutine; a consumer that falls
// behind is disconnected rather than allowed to stall fan-out.
type Conn struct {
	ID        string
	Principal auth.Principal

	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	closeCode   int
	closeReason string

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewConn wraps ws for principal p. A nil ws yields a detached connection whose
// frames stay in the buffer, which is how tests observe delivery.
func NewConn(p auth.Principal, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		Principal: p,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

// Send enqueues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferExceeded
	}
}

// Close marks the connection closed. The writer goroutine sends the close frame
// and releases the socket, so Close never blocks on the network.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) start() {
	if c.ws != nil {
		go c.writeLoop()
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (c *Conn) addRoom(caseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[caseID]; ok {
		return false
	}
	c.rooms[caseID] = struct{}{}
	return true
}

func (c *Conn) removeRoom(caseID string) {
	c.mu.Lock()
	delete(c.rooms, caseID)
	c.mu.Unlock()
}

func (c *Conn) roomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
