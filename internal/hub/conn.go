package hub

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/protocol"
)

const (
	// writeWait is the time allowed to write one message to the peer.
	writeWait = 10 * time.Second
)

// conn is one WebSocket connection, client or gateway. Each conn runs two
// goroutines: readPump (owned by the hub's Serve* methods) and writePump,
// which drains the send channel.
type conn struct {
	hub *Hub
	ws  *websocket.Conn
	id  uuid.UUID
	log zerolog.Logger

	send      chan []byte
	closeSend sync.Once

	// Auth state, written once during the auth handshake and read by the hub
	// during dispatch.
	mu        sync.RWMutex
	authed    bool
	userID    uuid.UUID
	username  string
	gatewayID string
}

func newConn(h *Hub, ws *websocket.Conn, logger zerolog.Logger) *conn {
	id := uuid.New()
	return &conn{
		hub:  h,
		ws:   ws,
		id:   id,
		log:  logger.With().Str("conn", id.String()).Logger(),
		send: make(chan []byte, h.cfg.SendBufferSize),
	}
}

// UserID returns the authenticated user ID, or the zero UUID before auth.
func (c *conn) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the authenticated username.
func (c *conn) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// GatewayID returns the gateway identifier for gateway connections.
func (c *conn) GatewayID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gatewayID
}

// IsAuthed reports whether the connection completed authentication.
func (c *conn) IsAuthed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *conn) setAuthed(userID uuid.UUID, username, gatewayID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.userID = userID
	c.username = username
	c.gatewayID = gatewayID
}

// enqueue hands a frame to the write pump. A full buffer means the peer has
// stalled; the connection is closed rather than letting backpressure reach
// the hub.
func (c *conn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Send buffer full, closing connection")
		c.close()
	}
}

// sendPayload encodes a frame payload and enqueues it.
func (c *conn) sendPayload(payload any) {
	b, err := protocol.Encode(payload)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode outbound frame")
		return
	}
	c.enqueue(b)
}

// sendError enqueues a server:error frame.
func (c *conn) sendError(code protocol.ErrorCode, message string) {
	b, err := protocol.NewErrorFrame(code, message)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode error frame")
		return
	}
	c.enqueue(b)
}

// writePump writes frames from the send channel to the socket. It exits when
// the channel is closed or a write fails.
func (c *conn) writePump() {
	defer func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	}()

	for msg := range c.send {
		if c.ws == nil {
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// closeWithCode sends a close frame with the given code and reason, then
// closes the socket.
func (c *conn) closeWithCode(code int, reason string) {
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.close()
}

// close shuts the send channel and the socket. Safe to call more than once.
func (c *conn) close() {
	c.closeSend.Do(func() { close(c.send) })
	if c.ws != nil {
		_ = c.ws.Close()
	}
}
