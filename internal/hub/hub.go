// Package hub is the central WebSocket connection registry and dispatcher. It
// serves both endpoint classes: human clients on /ws/client and agent-hosting
// gateways on /ws/gateway. Authenticated connections are tracked in in-memory
// tables; message delivery fans out through room subscriptions and the
// agent-to-gateway binding.
package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/auth"
	"github.com/agentim-chat/agentim/internal/config"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/presence"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/ratelimit"
	"github.com/agentim-chat/agentim/internal/room"
	"github.com/agentim-chat/agentim/internal/routing"
	"github.com/agentim-chat/agentim/internal/user"
)

const (
	// opTimeout bounds plain repository calls made from a read pump.
	opTimeout = 10 * time.Second

	// sendTimeout bounds the message pipeline, which may consult a router
	// LLM before deciding delivery.
	sendTimeout = 30 * time.Second
)

// Sender runs the message pipeline: validate, persist, decide routing.
type Sender interface {
	Send(ctx context.Context, params routing.SendParams) (*routing.Result, error)
}

// TaskSink receives gateway:task_update notifications for async task tracking.
type TaskSink interface {
	HandleTaskUpdate(ctx context.Context, ownerID uuid.UUID, task map[string]any)
}

// Hub wires connections to the message pipeline and the presence store.
type Hub struct {
	cfg       *config.Config
	tables    *tables
	validator *protocol.Validator
	limiter   *ratelimit.Limiter
	presence  *presence.Store
	engine    Sender
	rdb       *redis.Client
	users     user.Repository
	rooms     room.Repository
	messages  message.Repository
	atts      attachment.Repository
	agents    agent.Repository
	tasks     TaskSink
	log       zerolog.Logger

	msgLimit   ratelimit.Limit
	agentLimit ratelimit.Limit

	draining atomic.Bool
}

// NewHub creates a hub. tasks may be nil when async task tracking is disabled.
func NewHub(
	cfg *config.Config,
	rdb *redis.Client,
	limiter *ratelimit.Limiter,
	presenceStore *presence.Store,
	engine Sender,
	users user.Repository,
	rooms room.Repository,
	messages message.Repository,
	atts attachment.Repository,
	agents agent.Repository,
	tasks TaskSink,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:       cfg,
		tables:    newTables(),
		validator: protocol.NewValidator(cfg.MaxMessageSize, cfg.MaxJSONDepth),
		limiter:   limiter,
		presence:  presenceStore,
		engine:    engine,
		rdb:       rdb,
		users:     users,
		rooms:     rooms,
		messages:  messages,
		atts:      atts,
		agents:    agents,
		tasks:     tasks,
		log:       logger.With().Str("component", "hub").Logger(),
		msgLimit: ratelimit.Limit{
			Purpose:   "message",
			Max:       cfg.RateLimitMessageMax,
			Window:    time.Duration(cfg.RateLimitMessageWindowSec) * time.Second,
			OnKVError: ratelimit.FailClosed,
		},
		agentLimit: ratelimit.Limit{
			Purpose:   "agent_message",
			Max:       cfg.RateLimitAgentMax,
			Window:    time.Duration(cfg.RateLimitAgentWindowSec) * time.Second,
			OnKVError: ratelimit.FailOpen,
		},
	}
}

// ServeClient runs a client connection to completion. Called from the
// /ws/client upgrade handler; blocks until the connection closes.
func (h *Hub) ServeClient(ws *websocket.Conn) {
	c := newConn(h, ws, h.log)
	go c.writePump()
	h.readPumpClient(c)
}

// ServeGateway runs a gateway connection to completion. Called from the
// /ws/gateway upgrade handler; blocks until the connection closes.
func (h *Hub) ServeGateway(ws *websocket.Conn) {
	c := newConn(h, ws, h.log)
	go c.writePump()
	h.readPumpGateway(c)
}

// authenticate validates a bearer token against the signing secret, the
// revocation epoch, and the user table.
func (h *Hub) authenticate(ctx context.Context, token string) (*user.User, error) {
	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("parse token subject: %w", err)
	}

	if h.rdb != nil && claims.IssuedAt != nil {
		revoked, err := auth.IsRevoked(ctx, h.rdb, userID, claims.IssuedAt.Time)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("token revoked")
		}
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// connLimitFor returns the per-user connection cap, honouring a per-account
// override.
func (h *Hub) connLimitFor(u *user.User) int {
	if u.ConnLimit != nil {
		return *u.ConnLimit
	}
	return h.cfg.MaxConnsPerUser
}

// broadcastToRoom sends an encoded frame to every client connection
// subscribed to the room, optionally skipping one connection.
func (h *Hub) broadcastToRoom(roomID uuid.UUID, payload any, except uuid.UUID) {
	b, err := protocol.Encode(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode room broadcast")
		return
	}
	for _, c := range h.tables.roomConns(roomID) {
		if c.id == except {
			continue
		}
		c.enqueue(b)
	}
}

// sendToUser sends an encoded frame to every connection of one user.
func (h *Hub) sendToUser(userID uuid.UUID, payload any) {
	b, err := protocol.Encode(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode user frame")
		return
	}
	for _, c := range h.tables.userConns(userID) {
		c.enqueue(b)
	}
}

// sendToAgent delivers a frame to the gateway hosting the agent. Returns
// false when no gateway currently hosts it.
func (h *Hub) sendToAgent(agentID uuid.UUID, payload any) bool {
	gw := h.tables.gatewayForAgent(agentID)
	if gw == nil {
		return false
	}
	gw.sendPayload(payload)
	return true
}

// DeliverAgentMessage fans out a completion persisted outside the socket
// paths, such as a finished background task.
func (h *Hub) DeliverAgentMessage(res *routing.Result) {
	h.deliver(res, protocol.TypeServerMessageComplete)
}

// deliver fans a processed message out: the full message to every room
// subscriber under frameType, then one server:send_to_agent per routing
// target.
func (h *Hub) deliver(res *routing.Result, frameType string) {
	wireMsg := toWireMessage(res.Message, res.Attachments)

	switch frameType {
	case protocol.TypeServerNewMessage:
		h.broadcastToRoom(res.Message.RoomID, protocol.ServerNewMessage{
			Type: frameType, Message: wireMsg,
		}, uuid.Nil)
	case protocol.TypeServerMessageComplete:
		h.broadcastToRoom(res.Message.RoomID, protocol.ServerMessageComplete{
			Type: frameType, Message: wireMsg,
		}, uuid.Nil)
	}

	d := res.Decision
	if d.Mode == routing.ModeNone {
		return
	}
	for _, target := range d.Targets {
		frame := protocol.ServerSendToAgent{
			Type:           protocol.TypeServerSendToAgent,
			AgentID:        target.ID.String(),
			RoomID:         res.Message.RoomID.String(),
			MessageID:      res.Message.ID.String(),
			Content:        res.Message.Content,
			SenderName:     res.Message.SenderName,
			SenderType:     res.Message.SenderType,
			RoutingMode:    d.Mode,
			ConversationID: d.ConversationID,
			Depth:          d.Depth,
		}
		if !h.sendToAgent(target.ID, frame) {
			h.log.Warn().Str("agent", target.ID.String()).
				Str("message", res.Message.ID.String()).
				Msg("Routing target has no connected gateway, dropping delivery")
		}
	}
}

// fanOutPresence broadcasts an online/offline transition to every room the
// user belongs to.
func (h *Hub) fanOutPresence(ctx context.Context, userID uuid.UUID, username string, online bool) {
	rooms, err := h.rooms.ListForMember(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID.String()).Msg("Failed to list rooms for presence fan-out")
		return
	}
	frame := protocol.ServerPresence{
		Type:     protocol.TypeServerPresence,
		UserID:   userID.String(),
		Username: username,
		Online:   online,
	}
	for _, rm := range rooms {
		h.broadcastToRoom(rm.ID, frame, uuid.Nil)
	}
}

// fanOutAgentStatus broadcasts an agent's status to every room it belongs to.
func (h *Hub) fanOutAgentStatus(ctx context.Context, a *agent.Agent) {
	rooms, err := h.rooms.ListForMember(ctx, a.ID)
	if err != nil {
		h.log.Error().Err(err).Str("agent", a.ID.String()).Msg("Failed to list rooms for agent status fan-out")
		return
	}
	frame := protocol.ServerAgentStatus{
		Type:  protocol.TypeServerAgentStatus,
		Agent: toWireAgent(a),
	}
	for _, rm := range rooms {
		h.broadcastToRoom(rm.ID, frame, uuid.Nil)
	}
}

// clientOffline handles a closed client connection: the presence decrement is
// delayed by the offline grace period so a quick page refresh never flaps the
// user's presence. The refcount absorbs a reconnect inside the window.
func (h *Hub) clientOffline(userID uuid.UUID, username string) {
	fire := func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		last, err := h.presence.Disconnect(ctx, userID)
		if err != nil {
			// The refcount can no longer be trusted; drop the key outright
			// rather than strand the user online.
			h.log.Error().Err(err).Str("user", userID.String()).Msg("Failed to record presence disconnect")
			if cerr := h.presence.Clear(ctx, userID); cerr != nil {
				h.log.Error().Err(cerr).Str("user", userID.String()).Msg("Failed to clear presence")
			}
			return
		}
		if last {
			h.fanOutPresence(ctx, userID, username, false)
		}
	}

	if h.cfg.OfflineGraceDelay <= 0 || h.draining.Load() {
		fire()
		return
	}
	time.AfterFunc(h.cfg.OfflineGraceDelay, fire)
}

// Draining reports whether a shutdown broadcast has gone out.
func (h *Hub) Draining() bool {
	return h.draining.Load()
}

// Shutdown broadcasts server:shutdown to every connection, waits up to the
// configured timeout for peers to disconnect on their own, then closes
// whatever remains.
func (h *Hub) Shutdown(ctx context.Context) {
	h.draining.Store(true)

	frame, err := protocol.Encode(protocol.ServerShutdownFrame{Type: protocol.TypeServerShutdown})
	if err == nil {
		for _, c := range h.tables.allConns() {
			c.enqueue(frame)
		}
	}

	deadline := time.Now().Add(h.cfg.ShutdownTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for h.tables.connCount() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Time{}
		case <-ticker.C:
		}
	}

	for _, c := range h.tables.allConns() {
		c.closeWithCode(protocol.CloseNormal, "server shutting down")
	}
	h.log.Info().Msg("Hub shut down")
}
