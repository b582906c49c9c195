package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/routing"
)

// readPumpGateway reads frames from a gateway connection and dispatches them.
// Before authentication only gateway:auth and gateway:ping are accepted.
func (h *Hub) readPumpGateway(c *conn) {
	defer func() {
		h.unregisterGateway(c)
		c.close()
	}()

	c.ws.SetReadLimit(int64(h.cfg.MaxMessageSize))
	readWindow := h.cfg.HeartbeatInterval + h.cfg.HeartbeatInterval/2
	_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))

	authTimer := time.AfterFunc(h.cfg.WSAuthTimeout, func() {
		if !c.IsAuthed() {
			c.log.Debug().Msg("Gateway did not authenticate in time")
			c.closeWithCode(protocol.CloseAuthTimeout, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if code, err := h.validator.Check(raw); err != nil {
			c.sendError(code, err.Error())
			continue
		}

		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.sendError(protocol.ErrCodeInvalidMessage, "frame has no type")
			continue
		}

		if !c.IsAuthed() && frame.Type != protocol.TypeGatewayAuth && frame.Type != protocol.TypeGatewayPing {
			c.sendError(protocol.ErrCodeNotAuthenticated, "authenticate first")
			continue
		}

		switch frame.Type {
		case protocol.TypeGatewayAuth:
			h.handleGatewayAuth(c, frame.Data)
		case protocol.TypeGatewayPing:
			h.handleGatewayPing(c, frame.Data, readWindow)
		case protocol.TypeGatewayRegisterAgent:
			h.handleRegisterAgent(c, frame.Data)
		case protocol.TypeGatewayMessageChunk:
			h.handleMessageChunk(c, frame.Data)
		case protocol.TypeGatewayMessageComplete:
			h.handleMessageComplete(c, frame.Data)
		case protocol.TypeGatewayAgentStatus:
			h.handleAgentStatus(c, frame.Data)
		case protocol.TypeGatewayPermissionRequest, protocol.TypeGatewayTerminalData:
			// Opaque owner-bound frames: relayed to the gateway owner's client
			// connections without interpretation.
			h.forwardToOwner(c, frame.Data)
		case protocol.TypeGatewayTaskUpdate:
			h.handleTaskUpdate(c, frame.Data)
		default:
			c.sendError(protocol.ErrCodeInvalidMessage, "unknown frame type")
		}
	}
}

// unregisterGateway removes a gateway connection, flips its agents offline in
// the registry, and fans the transitions out to affected rooms.
func (h *Hub) unregisterGateway(c *conn) {
	if !c.IsAuthed() {
		return
	}
	h.tables.removeGateway(c)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	affected, err := h.agents.SetOfflineByGateway(ctx, c.GatewayID())
	if err != nil {
		h.log.Error().Err(err).Str("gateway", c.GatewayID()).Msg("Failed to mark agents offline")
	}
	for _, agentID := range affected {
		a, err := h.agents.GetByID(ctx, agentID)
		if err != nil {
			continue
		}
		h.fanOutAgentStatus(ctx, a)
	}

	if err := h.agents.RecordGatewayDisconnect(ctx, c.GatewayID(), c.UserID()); err != nil {
		h.log.Error().Err(err).Str("gateway", c.GatewayID()).Msg("Failed to record gateway disconnect")
	}
	h.log.Info().Str("gateway", c.GatewayID()).Int("agents", len(affected)).Msg("Gateway disconnected")
}

func (h *Hub) handleGatewayAuth(c *conn, raw json.RawMessage) {
	if c.IsAuthed() {
		c.closeWithCode(protocol.ClosePolicyViolation, "already authenticated")
		return
	}

	var p protocol.GatewayAuth
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" || p.GatewayID == "" {
		c.sendPayload(protocol.ServerGatewayAuthResult{
			Type: protocol.TypeServerGatewayAuthResult, OK: false, Error: "token and gatewayId required",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	u, err := h.authenticate(ctx, p.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("Gateway authentication failed")
		c.sendPayload(protocol.ServerGatewayAuthResult{
			Type: protocol.TypeServerGatewayAuthResult, OK: false, Error: "invalid token",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	if h.tables.countGateways() >= h.cfg.MaxGatewayConns {
		c.sendPayload(protocol.ServerGatewayAuthResult{
			Type: protocol.TypeServerGatewayAuthResult, OK: false, Error: "gateway capacity reached",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "gateway capacity reached")
		return
	}

	if err := h.agents.RecordGatewayConnect(ctx, p.GatewayID, u.ID, p.DeviceInfo.Platform, p.DeviceInfo.Hostname); err != nil {
		h.log.Error().Err(err).Str("gateway", p.GatewayID).Msg("Failed to record gateway connect")
	}

	c.setAuthed(u.ID, u.Username, p.GatewayID)
	h.tables.addGateway(c)

	c.sendPayload(protocol.ServerGatewayAuthResult{
		Type: protocol.TypeServerGatewayAuthResult, OK: true,
	})
	h.log.Info().Str("gateway", p.GatewayID).Str("user", u.ID.String()).Msg("Gateway connected")
}

func (h *Hub) handleGatewayPing(c *conn, raw json.RawMessage, readWindow time.Duration) {
	if c.ws != nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))
	}

	var p protocol.GatewayPing
	_ = json.Unmarshal(raw, &p)
	c.sendPayload(protocol.ServerPong{Type: protocol.TypeServerPong, TS: p.TS})
}

func (h *Hub) handleRegisterAgent(c *conn, raw json.RawMessage) {
	var p protocol.GatewayRegisterAgent
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid register_agent payload")
		return
	}
	agentID, err := uuid.Parse(p.AgentID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid agent id")
		return
	}
	if p.Name == "" {
		c.sendError(protocol.ErrCodeInvalidMessage, "agent name required")
		return
	}

	connectionType := p.ConnectionType
	if connectionType == "" {
		connectionType = agent.ConnectionCLI
	}
	visibility := p.Visibility
	if visibility == "" {
		visibility = agent.VisibilityPrivate
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	a, err := h.agents.Register(ctx, agent.RegisterParams{
		ID:               agentID,
		AgentType:        p.AgentType,
		Name:             p.Name,
		WorkingDirectory: p.WorkingDirectory,
		OwnerUserID:      c.UserID(),
		ConnectionType:   connectionType,
		Capabilities:     p.Capabilities,
		Visibility:       visibility,
		GatewayID:        c.GatewayID(),
	})
	if err != nil {
		h.log.Error().Err(err).Str("agent", agentID.String()).Msg("Failed to register agent")
		c.sendError(protocol.ErrCodeInternalError, "failed to register agent")
		return
	}

	// The newest registration wins: an agent re-registered from another
	// gateway is pulled off the old one.
	if displaced := h.tables.bindAgent(agentID, c); displaced != nil {
		displaced.sendPayload(protocol.ServerRemoveAgent{
			Type:    protocol.TypeServerRemoveAgent,
			AgentID: agentID.String(),
		})
	}

	h.fanOutAgentStatus(ctx, a)
	h.log.Info().Str("agent", agentID.String()).Str("name", a.Name).Msg("Agent registered")
}

func (h *Hub) handleMessageChunk(c *conn, raw json.RawMessage) {
	var p protocol.GatewayMessageChunk
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid message_chunk payload")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}

	h.broadcastToRoom(roomID, protocol.ServerMessageChunk{
		Type:      protocol.TypeServerMessageChunk,
		AgentID:   p.AgentID,
		AgentName: p.AgentName,
		RoomID:    p.RoomID,
		MessageID: p.MessageID,
		Chunk:     p.Chunk,
	}, uuid.Nil)
}

func (h *Hub) handleMessageComplete(c *conn, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	var p protocol.GatewayMessageComplete
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid message_complete payload")
		return
	}

	agentID, err := uuid.Parse(p.Message.SenderID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid sender id")
		return
	}
	roomID, err := uuid.Parse(p.Message.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}
	messageID, err := uuid.Parse(p.Message.ID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid message id")
		return
	}

	allowed, err := h.limiter.Allow(ctx, agentID.String(), h.agentLimit)
	if err == nil && !allowed {
		c.sendError(protocol.ErrCodeRateLimited, "agent message rate limit exceeded")
		return
	}

	res, err := h.engine.Send(ctx, routing.SendParams{
		MessageID:  messageID,
		RoomID:     roomID,
		SenderID:   agentID,
		SenderType: protocol.SenderTypeAgent,
		SenderName: p.Message.SenderName,
		Type:       message.TypeAgentResponse,
		Content:    p.Message.Content,
		// Each agent-to-agent hop deepens the chain by one.
		Depth: p.Depth + 1,
	})
	if err != nil {
		c.sendError(sendErrorCode(err), err.Error())
		if !routing.IsSendRejection(err) {
			h.log.Error().Err(err).Str("room", p.Message.RoomID).Msg("Agent message pipeline failed")
		}
		return
	}

	h.deliver(res, protocol.TypeServerMessageComplete)
}

func (h *Hub) handleAgentStatus(c *conn, raw json.RawMessage) {
	var p protocol.GatewayAgentStatus
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid agent_status payload")
		return
	}
	agentID, err := uuid.Parse(p.Agent.ID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid agent id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.agents.SetOnline(ctx, agentID, p.Agent.Online); err != nil {
		h.log.Error().Err(err).Str("agent", agentID.String()).Msg("Failed to update agent status")
		return
	}
	a, err := h.agents.GetByID(ctx, agentID)
	if err != nil {
		return
	}
	h.fanOutAgentStatus(ctx, a)
}

// forwardToOwner relays a raw gateway frame to every client connection of the
// gateway's owning user.
func (h *Hub) forwardToOwner(c *conn, raw json.RawMessage) {
	for _, cc := range h.tables.userConns(c.UserID()) {
		cc.enqueue(raw)
	}
}

func (h *Hub) handleTaskUpdate(c *conn, raw json.RawMessage) {
	var p protocol.GatewayTaskUpdate
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid task_update payload")
		return
	}

	if h.tasks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		h.tasks.HandleTaskUpdate(ctx, c.UserID(), p.Task)
	}

	h.forwardToOwner(c, raw)
}
