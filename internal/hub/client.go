package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/room"
	"github.com/agentim-chat/agentim/internal/routing"
)

// readPumpClient reads frames from a client connection and dispatches them.
// Every inbound frame passes the validation pipeline first; before
// authentication only client:auth and client:ping are accepted.
func (h *Hub) readPumpClient(c *conn) {
	defer func() {
		h.unregisterClient(c)
		c.close()
	}()

	c.ws.SetReadLimit(int64(h.cfg.MaxMessageSize))
	// Allow slightly more than one heartbeat interval before timing out, so a
	// single missed ping does not immediately sever the connection.
	readWindow := h.cfg.HeartbeatInterval + h.cfg.HeartbeatInterval/2
	_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))

	authTimer := h.startAuthTimer(c)
	defer authTimer.Stop()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		h.dispatchClient(c, raw, readWindow)
	}
}

// startAuthTimer closes the connection with the auth-timeout code when the
// handshake has not completed within the configured window.
func (h *Hub) startAuthTimer(c *conn) *time.Timer {
	return time.AfterFunc(h.cfg.WSAuthTimeout, func() {
		if !c.IsAuthed() {
			c.log.Debug().Msg("Client did not authenticate in time")
			c.closeWithCode(protocol.CloseAuthTimeout, "authentication timeout")
		}
	})
}

// dispatchClient validates one raw client frame and routes it to its handler.
// Before authentication only client:auth and client:ping pass; anything else
// earns exactly one NOT_AUTHENTICATED error.
func (h *Hub) dispatchClient(c *conn, raw []byte, readWindow time.Duration) {
	if code, err := h.validator.Check(raw); err != nil {
		c.sendError(code, err.Error())
		return
	}

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "frame has no type")
		return
	}

	if !c.IsAuthed() && frame.Type != protocol.TypeClientAuth && frame.Type != protocol.TypeClientPing {
		c.sendError(protocol.ErrCodeNotAuthenticated, "authenticate first")
		return
	}

	switch frame.Type {
	case protocol.TypeClientAuth:
		h.handleClientAuth(c, frame.Data)
	case protocol.TypeClientPing:
		h.handleClientPing(c, frame.Data, readWindow)
	case protocol.TypeClientJoinRoom:
		h.handleClientJoinRoom(c, frame.Data)
	case protocol.TypeClientLeaveRoom:
		h.handleClientLeaveRoom(c, frame.Data)
	case protocol.TypeClientSendMessage:
		h.handleClientSendMessage(c, frame.Data)
	case protocol.TypeClientEditMessage:
		h.handleClientEditMessage(c, frame.Data)
	case protocol.TypeClientDeleteMessage:
		h.handleClientDeleteMessage(c, frame.Data)
	case protocol.TypeClientTyping:
		h.handleClientTyping(c, frame.Data)
	case protocol.TypeClientMarkRead:
		h.handleClientMarkRead(c, frame.Data)
	case protocol.TypeClientStopGeneration:
		h.handleClientStopGeneration(c, frame.Data)
	default:
		c.sendError(protocol.ErrCodeInvalidMessage, "unknown frame type")
	}
}

// unregisterClient removes a client connection from the tables, clears its
// typing indicators, and starts the delayed presence decrement when it was the
// user's last connection here.
func (h *Hub) unregisterClient(c *conn) {
	if !c.IsAuthed() {
		return
	}
	rooms := h.tables.connRooms(c)
	last := h.tables.removeClient(c)
	h.clearTypingOnClose(c, rooms)
	if last {
		h.clientOffline(c.UserID(), c.Username())
	}
}

// clearTypingOnClose drops the typing keys for every room the connection had
// joined and fans out a stop frame, so an indicator never outlives its sender.
func (h *Hub) clearTypingOnClose(c *conn, rooms []uuid.UUID) {
	if len(rooms) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for _, roomID := range rooms {
		if _, err := h.presence.ClearTyping(ctx, roomID, c.UserID()); err != nil {
			h.log.Warn().Err(err).Str("room", roomID.String()).Msg("Failed to clear typing state")
		}
		h.broadcastToRoom(roomID, protocol.ServerTyping{
			Type:     protocol.TypeServerTyping,
			RoomID:   roomID.String(),
			UserID:   c.UserID().String(),
			Username: c.Username(),
			Stopped:  true,
		}, c.id)
	}
}

func (h *Hub) handleClientAuth(c *conn, raw json.RawMessage) {
	if c.IsAuthed() {
		c.closeWithCode(protocol.ClosePolicyViolation, "already authenticated")
		return
	}

	var p protocol.ClientAuth
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		c.sendPayload(protocol.ServerAuthResult{
			Type: protocol.TypeServerAuthResult, OK: false, Error: "token required",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	u, err := h.authenticate(ctx, p.Token)
	if err != nil {
		c.log.Debug().Err(err).Msg("Client authentication failed")
		c.sendPayload(protocol.ServerAuthResult{
			Type: protocol.TypeServerAuthResult, OK: false, Error: "invalid token",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "authentication failed")
		return
	}

	if h.tables.countUserConns(u.ID) >= h.connLimitFor(u) {
		c.sendPayload(protocol.ServerAuthResult{
			Type: protocol.TypeServerAuthResult, OK: false, Error: "connection limit reached",
		})
		c.closeWithCode(protocol.ClosePolicyViolation, "connection limit reached")
		return
	}

	c.setAuthed(u.ID, u.Username, "")
	h.tables.addClient(c)

	c.sendPayload(protocol.ServerAuthResult{
		Type: protocol.TypeServerAuthResult, OK: true, UserID: u.ID.String(),
	})

	first, err := h.presence.Connect(ctx, u.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user", u.ID.String()).Msg("Failed to record presence connect")
		return
	}
	if first {
		h.fanOutPresence(ctx, u.ID, u.Username, true)
	}
}

func (h *Hub) handleClientPing(c *conn, raw json.RawMessage, readWindow time.Duration) {
	if c.ws != nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWindow))
	}

	var p protocol.ClientPing
	_ = json.Unmarshal(raw, &p)

	if c.IsAuthed() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := h.presence.Refresh(ctx, c.UserID()); err != nil {
			h.log.Error().Err(err).Str("user", c.UserID().String()).Msg("Failed to refresh presence")
		}
	}

	c.sendPayload(protocol.ServerPong{Type: protocol.TypeServerPong, TS: p.TS})
}

func (h *Hub) handleClientJoinRoom(c *conn, raw json.RawMessage) {
	var p protocol.ClientJoinRoom
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid join_room payload")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rm, err := h.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			c.sendError(protocol.ErrCodeRoomNotFound, "room not found")
			return
		}
		c.sendError(protocol.ErrCodeInternalError, "failed to load room")
		return
	}

	isMember, err := h.rooms.IsMember(ctx, roomID, c.UserID())
	if err != nil {
		c.sendError(protocol.ErrCodeInternalError, "failed to check membership")
		return
	}
	if !isMember {
		c.sendError(protocol.ErrCodeNotAMember, "not a member of this room")
		return
	}

	h.tables.joinRoom(c, roomID)

	members, err := h.rooms.ListMembers(ctx, roomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInternalError, "failed to load room members")
		return
	}
	recent, err := h.messages.Recent(ctx, roomID, h.cfg.RoomContextMessages)
	if err != nil {
		c.sendError(protocol.ErrCodeInternalError, "failed to load room history")
		return
	}

	c.sendPayload(protocol.ServerRoomContext{
		Type:     protocol.TypeServerRoomContext,
		RoomID:   roomID.String(),
		Room:     toWireRoom(rm, members),
		Messages: toWireMessages(recent),
	})
}

func (h *Hub) handleClientLeaveRoom(c *conn, raw json.RawMessage) {
	var p protocol.ClientLeaveRoom
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid leave_room payload")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}
	h.tables.leaveRoom(c, roomID)
}

func (h *Hub) handleClientSendMessage(c *conn, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	allowed, err := h.limiter.Allow(ctx, c.UserID().String(), h.msgLimit)
	if err != nil || !allowed {
		c.sendError(protocol.ErrCodeRateLimited, "message rate limit exceeded")
		return
	}

	var p protocol.ClientSendMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid send_message payload")
		return
	}

	params, err := sendParamsFromClient(c, p)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, err.Error())
		return
	}

	res, err := h.engine.Send(ctx, params)
	if err != nil {
		c.sendError(sendErrorCode(err), err.Error())
		if !routing.IsSendRejection(err) {
			h.log.Error().Err(err).Str("room", p.RoomID).Msg("Message pipeline failed")
		}
		return
	}

	h.deliver(res, protocol.TypeServerNewMessage)
}

// sendParamsFromClient converts a client:send_message payload into pipeline
// parameters, minting the message ID server-side and parsing every other UUID
// field up front.
func sendParamsFromClient(c *conn, p protocol.ClientSendMessage) (routing.SendParams, error) {
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		return routing.SendParams{}, errors.New("invalid room id")
	}

	var replyTo *uuid.UUID
	if p.ReplyToID != nil {
		id, err := uuid.Parse(*p.ReplyToID)
		if err != nil {
			return routing.SendParams{}, errors.New("invalid reply_to id")
		}
		replyTo = &id
	}

	attIDs := make([]uuid.UUID, 0, len(p.AttachmentIDs))
	for _, s := range p.AttachmentIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return routing.SendParams{}, errors.New("invalid attachment id")
		}
		attIDs = append(attIDs, id)
	}

	return routing.SendParams{
		MessageID:     uuid.New(),
		RoomID:        roomID,
		SenderID:      c.UserID(),
		SenderType:    protocol.SenderTypeUser,
		SenderName:    c.Username(),
		Type:          message.TypeText,
		Content:       p.Content,
		ReplyToID:     replyTo,
		AttachmentIDs: attIDs,
	}, nil
}

// sendErrorCode maps a pipeline error to the protocol error registry.
func sendErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return protocol.ErrCodeRoomNotFound
	case errors.Is(err, room.ErrNotMember):
		return protocol.ErrCodeNotAMember
	case errors.Is(err, message.ErrEmptyContent),
		errors.Is(err, message.ErrContentTooLong),
		errors.Is(err, message.ErrDuplicateID),
		errors.Is(err, attachment.ErrNotFound),
		errors.Is(err, attachment.ErrTooMany):
		return protocol.ErrCodeInvalidMessage
	default:
		return protocol.ErrCodeInternalError
	}
}

func (h *Hub) handleClientEditMessage(c *conn, raw json.RawMessage) {
	var p protocol.ClientEditMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid edit_message payload")
		return
	}
	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid message id")
		return
	}

	content, err := message.ValidateContent(p.Content, routing.DefaultMaxMessageLength)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, err.Error())
		return
	}
	content = routing.SanitizeContent(content)
	if content == "" {
		c.sendError(protocol.ErrCodeInvalidMessage, message.ErrEmptyContent.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	msg, err := h.messages.Update(ctx, messageID, c.UserID(), content)
	if err != nil {
		c.sendError(editErrorCode(err), err.Error())
		return
	}

	h.broadcastToRoom(msg.RoomID, protocol.ServerMessageEdited{
		Type:    protocol.TypeServerMessageEdited,
		Message: toWireMessage(msg, nil),
	}, uuid.Nil)
}

func (h *Hub) handleClientDeleteMessage(c *conn, raw json.RawMessage) {
	var p protocol.ClientDeleteMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid delete_message payload")
		return
	}
	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid message id")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.messages.SoftDelete(ctx, messageID, c.UserID()); err != nil {
		c.sendError(editErrorCode(err), err.Error())
		return
	}

	h.broadcastToRoom(roomID, protocol.ServerMessageDeleted{
		Type:      protocol.TypeServerMessageDeleted,
		RoomID:    roomID.String(),
		MessageID: messageID.String(),
	}, uuid.Nil)
}

// editErrorCode maps message edit/delete failures to the protocol registry.
func editErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, message.ErrNotFound),
		errors.Is(err, message.ErrNotSender):
		return protocol.ErrCodeInvalidMessage
	default:
		return protocol.ErrCodeInternalError
	}
}

// handleClientMarkRead fans a read receipt out to the room. Receipts are
// ephemeral: clients that care persist their own high-water mark.
func (h *Hub) handleClientMarkRead(c *conn, raw json.RawMessage) {
	var p protocol.ClientMarkRead
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid read payload")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	isMember, err := h.rooms.IsMember(ctx, roomID, c.UserID())
	if err != nil || !isMember {
		return
	}

	h.broadcastToRoom(roomID, protocol.ServerReadReceipt{
		Type:      protocol.TypeServerReadReceipt,
		RoomID:    roomID.String(),
		UserID:    c.UserID().String(),
		MessageID: p.MessageID,
	}, c.id)
}

func (h *Hub) handleClientTyping(c *conn, raw json.RawMessage) {
	var p protocol.ClientTyping
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid typing payload")
		return
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid room id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	isMember, err := h.rooms.IsMember(ctx, roomID, c.UserID())
	if err != nil || !isMember {
		return
	}

	// The store debounces: only the first keystroke inside the window fans
	// out a frame. Typing state is best-effort, so a KV outage fails open
	// and the frame goes out anyway.
	fresh, err := h.presence.SetTyping(ctx, roomID, c.UserID())
	if err != nil {
		h.log.Warn().Err(err).Str("user", c.UserID().String()).
			Msg("Failed to set typing state, broadcasting without debounce")
		fresh = true
	}
	if !fresh {
		return
	}

	h.broadcastToRoom(roomID, protocol.ServerTyping{
		Type:     protocol.TypeServerTyping,
		RoomID:   roomID.String(),
		UserID:   c.UserID().String(),
		Username: c.Username(),
	}, c.id)
}

func (h *Hub) handleClientStopGeneration(c *conn, raw json.RawMessage) {
	var p protocol.ClientStopGeneration
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid stop_generation payload")
		return
	}
	agentID, err := uuid.Parse(p.AgentID)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMessage, "invalid agent id")
		return
	}

	h.sendToAgent(agentID, protocol.ServerStopAgent{
		Type:    protocol.TypeServerStopAgent,
		AgentID: agentID.String(),
	})
}
