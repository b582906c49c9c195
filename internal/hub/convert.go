package hub

import (
	"time"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/room"
)

// Conversions from domain models to the wire models carried on frames.

func toWireMessage(msg *message.Message, atts []attachment.Attachment) protocol.Message {
	var replyTo *string
	if msg.ReplyToID != nil {
		s := msg.ReplyToID.String()
		replyTo = &s
	}
	return protocol.Message{
		ID:          msg.ID.String(),
		RoomID:      msg.RoomID.String(),
		SenderID:    msg.SenderID.String(),
		SenderType:  msg.SenderType,
		SenderName:  msg.SenderName,
		MsgType:     msg.Type,
		Content:     msg.Content,
		Mentions:    msg.Mentions,
		ReplyToID:   replyTo,
		Attachments: toWireAttachments(atts),
		CreatedAt:   msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toWireAttachments(atts []attachment.Attachment) []protocol.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]protocol.Attachment, len(atts))
	for i, a := range atts {
		out[i] = protocol.Attachment{
			ID:       a.ID.String(),
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.SizeBytes,
			URL:      a.URL,
		}
	}
	return out
}

func toWireAgent(a *agent.Agent) protocol.Agent {
	return protocol.Agent{
		ID:               a.ID.String(),
		Type:             a.AgentType,
		Name:             a.Name,
		WorkingDirectory: a.WorkingDirectory,
		OwnerUserID:      a.OwnerUserID.String(),
		ConnectionType:   a.ConnectionType,
		Capabilities:     a.Capabilities,
		Visibility:       a.Visibility,
		Online:           a.Online,
	}
}

func toWireRoom(rm *room.Room, members []room.Member) protocol.Room {
	var routerID *string
	if rm.RouterID != nil {
		s := rm.RouterID.String()
		routerID = &s
	}
	wireMembers := make([]protocol.RoomMember, len(members))
	for i, m := range members {
		wireMembers[i] = protocol.RoomMember{
			MemberID:    m.MemberID.String(),
			MemberType:  m.MemberType,
			DisplayName: m.DisplayName,
		}
	}
	return protocol.Room{
		ID:            rm.ID.String(),
		Name:          rm.Name,
		CreatedBy:     rm.CreatedBy.String(),
		BroadcastMode: rm.BroadcastMode,
		SystemPrompt:  rm.SystemPrompt,
		RouterID:      routerID,
		Members:       wireMembers,
	}
}

func toWireMessages(msgs []message.Message) []protocol.Message {
	out := make([]protocol.Message, len(msgs))
	for i := range msgs {
		out[i] = toWireMessage(&msgs[i], nil)
	}
	return out
}
