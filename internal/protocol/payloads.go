package protocol

// Frame payload structs. Every payload embeds its own `type` discriminator so
// a marshalled payload is a complete frame.

// --- Client -> Server ---

type ClientAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ClientPing struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type ClientJoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ClientLeaveRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ClientSendMessage struct {
	Type          string   `json:"type"`
	RoomID        string   `json:"roomId"`
	Content       string   `json:"content"`
	Mentions      []string `json:"mentions,omitempty"`
	ReplyToID     *string  `json:"replyToId,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

type ClientEditMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type ClientDeleteMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type ClientTyping struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ClientMarkRead struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type ClientStopGeneration struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
}

// --- Gateway -> Server ---

type GatewayAuth struct {
	Type       string     `json:"type"`
	Token      string     `json:"token"`
	GatewayID  string     `json:"gatewayId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type GatewayPing struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type GatewayRegisterAgent struct {
	Type             string   `json:"type"`
	AgentID          string   `json:"agentId"`
	AgentType        string   `json:"agentType"`
	Name             string   `json:"name"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	ConnectionType   string   `json:"connectionType"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Visibility       string   `json:"visibility"`
}

type GatewayMessageChunk struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
}

type GatewayMessageComplete struct {
	Type           string  `json:"type"`
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId,omitempty"`
	Depth          int     `json:"depth,omitempty"`
}

type GatewayAgentStatus struct {
	Type  string `json:"type"`
	Agent Agent  `json:"agent"`
}

type GatewayPermissionRequest struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	RoomID    string `json:"roomId"`
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
}

type GatewayTerminalData struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Data      string `json:"data"`
}

type GatewayTaskUpdate struct {
	Type string         `json:"type"`
	Task map[string]any `json:"task"`
}

// --- Server -> Client ---

type ServerPong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type ServerAuthResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ServerNewMessage struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type ServerMessageChunk struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
}

type ServerMessageComplete struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type ServerMessageEdited struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type ServerMessageDeleted struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type ServerTyping struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	// Stopped marks a clear frame, sent when the sender disconnects before
	// the indicator expires on its own.
	Stopped bool `json:"stopped,omitempty"`
}

type ServerPresence struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type ServerAgentStatus struct {
	Type  string `json:"type"`
	Agent Agent  `json:"agent"`
}

type ServerReactionUpdate struct {
	Type      string   `json:"type"`
	RoomID    string   `json:"roomId"`
	MessageID string   `json:"messageId"`
	Emoji     string   `json:"emoji"`
	UserIDs   []string `json:"userIds"`
}

type ServerReadReceipt struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
}

type ServerRoomUpdate struct {
	Type string `json:"type"`
	Room Room   `json:"room"`
}

type ServerRoomRemoved struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type ServerShutdownFrame struct {
	Type string `json:"type"`
}

// --- Server -> Gateway ---

type ServerGatewayAuthResult struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ServerSendToAgent struct {
	Type           string `json:"type"`
	AgentID        string `json:"agentId"`
	RoomID         string `json:"roomId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	SenderName     string `json:"senderName"`
	SenderType     string `json:"senderType"`
	RoutingMode    string `json:"routingMode"`
	ConversationID string `json:"conversationId"`
	Depth          int    `json:"depth"`
}

type ServerStopAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ServerRemoveAgent struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ServerRoomContext struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"roomId"`
	Room     Room      `json:"room"`
	Messages []Message `json:"messages"`
}
