package protocol

// Wire models shared by several frame types. Field names follow the JSON
// casing expected by the web client and gateway processes.

// Message is the wire representation of a chat message.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	SenderType  string       `json:"senderType"`
	SenderName  string       `json:"senderName"`
	MsgType     string       `json:"type"`
	Content     string       `json:"content"`
	Mentions    []string     `json:"mentions,omitempty"`
	ReplyToID   *string      `json:"replyToId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   string       `json:"createdAt"`
}

// Attachment is the wire representation of a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// Agent is the wire representation of an agent and its live status.
type Agent struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Name             string   `json:"name"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	OwnerUserID      string   `json:"ownerUserId"`
	ConnectionType   string   `json:"connectionType"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Visibility       string   `json:"visibility"`
	Online           bool     `json:"online"`
}

// RoomMember is a user or agent participating in a room.
type RoomMember struct {
	MemberID    string `json:"memberId"`
	MemberType  string `json:"memberType"`
	DisplayName string `json:"displayName"`
}

// Room is the wire representation of a room and its membership.
type Room struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	CreatedBy     string       `json:"createdBy"`
	BroadcastMode bool         `json:"broadcastMode"`
	SystemPrompt  string       `json:"systemPrompt,omitempty"`
	RouterID      *string      `json:"routerId,omitempty"`
	Members       []RoomMember `json:"members"`
}

// DeviceInfo describes the host a gateway process runs on. Informational only.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Hostname string `json:"hostname"`
}
