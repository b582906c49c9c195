package protocol

// Frame type discriminators. The prefix identifies the sending side:
// client: frames originate from human UIs, gateway: frames from agent host
// processes, server: frames from the server to either endpoint class.
const (
	// Client -> Server
	TypeClientAuth           = "client:auth"
	TypeClientPing           = "client:ping"
	TypeClientJoinRoom       = "client:join_room"
	TypeClientLeaveRoom      = "client:leave_room"
	TypeClientSendMessage    = "client:send_message"
	TypeClientEditMessage    = "client:edit_message"
	TypeClientDeleteMessage  = "client:delete_message"
	TypeClientTyping         = "client:typing"
	TypeClientMarkRead       = "client:read"
	TypeClientStopGeneration = "client:stop_generation"

	// Gateway -> Server
	TypeGatewayAuth              = "gateway:auth"
	TypeGatewayPing              = "gateway:ping"
	TypeGatewayRegisterAgent     = "gateway:register_agent"
	TypeGatewayMessageChunk      = "gateway:message_chunk"
	TypeGatewayMessageComplete   = "gateway:message_complete"
	TypeGatewayAgentStatus       = "gateway:agent_status"
	TypeGatewayPermissionRequest = "gateway:permission_request"
	TypeGatewayTerminalData      = "gateway:terminal_data"
	TypeGatewayTaskUpdate        = "gateway:task_update"

	// Server -> Client
	TypeServerPong            = "server:pong"
	TypeServerAuthResult      = "server:auth_result"
	TypeServerNewMessage      = "server:new_message"
	TypeServerMessageChunk    = "server:message_chunk"
	TypeServerMessageComplete = "server:message_complete"
	TypeServerMessageEdited   = "server:message_edited"
	TypeServerMessageDeleted  = "server:message_deleted"
	TypeServerTyping          = "server:typing"
	TypeServerPresence        = "server:presence"
	TypeServerAgentStatus     = "server:agent_status"
	TypeServerReactionUpdate  = "server:reaction_update"
	TypeServerReadReceipt     = "server:read_receipt"
	TypeServerRoomUpdate      = "server:room_update"
	TypeServerRoomRemoved     = "server:room_removed"
	TypeServerError           = "server:error"
	TypeServerShutdown        = "server:shutdown"

	// Server -> Gateway
	TypeServerGatewayAuthResult = "server:gateway_auth_result"
	TypeServerSendToAgent       = "server:send_to_agent"
	TypeServerStopAgent         = "server:stop_agent"
	TypeServerRemoveAgent       = "server:remove_agent"
	TypeServerRoomContext       = "server:room_context"
)

// Priority classifies outbound frames for the gateway send queue. Higher
// values evict lower ones when the queue is full.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// PriorityFor returns the send-queue class for a frame type. Auth and agent
// registration must survive backpressure; streamed agent output and status
// come next; everything else is droppable.
func PriorityFor(frameType string) Priority {
	switch frameType {
	case TypeGatewayAuth, TypeClientAuth, TypeGatewayRegisterAgent:
		return PriorityCritical
	case TypeGatewayMessageChunk, TypeGatewayMessageComplete,
		TypeGatewayAgentStatus, TypeGatewayPermissionRequest:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// RetryOnDrop reports whether a normal-priority frame of this type should get
// a bounded retry instead of being dropped immediately when the queue is full.
func RetryOnDrop(frameType string) bool {
	switch frameType {
	case TypeGatewayAuth, TypeClientAuth, TypeGatewayPermissionRequest,
		TypeGatewayMessageComplete, TypeGatewayAgentStatus:
		return true
	default:
		return false
	}
}

// Routing modes carried on server:send_to_agent frames.
const (
	RoutingModeDirect    = "direct"
	RoutingModeBroadcast = "broadcast"
)

// Sender types.
const (
	SenderTypeUser  = "user"
	SenderTypeAgent = "agent"
)

// Message types.
const (
	MessageTypeText          = "text"
	MessageTypeAgentResponse = "agent_response"
)
