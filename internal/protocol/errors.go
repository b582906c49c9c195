package protocol

import "errors"

// ErrorCode identifies a server:error frame in the protocol error registry.
type ErrorCode string

const (
	ErrCodeMessageTooLarge         ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeInvalidJSON             ErrorCode = "INVALID_JSON"
	ErrCodeJSONTooDeep             ErrorCode = "JSON_TOO_DEEP"
	ErrCodeInvalidMessage          ErrorCode = "INVALID_MESSAGE"
	ErrCodeNotAuthenticated        ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeRateLimited             ErrorCode = "RATE_LIMITED"
	ErrCodeRoomNotFound            ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeNotAMember              ErrorCode = "NOT_A_MEMBER"
	ErrCodeInternalError           ErrorCode = "INTERNAL_ERROR"
	ErrCodeProtocolVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	ErrCodeServerShutdown          ErrorCode = "SERVER_SHUTDOWN"
)

// WebSocket close codes. The 4000 range is reserved for application use per
// RFC 6455. 1006 is never sent on the wire: it is a local hint meaning the
// connection died without a close frame (used to mark ping failures).
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseAuthTimeout     = 4001
	ClosePingFailed      = 1006
)

// Sentinel errors for protocol-level failures.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")
	ErrInvalidJSON   = errors.New("frame is not valid JSON")
	ErrTooDeep       = errors.New("frame JSON nesting exceeds maximum depth")
	ErrSchema        = errors.New("frame failed schema validation")
)

// ErrorFrame is the server:error payload.
type ErrorFrame struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorFrame builds a serialised server:error frame.
func NewErrorFrame(code ErrorCode, message string) ([]byte, error) {
	return Encode(ErrorFrame{Type: TypeServerError, Code: code, Message: message})
}
