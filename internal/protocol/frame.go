// Package protocol defines the AgentIM wire protocol: JSON text frames with a
// discriminated "type" field, exchanged over the /ws/client and /ws/gateway
// WebSocket endpoints. It also carries the error-code registry, the close-code
// constants, the send-priority classification used by the gateway queue, and
// the inbound frame validation rules.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the minimal envelope decoded from every inbound message before
// dispatch. Data holds the raw frame so handlers can decode the full payload
// for their type.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// DecodeFrame extracts the discriminator from a raw frame. The full payload is
// kept in Data for a second, type-specific unmarshal by the handler.
func DecodeFrame(raw []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return &Frame{Type: head.Type, Data: raw}, nil
}

// Encode serialises a typed frame payload. The payload struct must carry its
// own `type` field (all protocol payload types do).
func Encode(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}
