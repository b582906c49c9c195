package protocol

import (
	"bytes"
	"encoding/json"
	"io"
)

// Default validation limits, overridable through server configuration.
const (
	DefaultMaxMessageSize = 64 * 1024
	DefaultMaxJSONDepth   = 10
)

// Validator applies the pre-dispatch checks every inbound frame must pass:
// byte-length cap, well-formed JSON, and bounded nesting depth.
type Validator struct {
	MaxMessageSize int
	MaxJSONDepth   int
}

// NewValidator returns a Validator with the given limits, falling back to the
// protocol defaults for non-positive values.
func NewValidator(maxSize, maxDepth int) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxJSONDepth
	}
	return &Validator{MaxMessageSize: maxSize, MaxJSONDepth: maxDepth}
}

// Check validates a raw inbound frame. On failure it returns the protocol
// error code to send back and a sentinel error.
func (v *Validator) Check(raw []byte) (ErrorCode, error) {
	if len(raw) > v.MaxMessageSize {
		return ErrCodeMessageTooLarge, ErrFrameTooLarge
	}
	if !json.Valid(raw) {
		return ErrCodeInvalidJSON, ErrInvalidJSON
	}
	if exceedsDepth(raw, v.MaxJSONDepth) {
		return ErrCodeJSONTooDeep, ErrTooDeep
	}
	return "", nil
}

// exceedsDepth walks the token stream and tracks nesting depth without ever
// materialising a value deeper than the limit. Each '{' or '[' increments the
// depth; the walk aborts as soon as the limit is crossed.
func exceedsDepth(raw []byte, maxDepth int) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return false
		}
		if err != nil {
			// Validity was already checked; treat decode errors as over-depth
			// to be safe.
			return true
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxDepth {
				return true
			}
		case '}', ']':
			depth--
		}
	}
}
