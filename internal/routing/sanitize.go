// Package routing implements the message pipeline: sanitise, persist, and
// decide which agents receive a copy. Mentions route directly; broadcast
// rooms consult their router LLM; everything else routes to nobody.
package routing

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// policy strips active content from user-supplied markup before persistence.
// UGC keeps harmless formatting while removing script, iframe, object, embed,
// form, svg, math, event handler attributes and javascript:/vbscript:/data:
// URL schemes.
var policy = bluemonday.UGCPolicy()

// SanitizeContent returns content with dangerous markup removed. Plain text
// passes through unchanged apart from entity escaping of angle brackets.
func SanitizeContent(content string) string {
	return strings.TrimSpace(policy.Sanitize(content))
}
