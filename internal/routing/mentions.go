package routing

import (
	"regexp"
	"strings"
)

// mentionPattern matches @name tokens. Names may carry dots and dashes the
// way agent names do ("@build-bot", "@reviewer.v2").
var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_][\p{L}\p{N}_.-]*)`)

// ParseMentions extracts the member names mentioned in content. Matching is
// exact and case-insensitive against the known names; unknown @tokens are
// ignored so stray email addresses do not become mentions. Each name appears
// at most once, in first-mention order.
func ParseMentions(content string, knownNames []string) []string {
	if !strings.Contains(content, "@") {
		return nil
	}

	byLower := make(map[string]string, len(knownNames))
	for _, name := range knownNames {
		byLower[strings.ToLower(name)] = name
	}

	var mentions []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		token := strings.ToLower(m[1])
		name, ok := byLower[token]
		if !ok {
			// "@bob." at the end of a sentence captures the dot; retry
			// without trailing punctuation.
			name, ok = byLower[strings.TrimRight(token, ".-")]
		}
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}
