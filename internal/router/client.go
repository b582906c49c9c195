package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/safeurl"
)

// Candidate is one agent offered to the routing LLM.
type Candidate struct {
	ID           uuid.UUID
	Name         string
	AgentType    string
	Capabilities []string
}

// Client talks to OpenAI-compatible chat-completions endpoints. Every request
// passes the private-network check first because base URLs are user-supplied.
type Client struct {
	http    *http.Client
	checker *safeurl.Checker
	log     zerolog.Logger
}

// NewClient creates a router LLM client.
func NewClient(checker *safeurl.Checker, logger zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{},
		checker: checker,
		log:     logger.With().Str("component", "router").Logger(),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Test verifies that the endpoint answers a minimal completion request within
// timeout. Used when a router is created or edited so a bad base URL fails
// fast instead of at message time.
func (c *Client) Test(ctx context.Context, baseURL, apiKey, model string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.complete(ctx, baseURL, apiKey, model, []chatMessage{
		{Role: "user", Content: "Reply with the single word: ok"},
	})
	return err
}

// SelectAgents asks the router LLM which candidates should handle content.
// Any unusable answer (transport error, timeout, malformed or empty JSON,
// unknown names) selects nobody: a silent room beats a misrouted message.
func (c *Client) SelectAgents(ctx context.Context, rt *Router, apiKey, roomPrompt, content string, candidates []Candidate) []uuid.UUID {
	if len(candidates) == 0 {
		return nil
	}

	resp, err := c.complete(ctx, rt.LLMBaseURL, apiKey, rt.LLMModel, []chatMessage{
		{Role: "system", Content: selectionPrompt(roomPrompt, candidates)},
		{Role: "user", Content: content},
	})
	if err != nil {
		c.log.Warn().Err(err).Str("router", rt.ID.String()).Msg("Router LLM call failed, routing to nobody")
		return nil
	}

	names := parseSelection(resp)
	if names == nil {
		c.log.Warn().Str("router", rt.ID.String()).Str("response", truncate(resp, 200)).
			Msg("Router LLM returned unusable selection, routing to nobody")
		return nil
	}

	byName := make(map[string]uuid.UUID, len(candidates))
	for _, cand := range candidates {
		byName[cand.Name] = cand.ID
	}

	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, name := range names {
		id, ok := byName[name]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) complete(ctx context.Context, baseURL, apiKey, model string, messages []chatMessage) (string, error) {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	if err := c.checker.Check(ctx, endpoint); err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Temperature: 0})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion request: unexpected status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func selectionPrompt(roomPrompt string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("You route chat messages to agents. Reply with a JSON array of agent names that should handle the message, or [] if none should.\n")
	if roomPrompt != "" {
		b.WriteString("Room context: ")
		b.WriteString(roomPrompt)
		b.WriteString("\n")
	}
	b.WriteString("Agents:\n")
	for _, cand := range candidates {
		b.WriteString("- ")
		b.WriteString(cand.Name)
		b.WriteString(" (")
		b.WriteString(cand.AgentType)
		b.WriteString(")")
		if len(cand.Capabilities) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(cand.Capabilities, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseSelection extracts a JSON string array from the model's reply,
// tolerating surrounding prose and code fences. Returns nil when no valid
// array can be found.
func parseSelection(resp string) []string {
	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start < 0 || end < start {
		return nil
	}

	var names []string
	if err := json.Unmarshal([]byte(resp[start:end+1]), &names); err != nil {
		return nil
	}
	return names
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
