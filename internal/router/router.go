// Package router holds router configurations: the LLM endpoint a broadcast
// room consults to decide which agents should answer a message. API keys are
// stored encrypted; routing falls back to "deliver to nobody" whenever the
// LLM cannot produce a usable answer.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the router package.
var ErrNotFound = errors.New("router not found")

// Visibility scopes for who may attach a router to a room.
const (
	VisibilityAll   = "all"
	VisibilityOwner = "owner"
	VisibilityUsers = "users"
)

// Router holds the fields read from the database. LLMAPIKeyEnc is the
// AES-256-GCM ciphertext of the provider key, empty when no key is needed.
type Router struct {
	ID              uuid.UUID
	Name            string
	Scope           string
	LLMBaseURL      string
	LLMAPIKeyEnc    string
	LLMModel        string
	MaxChainDepth   int
	RateLimitWindow int
	RateLimitMax    int
	Visibility      string
	VisibilityUsers []string
	CreatedBy       uuid.UUID
	CreatedAt       time.Time
}

// CreateParams groups the inputs for creating a router. LLMAPIKeyEnc must
// already be encrypted by the caller.
type CreateParams struct {
	Name            string
	Scope           string
	LLMBaseURL      string
	LLMAPIKeyEnc    string
	LLMModel        string
	MaxChainDepth   int
	RateLimitWindow int
	RateLimitMax    int
	Visibility      string
	VisibilityUsers []string
	CreatedBy       uuid.UUID
}

// VisibleTo reports whether the user may attach this router to a room.
func (r *Router) VisibleTo(userID uuid.UUID) bool {
	if r.CreatedBy == userID {
		return true
	}
	switch r.Visibility {
	case VisibilityAll:
		return true
	case VisibilityUsers:
		id := userID.String()
		for _, u := range r.VisibilityUsers {
			if u == id {
				return true
			}
		}
	}
	return false
}

// Repository defines the data-access contract for router operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Router, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Router, error)
	ListVisible(ctx context.Context, userID uuid.UUID) ([]Router, error)
	Delete(ctx context.Context, id, createdBy uuid.UUID) error
}
