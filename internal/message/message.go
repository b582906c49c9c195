// Package message holds the persisted chat message model. Message IDs are
// chosen by the sender so a client can render optimistically and reconcile on
// the server echo; the primary key rejects replays of the same ID.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrDuplicateID    = errors.New("message id already used")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrNotSender      = errors.New("you can only modify your own messages")
)

// Message kinds stored in msg_type.
const (
	TypeText          = "text"
	TypeAgentResponse = "agent_response"
	TypeSystem        = "system"
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// MaxContentLength is the maximum message content length in runes.
const MaxContentLength = 16000

// Message holds the fields read from the database.
type Message struct {
	ID         uuid.UUID
	RoomID     uuid.UUID
	SenderID   uuid.UUID
	SenderType string
	SenderName string
	Type       string
	Content    string
	Mentions   []string
	ReplyToID  *uuid.UUID
	Deleted    bool
	EditedAt   *time.Time
	CreatedAt  time.Time
}

// CreateParams groups the inputs for persisting a message. ID is supplied by
// the sender.
type CreateParams struct {
	ID         uuid.UUID
	RoomID     uuid.UUID
	SenderID   uuid.UUID
	SenderType string
	SenderName string
	Type       string
	Content    string
	Mentions   []string
	ReplyToID  *uuid.UUID
}

// ValidateContent checks that content is non-empty after trimming and within
// the maximum rune count.
func ValidateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	// CreateInTx inserts a message inside an open transaction so that the
	// send path can link attachments atomically with the insert.
	CreateInTx(ctx context.Context, tx pgx.Tx, params CreateParams) (*Message, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	// List returns non-deleted messages in a room newest first. When before
	// is non-nil only messages created before it are returned.
	List(ctx context.Context, roomID uuid.UUID, before *uuid.UUID, limit int) ([]Message, error)

	// Recent returns the latest limit non-deleted messages oldest first, for
	// seeding agent conversation context.
	Recent(ctx context.Context, roomID uuid.UUID, limit int) ([]Message, error)

	// Update sets new content on a message owned by senderID and marks it
	// edited.
	Update(ctx context.Context, id, senderID uuid.UUID, content string) (*Message, error)

	// SoftDelete marks a message owned by senderID as deleted.
	SoftDelete(ctx context.Context, id, senderID uuid.UUID) error
}
