// Package room holds the room domain model: rooms, their user and agent
// members, and the broadcast-mode flag that drives routing.
package room

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the room package.
var (
	ErrNotFound       = errors.New("room not found")
	ErrNotMember      = errors.New("not a member of this room")
	ErrAlreadyMember  = errors.New("already a member of this room")
	ErrEmptyName      = errors.New("room name must not be empty")
	ErrNameTooLong    = errors.New("room name exceeds the maximum length")
	ErrMemberNotFound = errors.New("room member not found")
)

// MaxNameLength is the maximum room name length in runes.
const MaxNameLength = 100

// Member kinds. Rooms mix human users and agents in one member table.
const (
	MemberTypeUser  = "user"
	MemberTypeAgent = "agent"
)

// Room holds the fields read from the database.
type Room struct {
	ID            uuid.UUID
	Name          string
	CreatedBy     uuid.UUID
	BroadcastMode bool
	SystemPrompt  string
	RouterID      *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Member is one entry in a room's member table. MemberID is a user ID for
// user members and an agent ID for agent members.
type Member struct {
	RoomID      uuid.UUID
	MemberID    uuid.UUID
	MemberType  string
	DisplayName string
	AddedAt     time.Time
}

// CreateParams groups the inputs for creating a room.
type CreateParams struct {
	Name          string
	CreatedBy     uuid.UUID
	BroadcastMode bool
	SystemPrompt  string
	RouterID      *uuid.UUID
}

// UpdateParams groups the mutable room fields. Nil pointers leave the column
// unchanged.
type UpdateParams struct {
	Name          *string
	BroadcastMode *bool
	SystemPrompt  *string
	RouterID      *uuid.UUID
	ClearRouter   bool
}

// ValidateName checks that a room name is non-empty after trimming and within
// the maximum rune count.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrEmptyName
	}
	if utf8.RuneCountInString(trimmed) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return trimmed, nil
}

// Repository defines the data-access contract for room operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Room, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Room, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Room, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// ListForMember returns the rooms a user or agent belongs to. Rooms a
	// user created count even without a membership row.
	ListForMember(ctx context.Context, memberID uuid.UUID) ([]Room, error)

	AddMember(ctx context.Context, roomID, memberID uuid.UUID, memberType, displayName string) error
	RemoveMember(ctx context.Context, roomID, memberID uuid.UUID) error
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]Member, error)

	// IsMember reports whether memberID (user or agent) belongs to the room.
	// The room creator always counts as a member.
	IsMember(ctx context.Context, roomID, memberID uuid.UUID) (bool, error)
}
