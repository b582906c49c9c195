// Package user holds user accounts. Accounts are provisioned by an admin;
// there is no self-service signup surface.
package user

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound        = errors.New("user not found")
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrInvalidUsername = errors.New("username must be 2-32 characters of letters, digits, dots, dashes or underscores")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,32}$`)

// User holds the fields read from the database. ConnLimit overrides the
// server-wide per-user connection cap when non-nil.
type User struct {
	ID           uuid.UUID
	Username     string
	DisplayName  *string
	PasswordHash string
	IsAdmin      bool
	ConnLimit    *int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateParams groups the inputs for creating a user.
type CreateParams struct {
	Username     string
	DisplayName  *string
	PasswordHash string
	IsAdmin      bool
}

// ValidateUsername checks the username format.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Count(ctx context.Context) (int, error)
}
