// Package bootstrap seeds a fresh database on first run: the admin account
// and a default room the admin already belongs to.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentim-chat/agentim/internal/auth"
	"github.com/agentim-chat/agentim/internal/config"
	"github.com/agentim-chat/agentim/internal/postgres"
	"github.com/agentim-chat/agentim/internal/user"
)

// DefaultRoomName is the room every fresh deployment starts with.
const DefaultRoomName = "general"

// IsFirstRun returns true when no user account exists yet.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return count == 0, nil
}

// RunFirstInit seeds the admin account and the default room inside a single
// transaction.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, cfg *config.Config) error {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set for first-run initialization")
	}
	if err := user.ValidateUsername(cfg.AdminUsername); err != nil {
		return fmt.Errorf("invalid ADMIN_USERNAME: %w", err)
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	return postgres.WithTx(ctx, db, func(tx pgx.Tx) error {
		var adminID uuid.UUID
		err := tx.QueryRow(ctx,
			`INSERT INTO users (username, display_name, password_hash, is_admin)
			 VALUES ($1, $1, $2, true)
			 RETURNING id`,
			cfg.AdminUsername, hash,
		).Scan(&adminID)
		if err != nil {
			return fmt.Errorf("insert admin user: %w", err)
		}

		var roomID uuid.UUID
		err = tx.QueryRow(ctx,
			`INSERT INTO rooms (name, created_by) VALUES ($1, $2) RETURNING id`,
			DefaultRoomName, adminID,
		).Scan(&roomID)
		if err != nil {
			return fmt.Errorf("insert default room: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO room_members (room_id, member_id, member_type, display_name)
			 VALUES ($1, $2, 'user', $3)`,
			roomID, adminID, cfg.AdminUsername,
		)
		if err != nil {
			return fmt.Errorf("insert admin room membership: %w", err)
		}
		return nil
	})
}
