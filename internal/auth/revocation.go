package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Revocation epochs are stored per principal: any token issued at or before
// the stored epoch is invalid. Revoking a session therefore requires no token
// list, only bumping the epoch.

func revokedAfterKey(userID uuid.UUID) string {
	return "revoked_after:" + userID.String()
}

// RevokeTokensBefore marks every token of the principal issued at or before
// now as revoked. The key inherits the refresh TTL so it expires once all
// affected tokens have expired anyway.
func RevokeTokensBefore(ctx context.Context, rdb *redis.Client, userID uuid.UUID, ttl time.Duration) error {
	epoch := time.Now().Unix()
	if err := rdb.Set(ctx, revokedAfterKey(userID), epoch, ttl).Err(); err != nil {
		return fmt.Errorf("set revocation epoch for %s: %w", userID, err)
	}
	return nil
}

// IsRevoked reports whether a token issued at issuedAt has been revoked for
// the principal. A missing key means no revocation.
func IsRevoked(ctx context.Context, rdb *redis.Client, userID uuid.UUID, issuedAt time.Time) (bool, error) {
	val, err := rdb.Get(ctx, revokedAfterKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get revocation epoch for %s: %w", userID, err)
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse revocation epoch for %s: %w", userID, err)
	}
	return issuedAt.Unix() <= epoch, nil
}
