package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Valkey key patterns:
//
//	refresh:{token}        → user_id (STRING with TTL)
//	user_refresh:{user_id} → SET of token UUIDs

// ErrRefreshTokenNotFound indicates the presented refresh token is unknown or
// was already consumed (possible reuse).
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

func refreshKey(token string) string {
	return "refresh:" + token
}

func userRefreshKey(userID uuid.UUID) string {
	return "user_refresh:" + userID.String()
}

// rotateScript atomically consumes an old refresh token and issues a new one.
// Returns the user ID on success, or nil if the old token was not found.
//
//	KEYS[1] = refresh:{oldToken}
//	ARGV[1] = oldToken (UUID string, for SREM from user set)
//	ARGV[2] = newToken (UUID string)
//	ARGV[3] = TTL in seconds
var rotateScript = redis.NewScript(`
local userId = redis.call('GET', KEYS[1])
if not userId then
    return false
end

redis.call('DEL', KEYS[1])

local userSetKey = 'user_refresh:' .. userId
redis.call('SREM', userSetKey, ARGV[1])

local newKey = 'refresh:' .. ARGV[2]
redis.call('SET', newKey, userId, 'EX', tonumber(ARGV[3]))
redis.call('SADD', userSetKey, ARGV[2])
redis.call('EXPIRE', userSetKey, tonumber(ARGV[3]))

return userId
`)

// CreateRefreshToken generates a new refresh token for the user and stores it
// in Valkey with the given TTL.
func CreateRefreshToken(ctx context.Context, rdb *redis.Client, userID uuid.UUID, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	pipe := rdb.Pipeline()
	pipe.Set(ctx, refreshKey(token), userID.String(), ttl)
	pipe.SAdd(ctx, userRefreshKey(userID), token)
	pipe.Expire(ctx, userRefreshKey(userID), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create refresh token: %w", err)
	}

	return token, nil
}

// RotateRefreshToken atomically exchanges an old refresh token for a new one.
// The gateway process performs exactly one rotation after its first auth
// failure; a second failure is terminal.
func RotateRefreshToken(ctx context.Context, rdb *redis.Client, oldToken string, ttl time.Duration) (uuid.UUID, string, error) {
	newToken := uuid.New().String()

	res, err := rotateScript.Run(ctx, rdb, []string{refreshKey(oldToken)},
		oldToken, newToken, int(ttl.Seconds())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, "", ErrRefreshTokenNotFound
		}
		return uuid.Nil, "", fmt.Errorf("rotate refresh token: %w", err)
	}

	userStr, ok := res.(string)
	if !ok {
		return uuid.Nil, "", ErrRefreshTokenNotFound
	}
	userID, err := uuid.Parse(userStr)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parse refresh token user ID: %w", err)
	}
	return userID, newToken, nil
}

// RevokeAllRefreshTokens removes every refresh token for the user and bumps
// the revocation epoch so live access tokens die with them.
func RevokeAllRefreshTokens(ctx context.Context, rdb *redis.Client, userID uuid.UUID, accessTTL time.Duration) error {
	tokens, err := rdb.SMembers(ctx, userRefreshKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list refresh tokens for %s: %w", userID, err)
	}

	pipe := rdb.Pipeline()
	for _, token := range tokens {
		pipe.Del(ctx, refreshKey(token))
	}
	pipe.Del(ctx, userRefreshKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke refresh tokens for %s: %w", userID, err)
	}

	return RevokeTokensBefore(ctx, rdb, userID, accessTTL)
}
