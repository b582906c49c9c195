// Package presence provides ephemeral presence and typing state backed by
// Valkey. A user's presence is a connection refcount with a TTL refreshed by
// each heartbeat, so a crashed server cannot strand users online forever.
// Typing indicators use SET NX to deduplicate rapid keystrokes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// presenceTTL is the lifetime of a presence refcount. Heartbeats refresh
	// this TTL so the key expires only when every connection stops sending
	// heartbeats.
	presenceTTL = 120 * time.Second
)

// disconnectScript decrements the refcount and deletes the key when it
// reaches zero, atomically, so two near-simultaneous disconnects cannot leave
// a negative count behind.
var disconnectScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
return n
`)

// Store reads and writes ephemeral presence and typing state in Valkey.
type Store struct {
	rdb       *redis.Client
	typingTTL time.Duration
}

// NewStore creates a presence store. typingTTL controls how long a typing
// indicator suppresses duplicates before a new one may be dispatched.
func NewStore(rdb *redis.Client, typingTTL time.Duration) *Store {
	return &Store{rdb: rdb, typingTTL: typingTTL}
}

// Connect records a new connection for the user and reports whether it is
// their first, meaning an online transition should be broadcast.
func (s *Store) Connect(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := presenceKey(userID)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record connect for %s: %w", userID, err)
	}
	return incr.Val() == 1, nil
}

// Disconnect records a closed connection for the user and reports whether it
// was their last, meaning an offline transition should be broadcast.
func (s *Store) Disconnect(ctx context.Context, userID uuid.UUID) (bool, error) {
	res, err := disconnectScript.Run(ctx, s.rdb, []string{presenceKey(userID)}).Int64()
	if err != nil {
		return false, fmt.Errorf("record disconnect for %s: %w", userID, err)
	}
	return res == 0, nil
}

// Online reports whether the user has at least one live connection.
func (s *Store) Online(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return true, nil
}

// OnlineMany returns the subset of userIDs that are currently online.
func (s *Store) OnlineMany(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	online := make([]uuid.UUID, 0, len(userIDs))
	for i, v := range vals {
		if v != nil {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// Refresh extends the TTL of the user's presence refcount. Called on each
// heartbeat.
func (s *Store) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Clear removes the user's presence key regardless of refcount. Used when a
// connection closes uncleanly and the count can no longer be trusted.
func (s *Store) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear presence for %s: %w", userID, err)
	}
	return nil
}

// SetTyping records that the user started typing in the given room. The key
// uses SET NX so repeated calls within the TTL are no-ops. Returns true when
// the key was newly created, meaning a typing frame should be fanned out.
func (s *Store) SetTyping(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(roomID, userID), 1, s.typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", userID, roomID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator for the user in the room. Returns
// true when the key existed, meaning a stop frame should be fanned out.
func (s *Store) ClearTyping(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(roomID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", userID, roomID, err)
	}
	return n > 0, nil
}

func presenceKey(userID uuid.UUID) string {
	return "presence:" + userID.String()
}

func typingKey(roomID, userID uuid.UUID) string {
	return "typing:" + roomID.String() + ":" + userID.String()
}
