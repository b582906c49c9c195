// Package ratelimit implements fixed-window rate limiting keyed by
// (principal, purpose). The preferred backend is Valkey, using an atomic
// INCR+EXPIRE script so a counter can never be left without a TTL. A bounded
// in-memory store serves deployments without Valkey; when Valkey errors at
// runtime the per-purpose failure policy decides between rejecting
// (fail-closed) and allowing with a warning (fail-open).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Policy selects the behaviour when the KV backend is unreachable.
type Policy int

const (
	// FailClosed rejects the request when the backend errors. Used for
	// client message limits, where an outage must not open the floodgates.
	FailClosed Policy = iota
	// FailOpen allows the request when the backend errors. Used for less
	// sensitive counters such as agent message rates.
	FailOpen
)

// Limit describes one fixed-window counter.
type Limit struct {
	Purpose   string
	Max       int
	Window    time.Duration
	OnKVError Policy
}

// incrScript atomically increments a counter and sets its TTL on the first
// increment of the window. The atomicity matters: a plain INCR-then-EXPIRE
// can leave a TTL-less key if the KV restarts between the two commands, which
// would lock the principal out permanently.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Limiter is a fixed-window rate limiter. With a nil Valkey client it runs
// entirely on the bounded in-memory store.
type Limiter struct {
	rdb *redis.Client
	mem *memoryStore
	log zerolog.Logger
}

// New creates a Limiter. rdb may be nil, in which case the in-memory backend
// is used for every counter.
func New(rdb *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{
		rdb: rdb,
		mem: newMemoryStore(defaultMaxEntries),
		log: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Close stops the in-memory sweeper.
func (l *Limiter) Close() {
	l.mem.close()
}

func counterKey(principal, purpose string) string {
	return "ratelimit:" + purpose + ":" + principal
}

// Allow records one event for (principal, lim.Purpose) and reports whether it
// is within lim.Max for the current window.
func (l *Limiter) Allow(ctx context.Context, principal string, lim Limit) (bool, error) {
	key := counterKey(principal, lim.Purpose)

	if l.rdb == nil {
		count := l.mem.incr(key, lim.Window)
		return count <= int64(lim.Max), nil
	}

	res, err := incrScript.Run(ctx, l.rdb, []string{key}, int(lim.Window.Seconds())).Result()
	if err != nil {
		if lim.OnKVError == FailOpen {
			l.log.Warn().Err(err).Str("purpose", lim.Purpose).
				Msg("Rate limit backend unreachable, allowing (fail-open)")
			return true, nil
		}
		l.log.Warn().Err(err).Str("purpose", lim.Purpose).
			Msg("Rate limit backend unreachable, rejecting (fail-closed)")
		return false, fmt.Errorf("rate limit incr: %w", err)
	}

	count, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("rate limit incr: unexpected result type %T", res)
	}
	return count <= int64(lim.Max), nil
}
