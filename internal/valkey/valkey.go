// Package valkey opens the server's Valkey connection. Valkey keeps Redis's
// wire protocol, so the go-redis client drives it; only the URL scheme needs
// normalising.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect opens a client for rawURL and verifies it with a ping. Both
// valkey:// and redis:// schemes are accepted; dialTimeout bounds each new
// connection attempt.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	normalized, err := normalizeScheme(rawURL)
	if err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// normalizeScheme rewrites valkey:// to the redis:// scheme go-redis
// understands, leaving the rest of the URL untouched.
func normalizeScheme(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}
	return parsed.String(), nil
}
