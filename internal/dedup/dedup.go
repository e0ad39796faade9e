// Package dedup guards against handling the same Telegram update twice.
// Telegram redelivers webhook updates it did not see acknowledged, and a
// restarted poller can refetch a batch; both would otherwise enqueue the same
// message again.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an update id is remembered.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "chatrelay:update:"

// Guard records update ids in Redis with SET NX and a TTL.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a Guard on rdb. ttl <= 0 means DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Connect parses a redis:// URL, pings the server and returns a Guard.
func Connect(ctx context.Context, url string, ttl time.Duration) (*Guard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, ttl), nil
}

// Claim records updateID and reports whether this is its first sighting.
func (g *Guard) Claim(ctx context.Context, updateID int64) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, key(updateID), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim update %d: %w", updateID, err)
	}
	return ok, nil
}

// Release forgets updateID so a redelivery is processed again. Used when the
// update could not be enqueued after it was claimed.
func (g *Guard) Release(ctx context.Context, updateID int64) error {
	if err := g.rdb.Del(ctx, key(updateID)).Err(); err != nil {
		return fmt.Errorf("release update %d: %w", updateID, err)
	}
	return nil
}

// Ping checks Redis reachability. Used by the health endpoint.
func (g *Guard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (g *Guard) Close() error {
	return g.rdb.Close()
}

func key(updateID int64) string {
	return keyPrefix + strconv.FormatInt(updateID, 10)
}
