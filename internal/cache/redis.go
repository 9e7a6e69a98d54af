// Package cache implements the reminder dedup cache on Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"deadswitch/internal/config"
	"deadswitch/internal/types"
)

const reminderSentPrefix = "reminder:sent:"

// ReminderSentKey is the dedup key written after a reminder for switchID went
// out. Its TTL is the reminder cooldown.
func ReminderSentKey(switchID string) string {
	return reminderSentPrefix + switchID
}

// NewClient builds a go-redis client from REDIS_URL.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisCache is a presence cache: keys carry no meaningful value, only a TTL.
// It works with both single-node and cluster clients.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client. A non-empty prefix namespaces every key, e.g.
// "deadswitch:staging:".
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// Get reports whether key is present. A missing key is not an error.
func (c *RedisCache) Get(ctx context.Context, key string) (bool, error) {
	err := c.client.Get(ctx, c.key(key)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, types.NewAppError(types.ErrCodeInternalCache, "cache read failed", err)
	}
}

// Set marks key present for ttl. The stored value is the write time, which is
// only useful when inspecting the cache by hand.
func (c *RedisCache) Set(ctx context.Context, key string, ttl time.Duration) error {
	value := time.Now().UTC().Format(time.RFC3339)
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "cache write failed", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key succeeds.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCache, "cache delete failed", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or zero when it is absent.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalCache, "cache ttl lookup failed", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Name implements the health checker contract.
func (c *RedisCache) Name() string { return "redis" }

// Check pings Redis.
func (c *RedisCache) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
