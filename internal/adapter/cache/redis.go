// Package cache provides the shared coordination store used for proxy
// reservations, rotation cursors, dedupe markers and short-lived price
// lookups. The primary backend is Redis; a process-local Memory store
// covers tests and keeps replicas limping along when Redis is down.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Redis implements domain.Cache on top of a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an already-configured client. Returns nil when the
// client is nil so callers can pass the result straight to NewFallback.
func NewRedis(rdb *redis.Client) *Redis {
	if rdb == nil {
		return nil
	}
	return &Redis{rdb: rdb}
}

// Client exposes the underlying connection for the stream dispatcher,
// which needs raw XADD/XREADGROUP access.
func (c *Redis) Client() *redis.Client { return c.rdb }

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=cache.get: %w: %v", domain.ErrCacheDegraded, err)
	}
	return v, true, nil
}

func (c *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set: %w: %v", domain.ErrCacheDegraded, err)
	}
	return nil
}

func (c *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=cache.setnx: %w: %v", domain.ErrCacheDegraded, err)
	}
	return ok, nil
}

func (c *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=cache.del: %w: %v", domain.ErrCacheDegraded, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN rather than KEYS so a large pool of
// reservation keys does not block the server.
func (c *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=cache.keys: %w: %v", domain.ErrCacheDegraded, err)
	}
	return out, nil
}

// Ping reports connectivity for readiness checks.
func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
