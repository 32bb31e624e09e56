// Package cache provides an optional Redis-backed read-through cache
// shared by the History Store and Session Store (spec.md SPEC_FULL.md
// §4.K). A nil-client Cache is always a clean miss, so callers behave
// identically whether or not REDIS_ADDR is configured.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache wraps an optional *redis.Client. The zero value (nil client) is
// safe to use and always misses.
type Cache struct {
	rdb *redis.Client
	log *logrus.Logger
	ttl time.Duration
}

// New returns a Cache backed by addr, or a no-op Cache if addr is empty.
func New(addr string, ttl time.Duration, log *logrus.Logger) *Cache {
	if addr == "" {
		return &Cache{log: log, ttl: ttl}
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Cache{rdb: rdb, log: log, ttl: ttl}
}

// Enabled reports whether a real Redis client backs this Cache.
func (c *Cache) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Get unmarshals the cached value for key into dest, reporting whether
// the key was found. Errors (including connectivity errors) are logged
// at warn and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.Enabled() {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Warn("cache get failed, falling back to store")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache value corrupt, falling back to store")
		return false
	}
	return true
}

// Set stores value under key with the Cache's configured TTL. Failures
// are logged at warn and otherwise ignored: the cache is an optimization,
// never a source of truth.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache set failed")
	}
}

// Del removes key from the cache, ignoring errors.
func (c *Cache) Del(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache del failed")
	}
}

// Close releases the underlying Redis connection, if any.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
