package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/breaker"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Cache fronts Redis behind a circuit breaker. Callers treat every error
// as a cache miss and fall through to the document store; the breaker
// keeps a dead Redis from adding latency to each call.
type Cache struct {
	rdb     *redis.Client
	cb      *breaker.Breaker
	timeout time.Duration
	log     *logger.Logger
}

// NewCache builds the client. The connection is verified lazily so a
// Redis outage at boot does not block startup.
func NewCache(cfg config.RedisConfig, cb *breaker.Breaker, log *logger.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &Cache{rdb: rdb, cb: cb, timeout: cfg.Timeout, log: log}
}

// Get returns the value and whether the key exists.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := c.cb.Do(func() error {
		b, err := c.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// Set stores the value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.cb.Do(func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores the value only if the key is absent and reports whether it
// was written. The dedup fast path relies on this being atomic.
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := c.cb.Do(func() error {
		ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		set = ok
		return nil
	})
	return set, err
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.cb.Do(func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Ping reports cache reachability for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.cb.Do(func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close releases the client.
func (c *Cache) Close() error { return c.rdb.Close() }
