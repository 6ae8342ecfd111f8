// Package cache is the Redis-backed read-through cache shared by the payment
// service and the stock updater. It is an optimization only: every failure is
// logged and reported as a miss, never returned to the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RedisCache wraps a go-redis client. A nil *RedisCache behaves as a cache
// that always misses.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
	group  singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Health reports whether Redis answered a PING.
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LoadFunc produces the value for a missing key.
type LoadFunc func(ctx context.Context) (any, error)

func New(client *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Connect parses redisURL and pings once. An unreachable server is logged,
// not returned: go-redis reconnects on its own and operations miss until then.
func Connect(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, cache will miss until it recovers", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", opts.Addr))
	}
	return New(client, logger), nil
}

// Get decodes the JSON value at key into dest and reports whether it was found.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return false
	}
	if err != nil {
		c.misses.Add(1)
		c.fail("cache get failed", key, err)
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.misses.Add(1)
		c.fail("cache entry undecodable", key, err)
		return false
	}

	c.hits.Add(1)
	return true
}

// Set stores value as JSON under key. A zero ttl stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if c == nil {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.fail("cache value unencodable", key, err)
		return false
	}
	return c.setRaw(ctx, key, data, ttl)
}

func (c *RedisCache) setRaw(ctx context.Context, key string, data []byte, ttl time.Duration) bool {
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.fail("cache set failed", key, err)
		return false
	}
	return true
}

// Delete removes keys.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) bool {
	if c == nil || len(keys) == 0 {
		return false
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.fail("cache delete failed", fmt.Sprint(keys), err)
		return false
	}
	return true
}

// GetOrLoad is a read-through lookup: on a miss it calls load, caches the
// result for ttl and decodes it into dest. Concurrent misses for the same key
// share one load, which is detached from the first caller's cancellation so
// it cannot fail the other waiters. Errors from load are returned and nothing
// is cached.
func (c *RedisCache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest any, load LoadFunc) error {
	if c.Get(ctx, key, dest) {
		return nil
	}

	loadCtx := context.WithoutCancel(ctx)
	loadAndEncode := func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	var (
		out any
		err error
	)
	if c == nil {
		out, err = loadAndEncode()
	} else {
		out, err, _ = c.group.Do(key, func() (any, error) {
			data, err := loadAndEncode()
			if err != nil {
				return nil, err
			}
			c.setRaw(loadCtx, key, data.([]byte), ttl)
			return data, nil
		})
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(out.([]byte), dest)
}

// HealthCheck pings Redis.
func (c *RedisCache) HealthCheck(ctx context.Context) Health {
	if c == nil {
		return Health{Status: "disconnected", Message: "cache not configured"}
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return Health{Status: "unhealthy", Message: err.Error()}
	}
	return Health{Status: "healthy", Message: "redis connection active"}
}

func (c *RedisCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *RedisCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) fail(msg, key string, err error) {
	c.errors.Add(1)
	c.logger.Warn(msg, zap.String("key", key), zap.Error(err))
}
