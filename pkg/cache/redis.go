package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/telemetry"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds the networked cache backend configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against a Redis ACL user.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "sdap:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a Cache backed by a Redis server with a process-local fallback.
//
// When the backend is unreachable, operations transparently degrade to the
// local store so a cache outage costs performance, never correctness. The
// degraded mode is observable through Healthy and a metrics gauge; fallback
// values stay scoped to this process and are never promoted back.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	fallback  *Memory
	degraded  atomic.Bool
}

// NewRedis creates a Redis-backed cache. Connection failure at startup is
// not fatal: the cache starts degraded and recovers when the backend does.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, stderrors.New("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	r := &Redis{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		fallback:  NewMemory(),
	}

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnf("redis unreachable at startup, cache degraded: %v", err)
		r.setDegraded(true)
	}

	return r, nil
}

// NewRedisWithClient creates a Redis cache with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		fallback:  NewMemory(),
	}
}

// Close closes the Redis client and the fallback store.
func (r *Redis) Close() error {
	_ = r.fallback.Close()
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	return r.keyPrefix + key
}

// setDegraded flips the degraded flag and keeps the gauge in sync.
func (r *Redis) setDegraded(degraded bool) {
	if r.degraded.Swap(degraded) != degraded {
		if degraded {
			logger.Warn("shared cache degraded to process-local storage")
			telemetry.CacheDegraded.Set(1)
		} else {
			logger.Info("shared cache backend recovered")
			telemetry.CacheDegraded.Set(0)
		}
	}
}

// Get retrieves a value, falling back to local storage on backend failure.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == nil {
		r.setDegraded(false)
		return data, true, nil
	}
	if stderrors.Is(err, redis.Nil) {
		r.setDegraded(false)
		return nil, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	r.setDegraded(true)
	return r.fallback.Get(ctx, key)
}

// Set stores a value, mirroring to the local fallback only when degraded.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.setDegraded(true)
		return r.fallback.Set(ctx, key, value, ttl)
	}
	r.setDegraded(false)
	return nil
}

// SetNX stores a value only if the key is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.setDegraded(true)
		return r.fallback.SetNX(ctx, key, value, ttl)
	}
	r.setDegraded(false)
	return stored, nil
}

// Remove deletes a key from the backend and the fallback.
func (r *Redis) Remove(ctx context.Context, key string) error {
	_ = r.fallback.Remove(ctx, key)
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.setDegraded(true)
		return fmt.Errorf("failed to remove key: %w", err)
	}
	r.setDegraded(false)
	return nil
}

// Exists reports whether a key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.setDegraded(true)
		return r.fallback.Exists(ctx, key)
	}
	r.setDegraded(false)
	return n > 0, nil
}

// Healthy reports whether the Redis backend is currently reachable.
func (r *Redis) Healthy(ctx context.Context) bool {
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.setDegraded(true)
		return false
	}
	r.setDegraded(false)
	return true
}

var (
	_ Cache          = (*Redis)(nil)
	_ HealthReporter = (*Redis)(nil)
)
