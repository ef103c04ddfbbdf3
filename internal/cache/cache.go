/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides the read-side caches: an in-process LRU for
// schedule window queries and a Redis-backed cache for public
// live-status payloads. Both are optimizations only; every read used
// for an authorization decision goes to the store directly.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTLs for the public status payload. Live status changes fast,
// offline status does not.
const (
	DefaultLiveStatusTTL    = 10 * time.Second
	DefaultOfflineStatusTTL = 30 * time.Second
)

// Redis key layout.
const (
	keyPrefix       = "freqwax:cache:"
	KeyStatusAll    = keyPrefix + "status:all"
	keyStatusStream = keyPrefix + "status:stream:" // + slot id
)

// StatusStreamKey returns the cache key for one stream's status payload.
func StatusStreamKey(slotID string) string {
	return keyStatusStream + slotID
}

// Config contains status cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LiveStatusTTL    time.Duration
	OfflineStatusTTL time.Duration

	// DisableOnError stops touching Redis after the first error so a
	// dead cache cannot slow the status endpoint down.
	DisableOnError bool
}

// DefaultConfig returns default status cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		LiveStatusTTL:    DefaultLiveStatusTTL,
		OfflineStatusTTL: DefaultOfflineStatusTTL,
		DisableOnError:   true,
	}
}

// StatusCache caches rendered live-status responses in Redis so polling
// clients do not hit the store on every request. Misses and Redis
// failures fall through to the store.
type StatusCache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// NewStatusCache connects to Redis. An unreachable Redis is not an
// error: the cache starts disabled and every lookup is a miss.
func NewStatusCache(cfg Config, logger zerolog.Logger) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without status caching")
		return &StatusCache{
			logger:   logger.With().Str("component", "status_cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("status cache initialized")

	return &StatusCache{
		client: client,
		logger: logger.With().Str("component", "status_cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *StatusCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *StatusCache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *StatusCache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling status cache due to Redis error")
	}
}

// GetStatus returns a cached status payload, or false on any miss.
func (c *StatusCache) GetStatus(ctx context.Context, key string) ([]byte, bool) {
	if !c.IsAvailable() {
		return nil, false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}

	c.logger.Debug().Str("key", key).Msg("status cache hit")
	return data, true
}

// SetStatus caches a rendered status payload. live selects the short
// TTL so a stream going live is visible within seconds.
func (c *StatusCache) SetStatus(ctx context.Context, key string, payload []byte, live bool) error {
	if !c.IsAvailable() {
		return nil
	}

	ttl := c.config.OfflineStatusTTL
	if live {
		ttl = c.config.LiveStatusTTL
	}

	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

// Invalidate drops every cached status payload. Called when a stream
// changes state so clients never poll a stale "offline" for long.
func (c *StatusCache) Invalidate(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}

	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, keyPrefix+"status:*", 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return fmt.Errorf("scan status keys: %w", err)
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return fmt.Errorf("delete status keys: %w", err)
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	c.logger.Debug().Msg("status cache invalidated")
	return nil
}
