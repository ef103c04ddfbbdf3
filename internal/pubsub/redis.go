/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisChannelPrefix = "freqwax:events:"

	redisBreakerThreshold = 5
	redisBreakerCooldown  = 30 * time.Second
)

// RedisBus relays events between nodes over Redis pub/sub. Publishes go
// out as envelopes; Run feeds envelopes from other nodes into the local
// bus. A circuit breaker stops hammering a dead Redis: while open, this
// node's clients still receive events through the Broadcaster's local
// mirror, and periodic probes reconnect when Redis returns.
type RedisBus struct {
	client  *redis.Client
	local   *LocalBus
	nodeID  string
	logger  zerolog.Logger
	breaker breaker
}

// NewRedisBus connects to Redis and verifies it answers.
func NewRedisBus(addr, password string, db int, nodeID string, local *LocalBus, logger zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBus{
		client: client,
		local:  local,
		nodeID: nodeID,
		logger: logger.With().Str("component", "redis_bus").Logger(),
		breaker: breaker{
			threshold: redisBreakerThreshold,
			cooldown:  redisBreakerCooldown,
			now:       time.Now,
		},
	}, nil
}

func (r *RedisBus) Publish(ctx context.Context, channel, event string, payload any) error {
	if !r.breaker.allow() {
		r.logger.Debug().Str("channel", channel).Str("event", event).Msg("breaker open, remote publish skipped")
		return nil
	}

	raw, err := json.Marshal(Envelope{
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    r.nodeID,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.client.Publish(ctx, redisChannelPrefix+channel, raw).Err(); err != nil {
		if r.breaker.failure() {
			r.logger.Warn().Err(err).Msg("redis publish failing, breaker opened")
		}
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}

	r.breaker.success()
	return nil
}

// Run subscribes to every event channel and replays envelopes from other
// nodes onto the local bus. Blocks until ctx is cancelled.
func (r *RedisBus) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	r.logger.Info().Msg("redis event fan-in started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed envelope")
				continue
			}
			if env.NodeID == r.nodeID {
				continue
			}
			_ = r.local.Publish(ctx, env.Channel, env.Event, env.Payload)
		}
	}
}

func (r *RedisBus) Name() string { return "redis" }

func (r *RedisBus) Close() error {
	return r.client.Close()
}

// breaker counts consecutive failures and, once the threshold is hit,
// rejects calls until the cooldown passes. After the cooldown one probe
// call is let through; success resets the count.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	// Half-open: admit this probe, push the window so concurrent
	// callers do not all probe at once.
	b.openUntil = b.now().Add(b.cooldown)
	return true
}

// failure records one failed call and reports whether this call opened
// the breaker.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures == b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openUntil = time.Time{}
}
