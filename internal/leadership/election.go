/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one node to run the periodic work: the
// session sweep, the playlist watchdog, and chat cleanup. Every node
// serves HTTP; only the lease holder ticks.
package leadership

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/telemetry"
)

const (
	defaultElectionKey = "freqwax:leader:live"

	// The lease must outlive a couple of missed renewals before
	// followers take over.
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// Config tunes the election.
type Config struct {
	// RedisAddr, RedisPassword, RedisDB locate the shared lock.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the current leader.
	ElectionKey string

	// LeaseDuration is how long a held lease stays valid without renewal.
	LeaseDuration time.Duration

	// RenewalInterval is how often the campaign ticks, for holders and
	// challengers alike.
	RenewalInterval time.Duration

	// InstanceID names this node in the lock. Defaults to a random id.
	InstanceID string
}

// Election campaigns for the cluster lease. IsLeader is safe to call
// from any goroutine; backgrounds workers poll it before each tick.
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	cfg        Config
	instanceID string

	leader   atomic.Bool
	cancel   context.CancelFunc
	leaderCh chan bool
}

// withDefaults fills the blanks a zero Config leaves.
func (c Config) withDefaults() Config {
	if c.ElectionKey == "" {
		c.ElectionKey = defaultElectionKey
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = defaultRenewalInterval
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// NewElection connects to Redis and prepares a campaign. The campaign
// itself starts with Start.
func NewElection(cfg Config, logger zerolog.Logger) (*Election, error) {
	cfg = cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("leadership: connecting to Redis: %w", err)
	}

	e := &Election{
		client:     client,
		logger:     logger.With().Str("component", "leadership").Logger(),
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		leaderCh:   make(chan bool, 1),
	}
	e.logger.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("instance_id", cfg.InstanceID).
		Msg("election ready")
	return e, nil
}

// Start launches the campaign loop.
func (e *Election) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info().
		Str("instance_id", e.instanceID).
		Dur("lease", e.cfg.LeaseDuration).
		Msg("campaigning for leadership")
	go e.campaign(ctx)
}

// Stop ends the campaign, releases the lease when held, and closes the
// Redis connection.
func (e *Election) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.leader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.release(ctx); err != nil {
			e.logger.Error().Err(err).Msg("could not release leadership lease")
		}
		e.setLeader(false)
	}
	return e.client.Close()
}

// IsLeader reports whether this node currently holds the lease.
func (e *Election) IsLeader() bool {
	return e.leader.Load()
}

// LeaderCh delivers leadership transitions. The buffer is one deep and
// sends never block, so a slow reader can miss flaps; poll IsLeader for
// the current state.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// Leader returns the instance id currently holding the lease, empty
// when the seat is open.
func (e *Election) Leader(ctx context.Context) (string, error) {
	id, err := e.client.Get(ctx, e.cfg.ElectionKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading leader key: %w", err)
	}
	return id, nil
}

func (e *Election) campaign(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := e.acquireOrRenew(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error().Err(err).Msg("lease attempt failed")
				e.setLeader(false)
				continue
			}
			if held && !e.leader.Load() {
				e.logger.Info().Str("instance_id", e.instanceID).Msg("acquired leadership")
			}
			if !held && e.leader.Load() {
				e.logger.Warn().Str("instance_id", e.instanceID).Msg("lost leadership")
			}
			e.setLeader(held)
		}
	}
}

// acquireOrRenew takes the lease when free, renews it when already
// held, and otherwise reports who is not us.
func (e *Election) acquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.cfg.ElectionKey, e.instanceID, e.cfg.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("taking lease: %w", err)
	}
	if ok {
		return true, nil
	}

	holder, err := e.client.Get(ctx, e.cfg.ElectionKey).Result()
	if err == redis.Nil {
		// Lease expired between SETNX and GET; next tick picks it up.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading lease holder: %w", err)
	}
	if holder != e.instanceID {
		return false, nil
	}

	if err := e.client.Expire(ctx, e.cfg.ElectionKey, e.cfg.LeaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}
	return true, nil
}

// release deletes the lease, but only while we still own it.
func (e *Election) release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := e.client.Eval(ctx, script, []string{e.cfg.ElectionKey}, e.instanceID).Err(); err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	e.logger.Info().Msg("leadership lease released")
	return nil
}

func (e *Election) setLeader(held bool) {
	if e.leader.Swap(held) == held {
		return
	}

	if held {
		telemetry.LeaderElectionStatus.Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues("acquired").Inc()
	} else {
		telemetry.LeaderElectionStatus.Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues("lost").Inc()
	}

	select {
	case e.leaderCh <- held:
	default:
	}
}
