/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ratelimit bounds per-client interaction rates. HTTP-level
// limits ride on go-chi/httprate middleware; the Limiter here covers
// the finer-grained budgets inside the reactions service, where the
// class depends on the action in the request body rather than the route.
package ratelimit

import (
	"sync"
	"time"

	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Classes group actions that share one budget.
const (
	// ClassReaction covers the broadcast-only firehose: emoji, star
	// and shoutout.
	ClassReaction = "reaction"
	// ClassPresence covers join and heartbeat, bounding reconnect storms.
	ClassPresence = "presence"
)

// Limit is a fixed-window budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Default budgets per client identity.
var (
	LimitReaction = Limit{Requests: 30, Window: time.Minute}
	LimitPresence = Limit{Requests: 10, Window: time.Minute}
)

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window counter table keyed by (class, clientID).
// Expired buckets are pruned during access so the table stays bounded
// by the set of clients active inside one window.
type Limiter struct {
	mu        sync.Mutex
	limits    map[string]Limit
	buckets   map[string]bucket
	now       func() time.Time
	lastPrune time.Time
}

// New builds a limiter with the default reaction and presence budgets.
func New() *Limiter {
	return &Limiter{
		limits: map[string]Limit{
			ClassReaction: LimitReaction,
			ClassPresence: LimitPresence,
		},
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

// SetLimit overrides the budget for a class.
func (l *Limiter) SetLimit(class string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[class] = limit
}

// Allow consumes one unit from the client's budget. When denied it
// returns the wait until the window resets. Unknown classes are never
// limited.
func (l *Limiter) Allow(class, clientID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[class]
	if !ok || limit.Requests <= 0 {
		return true, 0
	}

	now := l.now()
	l.pruneLocked(now)

	key := class + "\x00" + clientID
	b := l.buckets[key]

	if b.windowStart.IsZero() || !now.Before(b.windowStart.Add(limit.Window)) {
		b = bucket{windowStart: now}
	}

	if b.count >= limit.Requests {
		l.buckets[key] = b
		retryAfter := b.windowStart.Add(limit.Window).Sub(now)
		telemetry.RateLimitedTotal.WithLabelValues(class).Inc()
		return false, retryAfter
	}

	b.count++
	l.buckets[key] = b
	return true, 0
}

// pruneLocked drops buckets whose window fully elapsed. Runs at most
// once per minute so hot paths do not pay a full sweep.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now

	maxWindow := time.Duration(0)
	for _, limit := range l.limits {
		if limit.Window > maxWindow {
			maxWindow = limit.Window
		}
	}

	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > maxWindow {
			delete(l.buckets, key)
		}
	}
}

// Size reports the live bucket count.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
