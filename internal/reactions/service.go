/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reactions tracks who is watching a stream and what they think
// of it. Presence sessions and like/rating aggregates are durable;
// emoji, stars and shoutouts are broadcast-only and vanish with the
// moment. Viewer counters on the slot are projections of the session
// table, so a missed decrement costs cosmetics, never correctness.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Service aggregates presence and reactions for live slots.
type Service struct {
	store   store.Store
	bus     *pubsub.Broadcaster
	events  *events.Bus
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds the reactions service. limiter may be shared with other
// services; budgets are keyed by class so they do not collide.
func New(st store.Store, bus *pubsub.Broadcaster, domain *events.Bus, limiter *ratelimit.Limiter, logger zerolog.Logger) *Service {
	return &Service{
		store:   st,
		bus:     bus,
		events:  domain,
		limiter: limiter,
		logger:  logger.With().Str("component", "reactions").Logger(),
		now:     time.Now,
	}
}

// Run closes viewer sessions when their stream ends. Blocks until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) {
	ended := s.events.Subscribe(events.EventStreamEnded)
	failed := s.events.Subscribe(events.EventStreamFailed)
	defer s.events.Unsubscribe(events.EventStreamEnded, ended)
	defer s.events.Unsubscribe(events.EventStreamFailed, failed)

	s.logger.Info().Msg("session sweep listening for stream ends")
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ended:
			s.onStreamEnd(ctx, p)
		case p := <-failed:
			s.onStreamEnd(ctx, p)
		}
	}
}

func (s *Service) onStreamEnd(ctx context.Context, p events.Payload) {
	streamID, _ := p["streamId"].(string)
	if streamID == "" {
		return
	}
	if err := s.CloseStreamSessions(ctx, streamID); err != nil {
		s.logger.Error().Err(err).Str("stream_id", streamID).Msg("closing sessions after stream end")
	}
}

// CloseStreamSessions marks every active session on a stream inactive
// and zeroes the live viewer counter. Called when the stream reaches a
// terminal state; viewers cannot leave a stream that no longer exists.
func (s *Service) CloseStreamSessions(ctx context.Context, streamID string) error {
	snaps, err := s.store.Query(ctx, models.CollectionViewers, store.Query{
		Filters: []store.Filter{
			{Field: "streamId", Op: store.OpEq, Value: streamID},
			{Field: "isActive", Op: store.OpEq, Value: true},
		},
	})
	if err != nil {
		return fmt.Errorf("querying active sessions for %s: %w", streamID, err)
	}
	if len(snaps) == 0 {
		return nil
	}

	now := s.now()
	closed := 0
	for _, snap := range snaps {
		err := s.store.Update(ctx, models.CollectionViewers, snap.Key, store.Fields{
			"isActive":      false,
			"leftAt":        now,
			"lastHeartbeat": now,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("session", snap.Key).Msg("could not close session")
			continue
		}
		closed++
	}
	telemetry.ViewersCurrent.Sub(float64(closed))

	if err := s.store.Update(ctx, models.CollectionSlots, streamID, store.Fields{
		"currentViewers": 0,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("could not zero viewer counter")
	}

	s.logger.Info().Str("stream_id", streamID).Int("closed", closed).Msg("viewer sessions closed")
	return nil
}

// loadSlot fetches the slot a reaction targets.
func (s *Service) loadSlot(ctx context.Context, streamID string) (*models.Slot, error) {
	if streamID == "" {
		return nil, apperr.Invalid("streamId is required")
	}
	var slot models.Slot
	err := s.store.Get(ctx, models.CollectionSlots, streamID, &slot)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("stream %s not found", streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading slot %s: %w", streamID, err)
	}
	return &slot, nil
}

// allow consumes one unit of the client's budget for class, translating
// a denial into the rate-limited error the API maps to 429.
func (s *Service) allow(class, clientID string) error {
	ok, retry := s.limiter.Allow(class, clientID)
	if ok {
		return nil
	}
	secs := int((retry + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return apperr.RateLimited("slow down", secs)
}

// limitKey picks the most stable identity available for rate limiting.
func limitKey(userID, sessionID string) string {
	if userID != "" {
		return userID
	}
	return sessionID
}

// publishViewerUpdate fans the current counters out on the stream channel.
func (s *Service) publishViewerUpdate(ctx context.Context, slot *models.Slot, now time.Time) {
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventViewerUpdate, map[string]any{
		"currentViewers": slot.CurrentViewers,
		"peakViewers":    slot.ViewerPeak,
		"timestamp":      now.UTC(),
	})
}

// mirrorViewerCounters copies the slot counters onto the denormalized
// live record. The record only exists while the stream is live; absence
// is not an error.
func (s *Service) mirrorViewerCounters(ctx context.Context, slot *models.Slot, now time.Time) {
	err := s.store.Update(ctx, models.CollectionLiveStreams, slot.ID, store.Fields{
		"currentViewers": slot.CurrentViewers,
		"viewerPeak":     slot.ViewerPeak,
		"updatedAt":      now,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("stream_id", slot.ID).Msg("could not mirror viewer counters")
	}
}
