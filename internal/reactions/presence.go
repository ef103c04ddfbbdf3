/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reactions

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// PresenceRequest identifies one client on one stream. SessionID is
// client-generated and survives reconnects within a tab; UserID is set
// when the viewer is logged in.
type PresenceRequest struct {
	StreamID  string
	UserID    string
	SessionID string
}

// Counters is the viewer arithmetic returned by presence operations.
type Counters struct {
	CurrentViewers int  `json:"currentViewers"`
	PeakViewers    int  `json:"peakViewers"`
	TotalViews     int  `json:"totalViews"`
	Active         bool `json:"active"`
}

// Join opens a viewer session. Re-joining with the same sessionId
// refreshes the existing session instead of counting the viewer twice.
func (s *Service) Join(ctx context.Context, req PresenceRequest) (*Counters, error) {
	if req.SessionID == "" {
		return nil, apperr.Invalid("sessionId is required")
	}
	if err := s.allow(ratelimit.ClassPresence, limitKey(req.UserID, req.SessionID)); err != nil {
		return nil, err
	}

	slot, err := s.loadSlot(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	existing, err := s.activeSession(ctx, req.StreamID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.store.Update(ctx, models.CollectionViewers, existing.ID, store.Fields{
			"lastHeartbeat": now,
		}); err != nil {
			s.logger.Warn().Err(err).Str("session", existing.ID).Msg("could not refresh session")
		}
		return countersFor(slot, true), nil
	}

	session := models.ViewerSession{
		ID:            uuid.NewString(),
		StreamID:      req.StreamID,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		JoinedAt:      now,
		LastHeartbeat: now,
		IsActive:      true,
	}
	if err := s.store.Set(ctx, models.CollectionViewers, session.ID, session); err != nil {
		return nil, fmt.Errorf("creating viewer session: %w", err)
	}

	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "currentViewers", 1); err != nil {
		return nil, fmt.Errorf("incrementing viewers on %s: %w", slot.ID, err)
	}
	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "totalViews", 1); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", slot.ID).Msg("could not bump total views")
	}

	fresh, err := s.refreshPeak(ctx, slot.ID)
	if err != nil {
		return nil, err
	}
	telemetry.ViewersCurrent.Inc()
	s.mirrorViewerCounters(ctx, fresh, now)
	s.publishViewerUpdate(ctx, fresh, now)
	return countersFor(fresh, true), nil
}

// Leave closes the caller's session. Leaving twice, or leaving a stream
// never joined, is a no-op so flaky clients cannot drive the counter
// negative.
func (s *Service) Leave(ctx context.Context, req PresenceRequest) (*Counters, error) {
	if req.SessionID == "" {
		return nil, apperr.Invalid("sessionId is required")
	}
	slot, err := s.loadSlot(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	session, err := s.activeSession(ctx, req.StreamID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return countersFor(slot, false), nil
	}

	if err := s.store.Update(ctx, models.CollectionViewers, session.ID, store.Fields{
		"isActive":      false,
		"leftAt":        now,
		"lastHeartbeat": now,
	}); err != nil {
		return nil, fmt.Errorf("closing session %s: %w", session.ID, err)
	}

	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "currentViewers", -1); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", slot.ID).Msg("could not decrement viewers")
	}
	var fresh models.Slot
	if err := s.store.Get(ctx, models.CollectionSlots, slot.ID, &fresh); err != nil {
		return nil, fmt.Errorf("re-reading slot %s: %w", slot.ID, err)
	}
	if fresh.CurrentViewers < 0 {
		if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
			"currentViewers": 0,
		}); err == nil {
			fresh.CurrentViewers = 0
		}
	}
	telemetry.ViewersCurrent.Dec()
	s.mirrorViewerCounters(ctx, &fresh, now)
	s.publishViewerUpdate(ctx, &fresh, now)
	return countersFor(&fresh, false), nil
}

// Heartbeat keeps a session warm. A heartbeat for a session that
// already lapsed reports Active=false and touches nothing; the client
// is expected to re-join.
func (s *Service) Heartbeat(ctx context.Context, req PresenceRequest) (*Counters, error) {
	if req.SessionID == "" {
		return nil, apperr.Invalid("sessionId is required")
	}
	if err := s.allow(ratelimit.ClassPresence, limitKey(req.UserID, req.SessionID)); err != nil {
		return nil, err
	}

	slot, err := s.loadSlot(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}

	session, err := s.activeSession(ctx, req.StreamID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return countersFor(slot, false), nil
	}

	if err := s.store.Update(ctx, models.CollectionViewers, session.ID, store.Fields{
		"lastHeartbeat": s.now(),
	}); err != nil {
		return nil, fmt.Errorf("refreshing session %s: %w", session.ID, err)
	}
	return countersFor(slot, true), nil
}

// activeSession finds the one active session for (streamId, sessionId).
func (s *Service) activeSession(ctx context.Context, streamID, sessionID string) (*models.ViewerSession, error) {
	snaps, err := s.store.Query(ctx, models.CollectionViewers, store.Query{
		Filters: []store.Filter{
			{Field: "streamId", Op: store.OpEq, Value: streamID},
			{Field: "sessionId", Op: store.OpEq, Value: sessionID},
			{Field: "isActive", Op: store.OpEq, Value: true},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	var session models.ViewerSession
	if err := snaps[0].Decode(&session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}

// refreshPeak re-reads the slot and raises viewerPeak when the live
// count exceeds it.
func (s *Service) refreshPeak(ctx context.Context, slotID string) (*models.Slot, error) {
	var fresh models.Slot
	if err := s.store.Get(ctx, models.CollectionSlots, slotID, &fresh); err != nil {
		return nil, fmt.Errorf("re-reading slot %s: %w", slotID, err)
	}
	if fresh.CurrentViewers > fresh.ViewerPeak {
		if err := s.store.Update(ctx, models.CollectionSlots, slotID, store.Fields{
			"viewerPeak": fresh.CurrentViewers,
		}); err != nil {
			s.logger.Warn().Err(err).Str("stream_id", slotID).Msg("could not raise viewer peak")
		} else {
			fresh.ViewerPeak = fresh.CurrentViewers
		}
	}
	return &fresh, nil
}

func countersFor(slot *models.Slot, active bool) *Counters {
	return &Counters{
		CurrentViewers: slot.CurrentViewers,
		PeakViewers:    slot.ViewerPeak,
		TotalViews:     slot.TotalViews,
		Active:         active,
	}
}
