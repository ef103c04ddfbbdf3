/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// GoLiveRequest describes an impromptu session.
type GoLiveRequest struct {
	Duration    int // minutes, defaults to 60
	Title       string
	Genre       string
	Description string
}

// RelayRequest starts a relay slot sourced from an approved external URL.
type RelayRequest struct {
	URL      string
	Duration int // minutes, defaults to 60
	Title    string
	Genre    string
}

// GoLiveNow creates a slot directly in the live state for a DJ who wants
// the channel immediately. The channel must be free and no booking may
// start within the next five minutes.
func (s *Service) GoLiveNow(ctx context.Context, id auth.Identity, req GoLiveRequest) (*LiveAccess, error) {
	if !s.cfg.AllowGoLiveNow {
		return nil, apperr.Forbidden("going live without a booking is disabled")
	}

	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	duration := req.Duration
	if duration == 0 {
		duration = 60
	}
	if !models.ValidDuration(duration) {
		return nil, apperr.Invalid("duration must be one of %v minutes", models.AllowedDurations)
	}

	now := s.now()

	if occupant, err := s.currentOccupant(ctx); err != nil {
		return nil, err
	} else if occupant != nil {
		return nil, apperr.Conflict("%s is already streaming", occupant.DJName)
	}

	if next, err := s.nextUpcoming(ctx, now); err != nil {
		return nil, err
	} else if next != nil && next.StartTime.Before(now.Add(imminentGap)) {
		return nil, apperr.Conflict("%s's booking starts at %s, too soon to go live now",
			next.DJName, next.StartTime.UTC().Format(time.RFC3339))
	}

	slot := &models.Slot{
		ID:          uuid.NewString(),
		DJID:        id.UserID,
		DJName:      displayName(artist, id),
		StartTime:   now,
		EndTime:     now.Add(time.Duration(duration) * time.Minute),
		Duration:    duration,
		Status:      models.SlotLive,
		Title:       req.Title,
		Genre:       req.Genre,
		Description: req.Description,
		StartedAt:   &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	slot.StreamKey = s.keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)

	if err := s.claimSlot(ctx, slot); err != nil {
		return nil, err
	}

	telemetry.SlotsBookedTotal.WithLabelValues("go_live_now").Inc()
	s.events.Publish(events.EventStreamLive, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
	s.scheduleChanged(ctx, "stream-live", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "live",
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("impromptu stream started")
	return s.access(slot), nil
}

// GoLiveAfter queues a slot behind the current live stream. EndStream on
// the live slot promotes the queued one with a fresh start time.
func (s *Service) GoLiveAfter(ctx context.Context, id auth.Identity, req GoLiveRequest) (*LiveAccess, error) {
	if !s.cfg.AllowGoLiveAfter {
		return nil, apperr.Forbidden("queueing behind the live stream is disabled")
	}

	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	duration := req.Duration
	if duration == 0 {
		duration = 60
	}
	if !models.ValidDuration(duration) {
		return nil, apperr.Invalid("duration must be one of %v minutes", models.AllowedDurations)
	}

	now := s.now()

	live, err := s.currentOccupant(ctx)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, apperr.Invalid("no active stream to queue behind")
	}

	if next, err := s.nextUpcoming(ctx, now); err != nil {
		return nil, err
	} else if next != nil && next.StartTime.Before(live.EndTime.Add(imminentGap)) {
		return nil, apperr.Conflict("%s's booking starts right after the current stream",
			next.DJName)
	}

	// Provisional window; promotion rewrites it to the actual handover time.
	start := live.EndTime
	end := start.Add(time.Duration(duration) * time.Minute)

	if conflict, err := s.firstConflict(ctx, s.store, start, end, live.ID); err != nil {
		return nil, err
	} else if conflict != nil {
		return nil, apperr.Conflict("time slot overlaps a booking by %s", conflict.DJName)
	}

	slot := &models.Slot{
		ID:          uuid.NewString(),
		DJID:        id.UserID,
		DJName:      displayName(artist, id),
		StartTime:   start,
		EndTime:     end,
		Duration:    duration,
		Status:      models.SlotQueued,
		QueuedAfter: live.ID,
		Title:       req.Title,
		Genre:       req.Genre,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	slot.StreamKey = s.keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)

	if err := s.store.Set(ctx, models.CollectionSlots, slot.ID, slot); err != nil {
		return nil, fmt.Errorf("queueing slot: %w", err)
	}

	telemetry.SlotsBookedTotal.WithLabelValues("go_live_after").Inc()
	s.scheduleChanged(ctx, "slot-queued", slot)
	s.logger.Info().Str("slot_id", slot.ID).Str("after", live.ID).Msg("slot queued behind live stream")
	return s.access(slot), nil
}

// EarlyStart pulls the caller's next booking forward to now. The stream
// key is regenerated because its signature binds the slot window.
func (s *Service) EarlyStart(ctx context.Context, id auth.Identity) (*LiveAccess, error) {
	now := s.now()

	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "djId", Op: store.OpEq, Value: id.UserID},
			{Field: "status", Op: store.OpEq, Value: models.SlotScheduled},
			{Field: "startTime", Op: store.OpGt, Value: now},
			{Field: "startTime", Op: store.OpLte, Value: now.Add(2 * time.Hour)},
		},
		OrderBy: "startTime",
	})
	if err != nil {
		return nil, fmt.Errorf("querying upcoming slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, apperr.NotFound("no upcoming booking within the next 2 hours")
	}
	slot := slots[0]

	if occupant, err := s.currentOccupant(ctx); err != nil {
		return nil, err
	} else if occupant != nil {
		return nil, apperr.Conflict("%s is already streaming", occupant.DJName)
	}

	newEnd := now.Add(time.Duration(slot.Duration) * time.Minute)

	err = store.InTx(ctx, s.store, func(tx store.Store) error {
		if conflict, err := s.firstConflict(ctx, tx, now, newEnd, slot.ID); err != nil {
			return err
		} else if conflict != nil {
			return apperr.Conflict("starting early would overlap a booking by %s", conflict.DJName)
		}

		if slot.OriginalStartTime == nil {
			original := slot.StartTime
			slot.OriginalStartTime = &original
		}
		slot.StartTime = now
		slot.EndTime = newEnd
		slot.StreamKey = s.keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)
		slot.UpdatedAt = now
		return tx.Set(ctx, models.CollectionSlots, slot.ID, slot)
	})
	if err != nil {
		return nil, err
	}

	s.scheduleChanged(ctx, "slot-early-start", &slot)
	s.logger.Info().Str("slot_id", slot.ID).Time("was", *slot.OriginalStartTime).Msg("slot pulled forward")
	return s.access(&slot), nil
}

// StartRelay creates a live relay slot sourced from an approved URL.
// Relay slots hold the channel like any live slot but carry no stream
// key, since nothing publishes over RTMP.
func (s *Service) StartRelay(ctx context.Context, id auth.Identity, req RelayRequest) (*models.Slot, error) {
	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	source := artist.ApprovedRelay(req.URL)
	if source == nil {
		return nil, apperr.Forbidden("relay source is not approved for this artist")
	}

	duration := req.Duration
	if duration == 0 {
		duration = 60
	}
	if !models.ValidDuration(duration) {
		return nil, apperr.Invalid("duration must be one of %v minutes", models.AllowedDurations)
	}

	now := s.now()

	if occupant, err := s.currentOccupant(ctx); err != nil {
		return nil, err
	} else if occupant != nil {
		return nil, apperr.Conflict("%s is already streaming", occupant.DJName)
	}

	slot := &models.Slot{
		ID:          uuid.NewString(),
		DJID:        id.UserID,
		DJName:      displayName(artist, id),
		StartTime:   now,
		EndTime:     now.Add(time.Duration(duration) * time.Minute),
		Duration:    duration,
		Status:      models.SlotLive,
		Title:       req.Title,
		Genre:       req.Genre,
		IsRelay:     true,
		RelaySource: source,
		StartedAt:   &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.claimSlot(ctx, slot); err != nil {
		return nil, err
	}

	telemetry.SlotsBookedTotal.WithLabelValues("relay").Inc()
	s.events.Publish(events.EventStreamLive, events.Payload{"streamId": slot.ID, "djId": slot.DJID, "isRelay": true})
	s.scheduleChanged(ctx, "stream-live", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "live",
		"isRelay":  true,
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("relay_url", source.URL).Msg("relay stream started")
	return slot, nil
}

// nextUpcoming returns the earliest booking that has not started yet.
func (s *Service) nextUpcoming(ctx context.Context, now time.Time) (*models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{models.SlotScheduled, models.SlotInLobby}},
			{Field: "startTime", Op: store.OpGte, Value: now},
		},
		OrderBy: "startTime",
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("querying upcoming slots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	var slot models.Slot
	if err := snaps[0].Decode(&slot); err != nil {
		return nil, fmt.Errorf("decoding upcoming slot: %w", err)
	}
	return &slot, nil
}
