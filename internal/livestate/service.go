/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package livestate owns slot status transitions once a booking exists:
// the lobby handshake, ingest webhook reconciliation, the periodic
// auto-switchover sweep, and the public current-live projection. Every
// transition is a single store write and fatal on error; the projections
// hanging off it (denormalized livestreams record, cache invalidation,
// fan-out) are best-effort and never fail a transition.
package livestate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/cache"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/streamkey"
)

// ErrSlotNotFound is returned when a slot id resolves to nothing.
var ErrSlotNotFound = errors.New("slot not found")

// RecordingSink archives capture artifacts reported by the media server.
// Implemented by the recordings service; nil when no bucket is configured.
type RecordingSink interface {
	SaveRecording(ctx context.Context, slot *models.Slot, meta map[string]any, receivedAt time.Time) (*models.RecordingArtifact, error)
}

// Service drives the slot state machine.
type Service struct {
	store      store.Store
	keys       *streamkey.Service
	bus        *pubsub.Broadcaster
	events     *events.Bus
	cache      *cache.ScheduleCache
	recordings RecordingSink
	cfg        *config.Config
	logger     zerolog.Logger
	now        func() time.Time
	leader     func() bool
}

// New constructs the state machine service.
func New(st store.Store, keys *streamkey.Service, bus *pubsub.Broadcaster, domain *events.Bus, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		keys:   keys,
		bus:    bus,
		events: domain,
		cfg:    cfg,
		logger: logger.With().Str("component", "livestate").Logger(),
		now:    time.Now,
	}
}

// SetCache sets the schedule cache invalidated on transitions.
func (s *Service) SetCache(c *cache.ScheduleCache) {
	s.cache = c
}

// SetRecordings sets the archive sink for record_stop webhooks.
func (s *Service) SetRecordings(sink RecordingSink) {
	s.recordings = sink
}

// SetLeaderGate restricts sweeping to the elected leader. The gate is
// consulted each tick; nil means always sweep.
func (s *Service) SetLeaderGate(gate func() bool) {
	s.leader = gate
}

// MarkReady is the DJ's lobby handshake: the slot owner signals presence
// inside the reveal window and the slot moves scheduled → in_lobby, making
// it eligible for auto-switchover.
func (s *Service) MarkReady(ctx context.Context, id auth.Identity, slotID string) (*models.Slot, error) {
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(id, slot); err != nil {
		return nil, err
	}

	if slot.Status == models.SlotInLobby {
		return slot, nil
	}
	if slot.Status != models.SlotScheduled {
		return nil, apperr.Conflict("slot is %s, only scheduled slots enter the lobby", slot.Status)
	}

	now := s.now()
	lobbyOpens := slot.StartTime.Add(-s.cfg.Reveal(false))
	if now.Before(lobbyOpens) {
		mins := int(math.Ceil(lobbyOpens.Sub(now).Minutes()))
		return nil, apperr.Invalid("lobby opens %d minutes before your slot", mins)
	}
	if now.After(slot.EndTime) {
		return nil, apperr.Conflict("slot window has already ended")
	}

	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"status":    models.SlotInLobby,
		"updatedAt": now,
	}); err != nil {
		return nil, fmt.Errorf("marking slot %s ready: %w", slot.ID, err)
	}
	slot.Status = models.SlotInLobby
	slot.UpdatedAt = now

	s.scheduleChanged(ctx, "slot-ready", slot)
	s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("dj entered lobby")
	return slot, nil
}

func (s *Service) loadSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	if slotID == "" {
		return nil, apperr.Invalid("slotId is required")
	}
	var slot models.Slot
	err := s.store.Get(ctx, models.CollectionSlots, slotID, &slot)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.NotFound("slot %s not found", slotID), ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading slot %s: %w", slotID, err)
	}
	return &slot, nil
}

func (s *Service) requireOwner(id auth.Identity, slot *models.Slot) error {
	if id.Admin || slot.DJID == id.UserID {
		return nil
	}
	return apperr.Forbidden("only the slot owner may do this")
}

// requireBroadcaster loads the artist profile and rejects callers who may
// not hold the channel.
func (s *Service) requireBroadcaster(ctx context.Context, djID string) (*models.ArtistProfile, error) {
	var artist models.ArtistProfile
	err := s.store.Get(ctx, models.CollectionArtists, djID, &artist)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Forbidden("artist profile is not approved for broadcasting")
	}
	if err != nil {
		return nil, fmt.Errorf("loading artist profile: %w", err)
	}
	if !artist.CanBroadcast() {
		return nil, apperr.Forbidden("artist profile is not approved for broadcasting")
	}
	return &artist, nil
}

// scheduleChanged invalidates cached schedule reads and broadcasts the
// update. Published slots never carry their stream key.
func (s *Service) scheduleChanged(ctx context.Context, action string, slot *models.Slot) {
	if s.cache != nil {
		s.cache.InvalidateAll()
	}
	payload := map[string]any{
		"action":    action,
		"timestamp": s.now().UTC(),
	}
	if slot != nil {
		payload["slot"] = slot.Public()
	}
	s.bus.Publish(ctx, pubsub.ChannelSchedule, pubsub.EventScheduleUpdate, payload)
}

// projectLive upserts the denormalized livestreams record backing the
// public status feed. Best-effort: the slot document stays authoritative.
func (s *Service) projectLive(ctx context.Context, slot *models.Slot, now time.Time) {
	startedAt := now
	if slot.StartedAt != nil {
		startedAt = *slot.StartedAt
	}
	rec := models.LiveStreamRecord{
		ID:             slot.ID,
		SlotID:         slot.ID,
		DJID:           slot.DJID,
		DJName:         slot.DJName,
		Title:          slot.Title,
		Genre:          slot.Genre,
		Status:         "live",
		IsRelay:        slot.IsRelay,
		StartedAt:      startedAt,
		CurrentViewers: slot.CurrentViewers,
		ViewerPeak:     slot.ViewerPeak,
		TotalLikes:     slot.TotalLikes,
		UpdatedAt:      now,
	}
	if slot.IsRelay && slot.RelaySource != nil {
		rec.PlaybackURL = slot.RelaySource.URL
	} else if slot.StreamKey != "" {
		rec.PlaybackURL = s.keys.HLSURLs(slot.StreamKey).Index
	}
	if err := s.store.Set(ctx, models.CollectionLiveStreams, slot.ID, rec); err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("could not project live record")
	}
}

// projectOffline marks the denormalized record ended. Missing records are
// fine: the projection may never have been written.
func (s *Service) projectOffline(ctx context.Context, slotID string, now time.Time) {
	err := s.store.Update(ctx, models.CollectionLiveStreams, slotID, store.Fields{
		"status":    "ended",
		"endedAt":   now,
		"updatedAt": now,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("slot_id", slotID).Msg("could not project offline record")
	}
}

// recordUsage adds the streamed minutes to the owner's daily counter.
// Usage is advisory input to the quota check, so failures only log.
func (s *Service) recordUsage(ctx context.Context, slot *models.Slot, endedAt time.Time) {
	started := slot.StartTime
	if slot.StartedAt != nil {
		started = *slot.StartedAt
	}
	if !endedAt.After(started) {
		return
	}
	minutes := int(math.Ceil(endedAt.Sub(started).Seconds() / 60))

	day := endedAt.In(s.cfg.DailyCapLocation()).Format("2006-01-02")
	var usage models.UserUsage
	err := s.store.Get(ctx, models.CollectionUserUsage, slot.DJID, &usage)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Str("dj_id", slot.DJID).Msg("could not read usage")
		return
	}

	usage.StreamMinutesToday = usage.MinutesOn(day) + minutes
	usage.DayDate = day
	if err := s.store.Set(ctx, models.CollectionUserUsage, slot.DJID, usage); err != nil {
		s.logger.Error().Err(err).Str("dj_id", slot.DJID).Msg("could not record usage")
	}
}
