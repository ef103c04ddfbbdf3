/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler owns bookings on the shared broadcast channel: slot
// creation, quota enforcement, conflict detection, stream-key reveal,
// and the schedule view the storefront polls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
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
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Booking horizon: a start time may be at most this far out.
const bookingHorizon = 30 * 24 * time.Hour

// Minimum gap before an upcoming booking that still permits impromptu streams.
const imminentGap = 5 * time.Minute

var (
	// ErrSlotNotFound is returned when a slot id resolves to nothing.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrNotOwner is returned when the caller does not own the slot and is not an admin.
	ErrNotOwner = errors.New("caller does not own this slot")
)

// BookRequest describes a requested reservation.
type BookRequest struct {
	Start       time.Time
	Duration    int // minutes
	Title       string
	Genre       string
	Description string
}

// Service implements the booking operations over the document store.
// Mutations publish a schedule-update and drop the schedule cache so
// every node converges on the next read.
type Service struct {
	store  store.Store
	keys   *streamkey.Service
	bus    *pubsub.Broadcaster
	events *events.Bus
	cache  *cache.ScheduleCache
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the scheduler service.
func New(st store.Store, keys *streamkey.Service, bus *pubsub.Broadcaster, domain *events.Bus, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		keys:   keys,
		bus:    bus,
		events: domain,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}
}

// SetCache sets the schedule cache instance.
func (s *Service) SetCache(c *cache.ScheduleCache) {
	s.cache = c
}

// Book reserves a slot, enforcing duration, horizon, conflicts, and quotas.
// On success the slot is persisted with its stream key and the schedule
// update is broadcast.
func (s *Service) Book(ctx context.Context, id auth.Identity, req BookRequest) (*models.Slot, error) {
	now := s.now()

	if !models.ValidDuration(req.Duration) {
		return nil, apperr.Invalid("duration must be one of %v minutes", models.AllowedDurations)
	}
	if req.Start.Before(now) {
		return nil, apperr.Invalid("start time is in the past")
	}
	if req.Start.After(now.Add(bookingHorizon)) {
		return nil, apperr.Invalid("start time is more than 30 days out")
	}

	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	end := req.Start.Add(time.Duration(req.Duration) * time.Minute)

	if conflict, err := s.firstConflict(ctx, s.store, req.Start, end, ""); err != nil {
		return nil, err
	} else if conflict != nil {
		return nil, apperr.Conflict("time slot overlaps a booking by %s", conflict.DJName)
	}

	if err := s.checkDailyCap(ctx, id.UserID, req.Start, req.Duration); err != nil {
		return nil, err
	}
	if err := s.checkWeeklySlots(ctx, id.UserID, req.Start); err != nil {
		return nil, err
	}

	slot := &models.Slot{
		ID:          uuid.NewString(),
		DJID:        id.UserID,
		DJName:      displayName(artist, id),
		StartTime:   req.Start,
		EndTime:     end,
		Duration:    req.Duration,
		Status:      models.SlotScheduled,
		Title:       req.Title,
		Genre:       req.Genre,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	slot.StreamKey = s.keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)

	if err := s.claimSlot(ctx, slot); err != nil {
		return nil, err
	}

	telemetry.SlotsBookedTotal.WithLabelValues("book").Inc()
	s.scheduleChanged(ctx, "slot-booked", slot)
	s.logger.Info().
		Str("slot_id", slot.ID).
		Str("dj_id", slot.DJID).
		Time("start", slot.StartTime).
		Int("duration", slot.Duration).
		Msg("slot booked")
	return slot, nil
}

// claimSlot persists a new slot so that exactly one of two concurrent
// overlapping claims survives. Transactional backends check and write
// atomically; for plain stores the write is verified afterwards and the
// loser compensates by deleting itself.
func (s *Service) claimSlot(ctx context.Context, slot *models.Slot) error {
	err := store.InTx(ctx, s.store, func(tx store.Store) error {
		conflict, err := s.firstConflict(ctx, tx, slot.StartTime, slot.EndTime, slot.ID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return apperr.Conflict("time slot overlaps a booking by %s", conflict.DJName)
		}
		return tx.Set(ctx, models.CollectionSlots, slot.ID, slot)
	})
	if err != nil {
		return err
	}

	if _, transactional := s.store.(store.TxRunner); transactional {
		return nil
	}
	return s.verifyClaim(ctx, slot)
}

// verifyClaim re-reads the window after a non-transactional write. The
// earlier createdAt wins a race; ties break on id so both sides agree on
// the loser.
func (s *Service) verifyClaim(ctx context.Context, slot *models.Slot) error {
	conflict, err := s.firstConflict(ctx, s.store, slot.StartTime, slot.EndTime, slot.ID)
	if err != nil {
		s.compensateClaim(ctx, slot.ID)
		return apperr.Transport("verifying slot claim", err)
	}
	if conflict == nil {
		return nil
	}
	if slot.CreatedAt.Before(conflict.CreatedAt) ||
		(slot.CreatedAt.Equal(conflict.CreatedAt) && slot.ID < conflict.ID) {
		return nil
	}
	s.compensateClaim(ctx, slot.ID)
	return apperr.Conflict("time slot overlaps a booking by %s", conflict.DJName)
}

func (s *Service) compensateClaim(ctx context.Context, slotID string) {
	if err := s.store.Delete(ctx, models.CollectionSlots, slotID); err != nil {
		s.logger.Error().Err(err).Str("slot_id", slotID).Msg("could not compensate lost slot claim")
	}
}

// Cancel releases a booking. Terminal slots are left untouched so repeated
// cancels are no-ops; live slots must be ended, not cancelled.
func (s *Service) Cancel(ctx context.Context, id auth.Identity, slotID string) (*models.Slot, error) {
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(id, slot); err != nil {
		return nil, err
	}

	if slot.IsTerminal() {
		return slot, nil
	}
	if slot.Status == models.SlotLive || slot.Status == models.SlotConnecting {
		return nil, apperr.Conflict("stream is live, end it instead of cancelling")
	}

	now := s.now()
	fields := store.Fields{
		"status":      models.SlotCancelled,
		"cancelledAt": now,
		"updatedAt":   now,
	}
	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, fields); err != nil {
		return nil, fmt.Errorf("cancelling slot %s: %w", slot.ID, err)
	}
	slot.Status = models.SlotCancelled
	slot.CancelledAt = &now
	slot.UpdatedAt = now

	telemetry.SlotsCancelledTotal.Inc()
	s.scheduleChanged(ctx, "slot-cancelled", slot)
	s.logger.Info().Str("slot_id", slot.ID).Str("by", id.UserID).Msg("slot cancelled")
	return slot, nil
}

// EndStream completes a live slot, records streamed minutes against the
// owner's daily usage, and promotes the first queued follower if one waits.
func (s *Service) EndStream(ctx context.Context, id auth.Identity, slotID string) (*models.Slot, error) {
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(id, slot); err != nil {
		return nil, err
	}

	if slot.Status == models.SlotCompleted {
		return slot, nil
	}
	if slot.Status != models.SlotLive && slot.Status != models.SlotConnecting {
		return nil, apperr.Invalid("slot is not live")
	}

	now := s.now()
	fields := store.Fields{
		"status":    models.SlotCompleted,
		"endedAt":   now,
		"endReason": models.EndReasonManual,
		"updatedAt": now,
	}
	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, fields); err != nil {
		return nil, fmt.Errorf("ending slot %s: %w", slot.ID, err)
	}
	slot.Status = models.SlotCompleted
	slot.EndedAt = &now
	slot.EndReason = models.EndReasonManual
	slot.UpdatedAt = now

	s.recordUsage(ctx, slot, now)

	promoted, perr := s.promoteQueued(ctx, slot.ID, now)
	if perr != nil {
		s.logger.Error().Err(perr).Str("slot_id", slot.ID).Msg("queued promotion failed")
	}

	s.events.Publish(events.EventStreamEnded, events.Payload{
		"streamId": slot.ID,
		"djId":     slot.DJID,
		"endedAt":  now,
	})

	s.scheduleChanged(ctx, "stream-ended", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "ended",
		"endedAt":  now.UTC(),
	})
	if promoted != nil {
		s.events.Publish(events.EventStreamLive, events.Payload{
			"streamId": promoted.ID,
			"djId":     promoted.DJID,
		})
		s.scheduleChanged(ctx, "stream-live", promoted)
		s.bus.Publish(ctx, pubsub.StreamChannel(promoted.ID), pubsub.EventStreamStatus, map[string]any{
			"streamId": promoted.ID,
			"status":   "live",
		})
	}
	s.logger.Info().Str("slot_id", slot.ID).Str("by", id.UserID).Msg("stream ended")
	return slot, nil
}

// recordUsage adds the streamed minutes to the owner's daily counter.
// Usage is advisory input to the quota check, so failures only log.
func (s *Service) recordUsage(ctx context.Context, slot *models.Slot, now time.Time) {
	started := slot.StartTime
	if slot.StartedAt != nil {
		started = *slot.StartedAt
	}
	if !now.After(started) {
		return
	}
	minutes := int(math.Ceil(now.Sub(started).Seconds() / 60))

	day := now.In(s.cfg.DailyCapLocation()).Format("2006-01-02")
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
		return
	}
	s.logger.Debug().Str("dj_id", slot.DJID).Int("minutes", minutes).Msg("usage recorded")
}

// promoteQueued transitions the earliest queued slot waiting on endedID to
// live. The read and write run transactionally when the store allows, so
// two concurrent EndStream calls cannot both promote.
func (s *Service) promoteQueued(ctx context.Context, endedID string, now time.Time) (*models.Slot, error) {
	var promoted *models.Slot

	err := store.InTx(ctx, s.store, func(tx store.Store) error {
		snaps, err := tx.Query(ctx, models.CollectionSlots, store.Query{
			Filters: []store.Filter{
				{Field: "status", Op: store.OpEq, Value: models.SlotQueued},
				{Field: "queuedAfter", Op: store.OpEq, Value: endedID},
			},
			OrderBy: "createdAt",
		})
		if err != nil {
			return fmt.Errorf("querying queued slots: %w", err)
		}
		if len(snaps) == 0 {
			return nil
		}

		var next models.Slot
		if err := snaps[0].Decode(&next); err != nil {
			return fmt.Errorf("decoding queued slot: %w", err)
		}

		next.Status = models.SlotLive
		next.StartTime = now
		next.EndTime = now.Add(time.Duration(next.Duration) * time.Minute)
		next.StartedAt = &now
		next.UpdatedAt = now
		if err := tx.Set(ctx, models.CollectionSlots, next.ID, next); err != nil {
			return fmt.Errorf("promoting queued slot %s: %w", next.ID, err)
		}
		promoted = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		s.logger.Info().Str("slot_id", promoted.ID).Str("after", endedID).Msg("queued slot promoted")
	}
	return promoted, nil
}

// firstConflict returns the earliest slot occupying [start, end), or nil.
// Intervals are half-open, so a slot ending exactly at start does not
// conflict. exclude skips the candidate's own id on re-reads.
func (s *Service) firstConflict(ctx context.Context, st store.Store, start, end time.Time, exclude string) (*models.Slot, error) {
	snaps, err := st.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: models.ConflictStatuses},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying slots for conflicts: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}

	var first *models.Slot
	for i := range slots {
		slot := &slots[i]
		if slot.ID == exclude || !slot.Overlaps(start, end) {
			continue
		}
		if first == nil || slot.StartTime.Before(first.StartTime) {
			first = slot
		}
	}
	return first, nil
}

// currentOccupant returns the slot currently holding the channel
// (live or connecting), or nil.
func (s *Service) currentOccupant(ctx context.Context) (*models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{models.SlotLive, models.SlotConnecting}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying live slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, nil
	}
	// Live outranks connecting; beyond that the earlier start wins.
	sort.Slice(slots, func(i, j int) bool {
		if (slots[i].Status == models.SlotLive) != (slots[j].Status == models.SlotLive) {
			return slots[i].Status == models.SlotLive
		}
		return slots[i].StartTime.Before(slots[j].StartTime)
	})
	return &slots[0], nil
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

// requireBroadcaster loads the artist profile and rejects callers who may
// not hold the channel. A missing profile means never approved.
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

func (s *Service) requireOwner(id auth.Identity, slot *models.Slot) error {
	if id.Admin || slot.DJID == id.UserID {
		return nil
	}
	return apperr.Wrap(apperr.Forbidden("only the slot owner may do this"), ErrNotOwner)
}

// scheduleChanged invalidates cached schedule reads and broadcasts the
// update. The published slot never carries its stream key.
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

func displayName(artist *models.ArtistProfile, id auth.Identity) string {
	if artist != nil && artist.ArtistName != "" {
		return artist.ArtistName
	}
	return id.Name
}
