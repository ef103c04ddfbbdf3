/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"fmt"
	"time"

	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Run drives the auto-switchover sweep until ctx is cancelled. Each tick
// runs under a deadline equal to the sweep interval, so an overrunning
// sweep skips ticks instead of stacking them. With leader election on,
// only the lease holder sweeps.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("state sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("state sweeper stopped")
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader() {
				continue
			}
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			s.tick(tickCtx)
			cancel()
		}
	}
}

// SweepOnce runs a single sweep pass regardless of the leader gate. Ops
// tooling uses it to drain overdue transitions without starting a server.
func (s *Service) SweepOnce(ctx context.Context) {
	s.tick(ctx)
}

// tick applies the switchover rules in order: end overdue live slots and
// hand the channel to a waiting lobby, promote a due lobby when nothing is
// live, then expire scheduled slots whose window passed unclaimed. Failed
// writes are logged and retried naturally on the next tick.
func (s *Service) tick(ctx context.Context) {
	ctx, span := telemetry.StartSpan(ctx, "livestate", "sweep")
	defer span.End()

	telemetry.SweeperTicksTotal.Inc()
	now := s.now()

	changed := false

	ended, err := s.completeOverdueLive(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.SweeperErrorsTotal.Inc()
		s.logger.Error().Err(err).Msg("sweep: completing overdue live slots failed")
	}
	changed = changed || ended

	promoted, err := s.promoteDueLobby(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.SweeperErrorsTotal.Inc()
		s.logger.Error().Err(err).Msg("sweep: promoting lobby slots failed")
	}
	changed = changed || promoted

	missed, err := s.expireScheduled(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.SweeperErrorsTotal.Inc()
		s.logger.Error().Err(err).Msg("sweep: expiring scheduled slots failed")
	}
	changed = changed || missed

	telemetry.AddSpanAttributes(span, map[string]any{
		"changed": changed,
	})

	if changed {
		s.scheduleChanged(ctx, "sweep", nil)
	}

	s.refreshActiveGauge(ctx)
}

// completeOverdueLive ends every live slot whose window elapsed and hands
// the channel to the first lobby slot, if one waits.
func (s *Service) completeOverdueLive(ctx context.Context, now time.Time) (bool, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpEq, Value: models.SlotLive},
			{Field: "endTime", Op: store.OpLte, Value: now},
		},
		OrderBy: "endTime",
	})
	if err != nil {
		return false, fmt.Errorf("querying overdue live slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return false, fmt.Errorf("decoding overdue live slots: %w", err)
	}

	changed := false
	for i := range slots {
		slot := &slots[i]
		if err := s.completeSlot(ctx, slot, now); err != nil {
			telemetry.SweeperErrorsTotal.Inc()
			s.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("sweep: could not complete slot")
			continue
		}
		changed = true

		next, err := s.firstLobby(ctx, time.Time{})
		if err != nil {
			telemetry.SweeperErrorsTotal.Inc()
			s.logger.Error().Err(err).Msg("sweep: could not find lobby successor")
			continue
		}
		if next == nil {
			continue
		}
		if err := s.promoteToLive(ctx, next, now); err != nil {
			telemetry.SweeperErrorsTotal.Inc()
			s.logger.Error().Err(err).Str("slot_id", next.ID).Msg("sweep: could not promote successor")
		} else {
			changed = true
		}
	}
	return changed, nil
}

// promoteDueLobby puts the first due lobby slot on air when nothing is live.
func (s *Service) promoteDueLobby(ctx context.Context, now time.Time) (bool, error) {
	liveSnaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{{Field: "status", Op: store.OpEq, Value: models.SlotLive}},
		Limit:   1,
	})
	if err != nil {
		return false, fmt.Errorf("querying live slots: %w", err)
	}
	if len(liveSnaps) > 0 {
		return false, nil
	}

	next, err := s.firstLobby(ctx, now)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	if err := s.promoteToLive(ctx, next, now); err != nil {
		return false, err
	}
	return true, nil
}

// firstLobby returns the lobby slot with the earliest start time. A
// non-zero dueBy additionally requires startTime ≤ dueBy.
func (s *Service) firstLobby(ctx context.Context, dueBy time.Time) (*models.Slot, error) {
	filters := []store.Filter{
		{Field: "status", Op: store.OpEq, Value: models.SlotInLobby},
	}
	if !dueBy.IsZero() {
		filters = append(filters, store.Filter{Field: "startTime", Op: store.OpLte, Value: dueBy})
	}
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: filters,
		OrderBy: "startTime",
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("querying lobby slots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	var slot models.Slot
	if err := snaps[0].Decode(&slot); err != nil {
		return nil, fmt.Errorf("decoding lobby slot: %w", err)
	}
	return &slot, nil
}

// expireScheduled marks scheduled slots whose whole window passed as missed.
func (s *Service) expireScheduled(ctx context.Context, now time.Time) (bool, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpEq, Value: models.SlotScheduled},
			{Field: "endTime", Op: store.OpLt, Value: now},
		},
	})
	if err != nil {
		return false, fmt.Errorf("querying expired scheduled slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return false, fmt.Errorf("decoding expired scheduled slots: %w", err)
	}

	changed := false
	for i := range slots {
		slot := &slots[i]
		if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
			"status":    models.SlotMissed,
			"updatedAt": now,
		}); err != nil {
			telemetry.SweeperErrorsTotal.Inc()
			s.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("sweep: could not mark slot missed")
			continue
		}
		changed = true
		telemetry.SweeperTransitionsTotal.WithLabelValues("scheduled_missed").Inc()
		s.events.Publish(events.EventStreamMissed, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
		s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("slot missed, dj never joined")
	}
	return changed, nil
}

// completeSlot closes a live slot at its scheduled end. The status write
// is the transition; everything after is projection.
func (s *Service) completeSlot(ctx context.Context, slot *models.Slot, now time.Time) error {
	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"status":    models.SlotCompleted,
		"endedAt":   now,
		"endReason": models.EndReasonScheduledEnd,
		"updatedAt": now,
	}); err != nil {
		return fmt.Errorf("completing slot %s: %w", slot.ID, err)
	}
	slot.Status = models.SlotCompleted
	slot.EndedAt = &now
	slot.EndReason = models.EndReasonScheduledEnd

	telemetry.SweeperTransitionsTotal.WithLabelValues("live_completed").Inc()

	s.recordUsage(ctx, slot, now)
	s.projectOffline(ctx, slot.ID, now)
	s.events.Publish(events.EventStreamEnded, events.Payload{
		"streamId": slot.ID,
		"djId":     slot.DJID,
		"endedAt":  now,
	})
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "ended",
		"endedAt":  now.UTC(),
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("live slot completed at scheduled end")
	return nil
}

// promoteToLive puts a lobby slot on air.
func (s *Service) promoteToLive(ctx context.Context, slot *models.Slot, now time.Time) error {
	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"status":    models.SlotLive,
		"startedAt": now,
		"updatedAt": now,
	}); err != nil {
		return fmt.Errorf("promoting slot %s: %w", slot.ID, err)
	}
	slot.Status = models.SlotLive
	slot.StartedAt = &now

	telemetry.SweeperTransitionsTotal.WithLabelValues("lobby_promoted").Inc()

	s.projectLive(ctx, slot, now)
	s.events.Publish(events.EventStreamLive, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "live",
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("lobby slot promoted to live")
	return nil
}

// refreshActiveGauge reconciles the active-sessions gauge with the store.
func (s *Service) refreshActiveGauge(ctx context.Context) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{
				models.SlotInLobby, models.SlotConnecting, models.SlotLive,
			}},
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not refresh active sessions gauge")
		return
	}
	telemetry.LiveSessionsActive.Set(float64(len(snaps)))
}
