/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/streamkey"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// ErrKeyNotAvailable is returned when the reveal window has not opened.
var ErrKeyNotAvailable = errors.New("stream key is not available yet")

// KeyNotAvailableError reports when the reveal window opens.
type KeyNotAvailableError struct {
	AvailableAt time.Time
}

func (e *KeyNotAvailableError) Error() string {
	return fmt.Sprintf("stream key available at %s", e.AvailableAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrKeyNotAvailable) match regardless of the time.
func (e *KeyNotAvailableError) Is(target error) bool {
	return target == ErrKeyNotAvailable
}

// LiveAccess bundles what an encoder needs to start publishing.
type LiveAccess struct {
	Slot      *models.Slot
	StreamKey string
	RTMPURL   string
	HLS       streamkey.PlaybackURLs
}

func (s *Service) access(slot *models.Slot) *LiveAccess {
	return &LiveAccess{
		Slot:      slot,
		StreamKey: slot.StreamKey,
		RTMPURL:   s.keys.RTMPURL(slot.StreamKey),
		HLS:       s.keys.HLSURLs(slot.StreamKey),
	}
}

// GetStreamKey reveals the key for a slot to its owner within the
// user-facing reveal window. Outside the window the caller learns when
// the window opens, or that the key died with the slot.
func (s *Service) GetStreamKey(ctx context.Context, id auth.Identity, slotID string) (*LiveAccess, error) {
	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(id, slot); err != nil {
		return nil, err
	}
	if slot.IsTerminal() {
		return nil, apperr.Forbidden("slot is no longer active")
	}
	if slot.IsRelay {
		return nil, apperr.Invalid("relay slots do not use stream keys")
	}

	now := s.now()
	windowStart := slot.StartTime.Add(-s.cfg.Reveal(false))
	windowEnd := slot.EndTime.Add(s.cfg.Grace(false))

	if now.Before(windowStart) {
		return nil, &KeyNotAvailableError{AvailableAt: windowStart}
	}
	if now.After(windowEnd) {
		return nil, apperr.Forbidden("stream key expired")
	}

	return s.access(slot), nil
}

// GenerateKey mints an ephemeral key for a spontaneous session, valid
// until the top of the next hour. It refuses while a different DJ holds
// the channel and hands back the existing access when the caller already
// does.
func (s *Service) GenerateKey(ctx context.Context, id auth.Identity) (*LiveAccess, error) {
	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	occupant, err := s.currentOccupant(ctx)
	if err != nil {
		return nil, err
	}
	if occupant != nil {
		if occupant.DJID != id.UserID {
			return nil, apperr.Conflict("%s is already streaming", occupant.DJName)
		}
		if occupant.StreamKey != "" {
			return s.access(occupant), nil
		}
	}

	now := s.now()
	end := now.Truncate(time.Hour).Add(time.Hour)

	slot := &models.Slot{
		ID:        uuid.NewString(),
		DJID:      id.UserID,
		DJName:    displayName(artist, id),
		StartTime: now,
		EndTime:   end,
		Duration:  int(end.Sub(now).Minutes()),
		Status:    models.SlotScheduled,
		Title:     "Open session",
		CreatedAt: now,
		UpdatedAt: now,
	}
	slot.StreamKey = s.keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)

	if err := s.store.Set(ctx, models.CollectionSlots, slot.ID, slot); err != nil {
		return nil, fmt.Errorf("persisting ephemeral slot: %w", err)
	}

	telemetry.SlotsBookedTotal.WithLabelValues("ephemeral").Inc()
	s.scheduleChanged(ctx, "key-generated", slot)
	s.logger.Info().Str("slot_id", slot.ID).Time("valid_until", end).Msg("ephemeral stream key generated")
	return s.access(slot), nil
}
