/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"fmt"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
)

// RequestTakeover signals the live slot's owner that another approved
// broadcaster wants the channel. Nothing is persisted: the request is an
// ephemeral notification, and nothing changes hands until ApproveTakeover.
func (s *Service) RequestTakeover(ctx context.Context, id auth.Identity, slotID string) error {
	if !s.cfg.AllowTakeover {
		return apperr.Forbidden("takeovers are disabled")
	}

	artist, err := s.requireBroadcaster(ctx, id.UserID)
	if err != nil {
		return err
	}

	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.Status != models.SlotLive {
		return apperr.Conflict("slot is %s, only live slots can be taken over", slot.Status)
	}
	if slot.DJID == id.UserID {
		return apperr.Invalid("you already own this stream")
	}

	name := artist.ArtistName
	if name == "" {
		name = id.Name
	}
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId":  slot.ID,
		"status":    "takeover-requested",
		"fromDjId":  id.UserID,
		"fromName":  name,
		"timestamp": s.now().UTC(),
	})
	s.logger.Info().
		Str("slot_id", slot.ID).
		Str("requested_by", id.UserID).
		Msg("takeover requested")
	return nil
}

// ApproveTakeover transfers a live slot to another broadcaster. Only the
// current owner or an admin may approve. The departing owner is appended
// to takeoverHistory and the stream key is reissued for the new owner, so
// the old credential stops validating immediately.
func (s *Service) ApproveTakeover(ctx context.Context, id auth.Identity, slotID, toDJID string) (*models.Slot, error) {
	if !s.cfg.AllowTakeover {
		return nil, apperr.Forbidden("takeovers are disabled")
	}
	if toDJID == "" {
		return nil, apperr.Invalid("toDjId is required")
	}

	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(id, slot); err != nil {
		return nil, err
	}
	if slot.Status != models.SlotLive {
		return nil, apperr.Conflict("slot is %s, only live slots can be taken over", slot.Status)
	}
	if slot.DJID == toDJID {
		return nil, apperr.Invalid("slot already belongs to %s", toDJID)
	}

	incoming, err := s.requireBroadcaster(ctx, toDJID)
	if err != nil {
		return nil, err
	}
	incomingName := incoming.ArtistName
	if incomingName == "" {
		incomingName = toDJID
	}

	now := s.now()
	entry := models.TakeoverEntry{
		FromDJID:   slot.DJID,
		FromDJName: slot.DJName,
		ToDJID:     toDJID,
		ToDJName:   incomingName,
		At:         now,
	}
	history := append(append([]models.TakeoverEntry{}, slot.TakeoverHistory...), entry)

	newKey := ""
	if !slot.IsRelay {
		newKey = s.keys.Generate(toDJID, slot.ID, slot.StartTime, slot.EndTime)
	}

	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"djId":            toDJID,
		"djName":          incomingName,
		"streamKey":       newKey,
		"takeoverHistory": history,
		"updatedAt":       now,
	}); err != nil {
		return nil, fmt.Errorf("transferring slot %s: %w", slot.ID, err)
	}
	slot.DJID = toDJID
	slot.DJName = incomingName
	slot.StreamKey = newKey
	slot.TakeoverHistory = history
	slot.UpdatedAt = now

	s.projectLive(ctx, slot, now)
	s.events.Publish(events.EventTakeover, events.Payload{
		"streamId": slot.ID,
		"fromDjId": entry.FromDJID,
		"toDjId":   entry.ToDJID,
	})
	s.scheduleChanged(ctx, "stream-takeover", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "takeover",
		"djId":     toDJID,
		"djName":   incomingName,
	})
	s.logger.Info().
		Str("slot_id", slot.ID).
		Str("from", entry.FromDJID).
		Str("to", entry.ToDJID).
		Str("approved_by", id.UserID).
		Msg("stream takeover approved")
	return slot, nil
}
