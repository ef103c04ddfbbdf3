/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Webhook event names posted by the media server.
const (
	WebhookPublish     = "publish"
	WebhookUnpublish   = "unpublish"
	WebhookViewerJoin  = "viewer_join"
	WebhookViewerLeave = "viewer_leave"
	WebhookRecordStart = "record_start"
	WebhookRecordStop  = "record_stop"
)

// WebhookEvent is the parsed body of a media-server callback. The HTTP
// layer verifies the body signature before this reaches the service.
type WebhookEvent struct {
	Event     string         `json:"event"`
	StreamKey string         `json:"streamKey"`
	Timestamp string         `json:"timestamp,omitempty"`
	ClientIP  string         `json:"clientIp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HandleWebhook reconciles slot state with what the ingest edge reports.
// Errors are for the caller's logs only: the webhook endpoint answers 200
// regardless, and a missed transition is repaired by the next sweep.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent, remoteAddr string) error {
	event := strings.ToLower(strings.TrimSpace(ev.Event))
	now := s.now()

	slot, err := s.slotByKey(ctx, ev.StreamKey)
	if err != nil {
		telemetry.IngestWebhooksTotal.WithLabelValues(event, "error").Inc()
		return err
	}
	if slot == nil {
		telemetry.IngestWebhooksTotal.WithLabelValues(event, "unknown_key").Inc()
		s.audit(ctx, event, nil, ev, remoteAddr, false, "no slot matches stream key")
		s.logger.Warn().Str("event", event).Str("key_suffix", keySuffix(ev.StreamKey)).Msg("webhook for unknown stream key")
		return nil
	}

	switch event {
	case WebhookPublish:
		err = s.reconcilePublish(ctx, slot, now)
	case WebhookUnpublish:
		err = s.reconcileUnpublish(ctx, slot, now)
	case WebhookViewerJoin:
		err = s.reconcileViewerJoin(ctx, slot, now)
	case WebhookViewerLeave:
		err = s.reconcileViewerLeave(ctx, slot, now)
	case WebhookRecordStart:
		s.logger.Info().Str("slot_id", slot.ID).Msg("recording started")
	case WebhookRecordStop:
		s.saveRecording(ctx, slot, ev, now)
	default:
		telemetry.IngestWebhooksTotal.WithLabelValues(event, "ignored").Inc()
		s.audit(ctx, event, slot, ev, remoteAddr, false, "unknown event")
		return nil
	}

	if err != nil {
		telemetry.IngestWebhooksTotal.WithLabelValues(event, "error").Inc()
		s.audit(ctx, event, slot, ev, remoteAddr, false, err.Error())
		return err
	}

	telemetry.IngestWebhooksTotal.WithLabelValues(event, "ok").Inc()
	s.audit(ctx, event, slot, ev, remoteAddr, true, "")
	return nil
}

// reconcilePublish moves the slot to live when the encoder connects.
// Repeated publishes (encoder reconnects) are idempotent.
func (s *Service) reconcilePublish(ctx context.Context, slot *models.Slot, now time.Time) error {
	if slot.IsTerminal() {
		return fmt.Errorf("slot %s is %s, publish ignored", slot.ID, slot.Status)
	}
	if slot.Status == models.SlotLive {
		s.projectLive(ctx, slot, now)
		return nil
	}

	startedAt := now
	if slot.StartedAt != nil {
		startedAt = *slot.StartedAt
	}
	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"status":    models.SlotLive,
		"startedAt": startedAt,
		"updatedAt": now,
	}); err != nil {
		return fmt.Errorf("marking slot %s live: %w", slot.ID, err)
	}
	slot.Status = models.SlotLive
	slot.StartedAt = &startedAt
	slot.UpdatedAt = now

	s.projectLive(ctx, slot, now)
	s.events.Publish(events.EventIngestPublish, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
	s.events.Publish(events.EventStreamLive, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
	s.scheduleChanged(ctx, "stream-live", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId": slot.ID,
		"status":   "live",
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("dj_id", slot.DJID).Msg("ingest publish, stream live")
	return nil
}

// reconcileUnpublish closes the slot when the encoder drops. Before the
// scheduled end it is a failure; at or after, a normal completion.
func (s *Service) reconcileUnpublish(ctx context.Context, slot *models.Slot, now time.Time) error {
	switch slot.Status {
	case models.SlotLive, models.SlotConnecting:
	default:
		// Sweeper or EndStream got there first.
		s.projectOffline(ctx, slot.ID, now)
		return nil
	}

	status := models.SlotCompleted
	reason := models.EndReasonScheduledEnd
	if now.Before(slot.EndTime) {
		status = models.SlotFailed
		reason = models.EndReasonDisconnected
	}

	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"status":    status,
		"endedAt":   now,
		"endReason": reason,
		"updatedAt": now,
	}); err != nil {
		return fmt.Errorf("ending slot %s on unpublish: %w", slot.ID, err)
	}
	slot.Status = status
	slot.EndedAt = &now
	slot.EndReason = reason

	s.recordUsage(ctx, slot, now)
	s.projectOffline(ctx, slot.ID, now)

	s.events.Publish(events.EventIngestUnpublish, events.Payload{"streamId": slot.ID, "djId": slot.DJID})
	if status == models.SlotFailed {
		s.events.Publish(events.EventStreamFailed, events.Payload{"streamId": slot.ID, "djId": slot.DJID, "endedAt": now})
	} else {
		s.events.Publish(events.EventStreamEnded, events.Payload{"streamId": slot.ID, "djId": slot.DJID, "endedAt": now})
	}
	s.scheduleChanged(ctx, "stream-ended", slot)
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventStreamStatus, map[string]any{
		"streamId":  slot.ID,
		"status":    "ended",
		"endReason": reason,
		"endedAt":   now.UTC(),
	})
	s.logger.Info().
		Str("slot_id", slot.ID).
		Str("end_reason", reason).
		Msg("ingest unpublish, stream ended")
	return nil
}

// reconcileViewerJoin bumps the edge-reported viewer counters. These are
// projections; drift against the reactions service is acceptable.
func (s *Service) reconcileViewerJoin(ctx context.Context, slot *models.Slot, now time.Time) error {
	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "currentViewers", 1); err != nil {
		return fmt.Errorf("incrementing viewers on %s: %w", slot.ID, err)
	}
	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "totalViews", 1); err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("could not bump total views")
	}

	var fresh models.Slot
	if err := s.store.Get(ctx, models.CollectionSlots, slot.ID, &fresh); err != nil {
		return fmt.Errorf("re-reading slot %s: %w", slot.ID, err)
	}
	if fresh.CurrentViewers > fresh.ViewerPeak {
		if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
			"viewerPeak": fresh.CurrentViewers,
		}); err != nil {
			s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("could not raise viewer peak")
		} else {
			fresh.ViewerPeak = fresh.CurrentViewers
		}
	}

	s.publishViewerUpdate(ctx, &fresh, now)
	return nil
}

// reconcileViewerLeave decrements the viewer counter with a floor of zero.
func (s *Service) reconcileViewerLeave(ctx context.Context, slot *models.Slot, now time.Time) error {
	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "currentViewers", -1); err != nil {
		return fmt.Errorf("decrementing viewers on %s: %w", slot.ID, err)
	}

	var fresh models.Slot
	if err := s.store.Get(ctx, models.CollectionSlots, slot.ID, &fresh); err != nil {
		return fmt.Errorf("re-reading slot %s: %w", slot.ID, err)
	}
	if fresh.CurrentViewers < 0 {
		if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
			"currentViewers": 0,
		}); err != nil {
			s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("could not floor viewer count")
		}
		fresh.CurrentViewers = 0
	}

	s.publishViewerUpdate(ctx, &fresh, now)
	return nil
}

func (s *Service) publishViewerUpdate(ctx context.Context, slot *models.Slot, now time.Time) {
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventViewerUpdate, map[string]any{
		"currentViewers": slot.CurrentViewers,
		"peakViewers":    slot.ViewerPeak,
		"timestamp":      now.UTC(),
	})
}

// saveRecording hands a record_stop to the archive sink. Without a sink
// the event still lands in the audit trail.
func (s *Service) saveRecording(ctx context.Context, slot *models.Slot, ev WebhookEvent, now time.Time) {
	if s.recordings == nil {
		s.logger.Debug().Str("slot_id", slot.ID).Msg("recording stopped, no archive configured")
		return
	}
	artifact, err := s.recordings.SaveRecording(ctx, slot, ev.Metadata, now)
	if err != nil {
		s.logger.Error().Err(err).Str("slot_id", slot.ID).Msg("could not save recording artifact")
		return
	}
	s.events.Publish(events.EventRecordingSaved, events.Payload{
		"streamId":    slot.ID,
		"recordingId": artifact.ID,
		"objectKey":   artifact.ObjectKey,
	})
	s.logger.Info().Str("slot_id", slot.ID).Str("object_key", artifact.ObjectKey).Msg("recording archived")
}

// slotByKey resolves a stream key to its slot the way validation does:
// exact key match, newest non-cancelled candidate wins.
func (s *Service) slotByKey(ctx context.Context, key string) (*models.Slot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{{Field: "streamKey", Op: store.OpEq, Value: key}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying slots by stream key: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, nil
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].CreatedAt.After(slots[j].CreatedAt)
	})
	for i := range slots {
		if slots[i].Status != models.SlotCancelled {
			return &slots[i], nil
		}
	}
	return &slots[0], nil
}

// audit appends an ingest-events row. Best-effort: the audit trail never
// gates the webhook path.
func (s *Service) audit(ctx context.Context, action string, slot *models.Slot, ev WebhookEvent, remoteAddr string, allowed bool, reason string) {
	entry := models.IngestEvent{
		ID:         uuid.NewString(),
		Action:     action,
		KeySuffix:  keySuffix(ev.StreamKey),
		RemoteAddr: remoteAddr,
		Allowed:    allowed,
		Reason:     reason,
		ReceivedAt: s.now(),
	}
	if ev.ClientIP != "" {
		entry.RemoteAddr = ev.ClientIP
	}
	if slot != nil {
		entry.SlotID = slot.ID
		entry.DJID = slot.DJID
	}
	if err := s.store.Set(ctx, models.CollectionIngestEvents, entry.ID, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("could not write ingest audit row")
	}
}

// AuditIngest records a validation outcome from the ingest auth endpoint.
func (s *Service) AuditIngest(ctx context.Context, entry models.IngestEvent) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = s.now()
	}
	if err := s.store.Set(ctx, models.CollectionIngestEvents, entry.ID, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", entry.Action).Msg("could not write ingest audit row")
	}
}

// ListIngestEvents returns recent audit rows, newest first, optionally
// narrowed to one stream.
func (s *Service) ListIngestEvents(ctx context.Context, streamID string, limit int) ([]models.IngestEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	filters := []store.Filter{}
	if streamID != "" {
		filters = append(filters, store.Filter{Field: "slotId", Op: store.OpEq, Value: streamID})
	}
	snaps, err := s.store.Query(ctx, models.CollectionIngestEvents, store.Query{
		Filters: filters,
		OrderBy: "receivedAt",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying ingest events: %w", err)
	}
	return store.DecodeAll[models.IngestEvent](snaps)
}

func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
