/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// KeyCountdown answers "when does my key appear?" for a DJ's next slot.
type KeyCountdown struct {
	KeyAvailable bool         `json:"keyAvailable"`
	TimeUntilKey int          `json:"timeUntilKey"` // seconds; 0 once available
	Slot         *models.Slot `json:"slot,omitempty"`
}

// LiveNow is the current-live projection with the end-of-session countdown.
type LiveNow struct {
	Live          *models.Slot `json:"live,omitempty"`
	TimeRemaining int          `json:"timeRemaining"` // seconds
	ShowCountdown bool         `json:"showCountdown"`
}

// GoLiveAfterCheck reports whether a queue-behind-live slot may be created.
type GoLiveAfterCheck struct {
	Available bool         `json:"available"`
	Live      *models.Slot `json:"live,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// StatusView is the public status feed. Stream keys never appear here.
type StatusView struct {
	IsLive        bool                      `json:"isLive"`
	Streams       []models.LiveStreamRecord `json:"streams"`
	PrimaryStream *models.LiveStreamRecord  `json:"primaryStream,omitempty"`
	Scheduled     []models.Slot             `json:"scheduled,omitempty"`
}

// Gap required between a live slot's end and the next booking for
// go-live-after to be offered.
const goLiveAfterGap = 5 * time.Minute

// CheckStreamKey reports key-reveal status for the DJ's next active slot,
// using the user-facing reveal and grace windows.
func (s *Service) CheckStreamKey(ctx context.Context, djID string) (*KeyCountdown, error) {
	now := s.now()

	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "djId", Op: store.OpEq, Value: djID},
			{Field: "status", Op: store.OpIn, Value: models.KeyValidStatuses},
		},
		OrderBy: "startTime",
	})
	if err != nil {
		return nil, fmt.Errorf("querying slots for %s: %w", djID, err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}

	// The next relevant slot is the earliest one whose window, including
	// grace, has not fully passed.
	var next *models.Slot
	for i := range slots {
		if now.Before(slots[i].EndTime.Add(s.cfg.Grace(false))) {
			next = &slots[i]
			break
		}
	}
	if next == nil {
		return &KeyCountdown{}, nil
	}

	pub := next.Public()
	windowStart := next.StartTime.Add(-s.cfg.Reveal(false))
	if now.Before(windowStart) {
		return &KeyCountdown{
			KeyAvailable: false,
			TimeUntilKey: int(windowStart.Sub(now).Seconds()),
			Slot:         &pub,
		}, nil
	}
	return &KeyCountdown{KeyAvailable: true, Slot: &pub}, nil
}

// CurrentLive returns the live slot with the remaining seconds and the
// end-of-session countdown flag.
func (s *Service) CurrentLive(ctx context.Context) (*LiveNow, error) {
	live, err := s.liveSlot(ctx)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return &LiveNow{}, nil
	}

	now := s.now()
	remaining := int(live.EndTime.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}

	pub := live.Public()
	return &LiveNow{
		Live:          &pub,
		TimeRemaining: remaining,
		ShowCountdown: remaining > 0 && remaining <= s.cfg.SessionEndCountdownSeconds,
	}, nil
}

// CanGoLiveAfter reports whether queueing behind the live stream is open:
// a stream must be live and the next booking must start at least five
// minutes after it ends.
func (s *Service) CanGoLiveAfter(ctx context.Context) (*GoLiveAfterCheck, error) {
	live, err := s.liveSlot(ctx)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return &GoLiveAfterCheck{Reason: "no active stream to queue behind"}, nil
	}

	pub := live.Public()
	next, err := s.nextNonLive(ctx, live.ID)
	if err != nil {
		return nil, err
	}
	if next != nil && next.StartTime.Before(live.EndTime.Add(goLiveAfterGap)) {
		return &GoLiveAfterCheck{
			Live:   &pub,
			Reason: fmt.Sprintf("%s's slot starts right after the current stream", next.DJName),
		}, nil
	}
	return &GoLiveAfterCheck{Available: true, Live: &pub}, nil
}

// Status builds the public status feed from the authoritative slots. The
// denormalized livestreams collection is a read accelerator; this path
// stays correct even when a projection write was lost.
func (s *Service) Status(ctx context.Context) (*StatusView, error) {
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
		return nil, fmt.Errorf("decoding live slots: %w", err)
	}
	sort.Slice(slots, func(i, j int) bool {
		if (slots[i].Status == models.SlotLive) != (slots[j].Status == models.SlotLive) {
			return slots[i].Status == models.SlotLive
		}
		return slots[i].StartTime.Before(slots[j].StartTime)
	})

	view := &StatusView{Streams: make([]models.LiveStreamRecord, 0, len(slots))}
	for i := range slots {
		if slots[i].Status != models.SlotLive {
			continue
		}
		view.Streams = append(view.Streams, s.recordFromSlot(&slots[i]))
	}
	if len(view.Streams) > 0 {
		view.IsLive = true
		view.PrimaryStream = &view.Streams[0]
		return view, nil
	}

	upcoming, err := s.upcomingSlots(ctx, 5)
	if err != nil {
		return nil, err
	}
	view.Scheduled = upcoming
	return view, nil
}

// StreamByID returns the public record for one stream.
func (s *Service) StreamByID(ctx context.Context, streamID string) (*models.LiveStreamRecord, error) {
	slot, err := s.loadSlot(ctx, streamID)
	if err != nil {
		return nil, err
	}
	rec := s.recordFromSlot(slot)
	if slot.IsTerminal() {
		rec.Status = "ended"
		rec.EndedAt = slot.EndedAt
		rec.PlaybackURL = ""
	}
	return &rec, nil
}

func (s *Service) recordFromSlot(slot *models.Slot) models.LiveStreamRecord {
	startedAt := slot.StartTime
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
		Status:         string(slot.Status),
		IsRelay:        slot.IsRelay,
		StartedAt:      startedAt,
		CurrentViewers: slot.CurrentViewers,
		ViewerPeak:     slot.ViewerPeak,
		TotalLikes:     slot.TotalLikes,
		UpdatedAt:      slot.UpdatedAt,
	}
	if slot.IsRelay && slot.RelaySource != nil {
		rec.PlaybackURL = slot.RelaySource.URL
	} else if slot.StreamKey != "" {
		rec.PlaybackURL = s.keys.HLSURLs(slot.StreamKey).Index
	}
	return rec
}

// liveSlot returns the live slot, preferring the earliest start when the
// store briefly holds more than one.
func (s *Service) liveSlot(ctx context.Context) (*models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{{Field: "status", Op: store.OpEq, Value: models.SlotLive}},
		OrderBy: "startTime",
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("querying live slots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	var slot models.Slot
	if err := snaps[0].Decode(&slot); err != nil {
		return nil, fmt.Errorf("decoding live slot: %w", err)
	}
	return &slot, nil
}

// nextNonLive returns the earliest slot still waiting for the channel.
func (s *Service) nextNonLive(ctx context.Context, excludeID string) (*models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{
				models.SlotScheduled, models.SlotInLobby, models.SlotQueued,
			}},
		},
		OrderBy: "startTime",
	})
	if err != nil {
		return nil, fmt.Errorf("querying upcoming slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding upcoming slots: %w", err)
	}
	for i := range slots {
		if slots[i].ID != excludeID {
			return &slots[i], nil
		}
	}
	return nil, nil
}

// upcomingSlots returns the next sanitized bookings, earliest first.
func (s *Service) upcomingSlots(ctx context.Context, limit int) ([]models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{models.SlotScheduled, models.SlotInLobby}},
			{Field: "startTime", Op: store.OpGte, Value: s.now()},
		},
		OrderBy: "startTime",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying upcoming slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding upcoming slots: %w", err)
	}
	for i := range slots {
		slots[i] = slots[i].Public()
	}
	return slots, nil
}
