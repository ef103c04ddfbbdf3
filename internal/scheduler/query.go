/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/freqwax/freqwax_live/internal/cache"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// ScheduleQuery selects a window of the schedule, optionally one DJ's.
type ScheduleQuery struct {
	Start time.Time
	End   time.Time
	DJID  string
}

// Settings surfaces the booking rules clients need to render forms.
type Settings struct {
	AllowGoLiveNow     bool  `json:"allowGoLiveNow"`
	AllowGoLiveAfter   bool  `json:"allowGoLiveAfter"`
	AllowTakeover      bool  `json:"allowTakeover"`
	RevealMinutes      int   `json:"revealMinutes"`
	DefaultDailyHours  int   `json:"defaultDailyHours"`
	DefaultWeeklySlots int   `json:"defaultWeeklySlots"`
	AllowedDurations   []int `json:"allowedDurations"`
}

// ScheduleView is the windowed schedule projection served to clients.
// Slots never carry stream keys here.
type ScheduleView struct {
	Slots       []models.Slot `json:"slots"`
	CurrentLive *models.Slot  `json:"currentLive,omitempty"`
	Upcoming    []models.Slot `json:"upcoming"`
	Settings    Settings      `json:"settings"`
}

const upcomingLimit = 5

// QuerySchedule returns the slots in the window ordered by start time,
// the current live slot, and the next few upcoming bookings. Window reads
// may be served from the short-TTL cache; authorization decisions must
// not call this.
func (s *Service) QuerySchedule(ctx context.Context, q ScheduleQuery) (*ScheduleView, error) {
	now := s.now()
	start := q.Start
	if start.IsZero() {
		start = now
	}
	end := q.End
	if end.IsZero() {
		end = start.Add(bookingHorizon)
	}

	slots, err := s.windowSlots(ctx, start, end, q.DJID)
	if err != nil {
		return nil, err
	}

	live, err := s.currentOccupant(ctx)
	if err != nil {
		return nil, err
	}
	var current *models.Slot
	if live != nil {
		pub := live.Public()
		current = &pub
	}

	upcoming := make([]models.Slot, 0, upcomingLimit)
	for _, slot := range slots {
		if len(upcoming) == upcomingLimit {
			break
		}
		switch slot.Status {
		case models.SlotScheduled, models.SlotInLobby, models.SlotQueued:
			if !slot.StartTime.Before(now) {
				upcoming = append(upcoming, slot)
			}
		}
	}

	return &ScheduleView{
		Slots:       slots,
		CurrentLive: current,
		Upcoming:    upcoming,
		Settings:    s.settings(),
	}, nil
}

// windowSlots loads sanitized slots starting within [start, end), cached
// under the window key for the polling hot path.
func (s *Service) windowSlots(ctx context.Context, start, end time.Time, djID string) ([]models.Slot, error) {
	key := cache.ScheduleKey(start, end, djID)
	if s.cache != nil {
		if slots, ok := s.cache.Get(key); ok {
			return slots, nil
		}
	}

	filters := []store.Filter{
		{Field: "startTime", Op: store.OpGte, Value: start},
		{Field: "startTime", Op: store.OpLt, Value: end},
	}
	if djID != "" {
		filters = append(filters, store.Filter{Field: "djId", Op: store.OpEq, Value: djID})
	}
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("querying schedule window: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding schedule window: %w", err)
	}

	for i := range slots {
		slots[i] = slots[i].Public()
	}
	sortSlots(slots)

	if s.cache != nil {
		s.cache.Set(key, slots)
	}
	return slots, nil
}

// QueryHistory returns finished slots, newest first.
func (s *Service) QueryHistory(ctx context.Context, djID string, limit int) ([]models.Slot, error) {
	if limit <= 0 {
		limit = 50
	}

	filters := []store.Filter{
		{Field: "status", Op: store.OpIn, Value: []models.SlotStatus{
			models.SlotCompleted, models.SlotCancelled, models.SlotFailed, models.SlotMissed,
		}},
	}
	if djID != "" {
		filters = append(filters, store.Filter{Field: "djId", Op: store.OpEq, Value: djID})
	}
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: filters,
		OrderBy: "startTime",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	for i := range slots {
		slots[i] = slots[i].Public()
	}
	return slots, nil
}

func (s *Service) settings() Settings {
	return Settings{
		AllowGoLiveNow:     s.cfg.AllowGoLiveNow,
		AllowGoLiveAfter:   s.cfg.AllowGoLiveAfter,
		AllowTakeover:      s.cfg.AllowTakeover,
		RevealMinutes:      s.cfg.RevealMinutes,
		DefaultDailyHours:  s.cfg.DefaultDailyHours,
		DefaultWeeklySlots: s.cfg.DefaultWeeklySlots,
		AllowedDurations:   models.AllowedDurations,
	}
}

// sortSlots orders by start time, then createdAt for identical starts.
func sortSlots(slots []models.Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].StartTime.Equal(slots[j].StartTime) {
			return slots[i].CreatedAt.Before(slots[j].CreatedAt)
		}
		return slots[i].StartTime.Before(slots[j].StartTime)
	})
}
