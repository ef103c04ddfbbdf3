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

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// checkDailyCap rejects a booking that would push the DJ past their daily
// minutes for the calendar day of start, evaluated in the configured cap
// timezone. The cap is the allowance override when present, otherwise the
// subscription tier default, plus any approved event request for that date.
func (s *Service) checkDailyCap(ctx context.Context, djID string, start time.Time, durationMin int) error {
	day := start.In(s.cfg.DailyCapLocation()).Format("2006-01-02")

	override, err := s.allowanceFor(ctx, djID)
	if err != nil {
		return err
	}

	pro, err := s.isProActive(ctx, djID)
	if err != nil {
		return err
	}

	capMinutes := s.cfg.FreeDailyMinutes
	if pro {
		capMinutes = s.cfg.DefaultDailyHours * 60
	}
	if override != nil {
		capMinutes = override.MaxHoursPerDay * 60
	}

	eventMinutes, err := s.approvedEventMinutes(ctx, djID, day)
	if err != nil {
		return err
	}
	capMinutes += eventMinutes

	booked, err := s.bookedMinutesOn(ctx, djID, day)
	if err != nil {
		return err
	}

	// Actual streamed minutes can exceed booked durations (grace overruns,
	// impromptu sessions ended late); whichever is larger is what the DJ
	// consumed.
	var usage models.UserUsage
	uerr := s.store.Get(ctx, models.CollectionUserUsage, djID, &usage)
	if uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
		return fmt.Errorf("loading usage for %s: %w", djID, uerr)
	}
	used := booked
	if streamed := usage.MinutesOn(day); streamed > used {
		used = streamed
	}

	if used+durationMin > capMinutes {
		remaining := capMinutes - used
		if remaining < 0 {
			remaining = 0
		}
		msg := fmt.Sprintf("daily streaming limit reached: %d of %d minutes used, %d remaining", used, capMinutes, remaining)
		return apperr.Quota(msg, !pro && override == nil, true)
	}
	return nil
}

// checkWeeklySlots rejects a booking when the DJ already holds their
// allowed slot count in the ISO week of start.
func (s *Service) checkWeeklySlots(ctx context.Context, djID string, start time.Time) error {
	override, err := s.allowanceFor(ctx, djID)
	if err != nil {
		return err
	}
	weekly := s.cfg.DefaultWeeklySlots
	if override != nil {
		weekly = override.WeeklySlots
	}

	year, week := start.In(s.cfg.DailyCapLocation()).ISOWeek()

	slots, err := s.quotaSlots(ctx, djID)
	if err != nil {
		return err
	}
	count := 0
	for i := range slots {
		y, w := slots[i].StartTime.In(s.cfg.DailyCapLocation()).ISOWeek()
		if y == year && w == week {
			count++
		}
	}

	if count >= weekly {
		msg := fmt.Sprintf("weekly slot limit reached: %d of %d slots booked this week", count, weekly)
		return apperr.Quota(msg, false, false)
	}
	return nil
}

// bookedMinutesOn sums slot durations for the DJ's quota-counted slots
// whose start falls on day in the cap timezone.
func (s *Service) bookedMinutesOn(ctx context.Context, djID, day string) (int, error) {
	slots, err := s.quotaSlots(ctx, djID)
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range slots {
		if slots[i].StartTime.In(s.cfg.DailyCapLocation()).Format("2006-01-02") == day {
			total += slots[i].Duration
		}
	}
	return total, nil
}

func (s *Service) quotaSlots(ctx context.Context, djID string) ([]models.Slot, error) {
	snaps, err := s.store.Query(ctx, models.CollectionSlots, store.Query{
		Filters: []store.Filter{
			{Field: "djId", Op: store.OpEq, Value: djID},
			{Field: "status", Op: store.OpIn, Value: models.QuotaStatuses},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying quota slots: %w", err)
	}
	slots, err := store.DecodeAll[models.Slot](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding quota slots: %w", err)
	}
	return slots, nil
}

// approvedEventMinutes sums the extra minutes granted by approved event
// requests for the DJ on the given date.
func (s *Service) approvedEventMinutes(ctx context.Context, djID, day string) (int, error) {
	snaps, err := s.store.Query(ctx, models.CollectionEventRequests, store.Query{
		Filters: []store.Filter{
			{Field: "userId", Op: store.OpEq, Value: djID},
			{Field: "eventDate", Op: store.OpEq, Value: day},
			{Field: "status", Op: store.OpEq, Value: models.EventRequestApproved},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("querying event requests: %w", err)
	}
	requests, err := store.DecodeAll[models.EventRequest](snaps)
	if err != nil {
		return 0, fmt.Errorf("decoding event requests: %w", err)
	}
	total := 0
	for _, r := range requests {
		total += 60 * r.HoursRequested
	}
	return total, nil
}

// allowanceFor loads the DJ's override, nil when none exists.
func (s *Service) allowanceFor(ctx context.Context, djID string) (*models.AllowanceOverride, error) {
	var override models.AllowanceOverride
	err := s.store.Get(ctx, models.CollectionAllowances, djID, &override)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading allowance for %s: %w", djID, err)
	}
	return &override, nil
}

func (s *Service) isProActive(ctx context.Context, userID string) (bool, error) {
	var user models.User
	err := s.store.Get(ctx, models.CollectionUsers, userID, &user)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading user %s: %w", userID, err)
	}
	return user.Subscription.IsProActive(s.now()), nil
}
