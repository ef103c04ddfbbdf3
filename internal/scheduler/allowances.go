/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// Allowance override bounds. Admin grants outside these ranges are
// operator mistakes, not features.
const (
	minWeeklySlots    = 1
	maxWeeklySlots    = 14
	minDailyHours     = 1
	maxDailyHoursOver = 12
)

// AllowanceEntry pairs an override with the DJ it applies to.
type AllowanceEntry struct {
	DJID string `json:"djId"`
	models.AllowanceOverride
}

// AllowanceRequest is the admin payload for granting an override.
type AllowanceRequest struct {
	WeeklySlots    int    `json:"weeklySlots"`
	MaxHoursPerDay int    `json:"maxHoursPerDay"`
	Reason         string `json:"reason"`
}

// GetAllowance returns the override for a DJ, nil when none is set.
func (s *Service) GetAllowance(ctx context.Context, djID string) (*models.AllowanceOverride, error) {
	if djID == "" {
		return nil, apperr.Invalid("djId is required")
	}
	return s.allowanceFor(ctx, djID)
}

// SetAllowance grants or replaces a DJ's quota override. Admin only,
// enforced at the HTTP layer.
func (s *Service) SetAllowance(ctx context.Context, id auth.Identity, djID string, req AllowanceRequest) (*models.AllowanceOverride, error) {
	if djID == "" {
		return nil, apperr.Invalid("djId is required")
	}
	if req.WeeklySlots < minWeeklySlots || req.WeeklySlots > maxWeeklySlots {
		return nil, apperr.Invalid("weeklySlots must be between %d and %d", minWeeklySlots, maxWeeklySlots)
	}
	if req.MaxHoursPerDay < minDailyHours || req.MaxHoursPerDay > maxDailyHoursOver {
		return nil, apperr.Invalid("maxHoursPerDay must be between %d and %d", minDailyHours, maxDailyHoursOver)
	}

	override := models.AllowanceOverride{
		WeeklySlots:    req.WeeklySlots,
		MaxHoursPerDay: req.MaxHoursPerDay,
		Reason:         req.Reason,
		UpdatedAt:      s.now(),
		UpdatedBy:      id.UserID,
	}
	if err := s.store.Set(ctx, models.CollectionAllowances, djID, override); err != nil {
		return nil, fmt.Errorf("storing allowance for %s: %w", djID, err)
	}

	s.logger.Info().
		Str("dj_id", djID).
		Int("weekly_slots", override.WeeklySlots).
		Int("max_hours_per_day", override.MaxHoursPerDay).
		Str("updated_by", id.UserID).
		Msg("allowance override set")

	return &override, nil
}

// DeleteAllowance removes a DJ's override, reverting them to defaults.
// Deleting an absent override succeeds.
func (s *Service) DeleteAllowance(ctx context.Context, id auth.Identity, djID string) error {
	if djID == "" {
		return apperr.Invalid("djId is required")
	}
	if err := s.store.Delete(ctx, models.CollectionAllowances, djID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("deleting allowance for %s: %w", djID, err)
	}

	s.logger.Info().Str("dj_id", djID).Str("updated_by", id.UserID).Msg("allowance override removed")
	return nil
}

// ListAllowances returns every active override keyed by DJ.
func (s *Service) ListAllowances(ctx context.Context) ([]AllowanceEntry, error) {
	snaps, err := s.store.Query(ctx, models.CollectionAllowances, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("listing allowances: %w", err)
	}

	entries := make([]AllowanceEntry, 0, len(snaps))
	for _, snap := range snaps {
		var override models.AllowanceOverride
		if err := snap.Decode(&override); err != nil {
			return nil, fmt.Errorf("decoding allowance %s: %w", snap.Key, err)
		}
		entries = append(entries, AllowanceEntry{DJID: snap.Key, AllowanceOverride: override})
	}
	return entries, nil
}
