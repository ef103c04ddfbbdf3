/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"time"

	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// watchdogInterval is how often the playhead is checked against the
// per-track cap. Tight enough that an overrun is cut within seconds,
// loose enough to cost nothing.
const watchdogInterval = 5 * time.Second

// Run enforces the hard per-track duration cap until ctx is cancelled.
// Clients normally report track ends themselves; the watchdog catches
// the ones that never do (wedged player, infinite live URL).
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("cap", s.cfg.MaxTrackDuration).
		Msg("playlist watchdog started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("playlist watchdog stopped")
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader() {
				continue
			}
			if err := s.enforceCap(ctx); err != nil {
				s.logger.Error().Err(err).Msg("playlist watchdog tick failed")
			}
		}
	}
}

// enforceCap skips the playing track once it exceeds the duration cap.
// The advance is guarded by the item id read here, so a client report
// racing the watchdog only advances the queue once.
func (s *Service) enforceCap(ctx context.Context) error {
	doc, err := s.load(ctx, s.store)
	if err != nil {
		return err
	}
	if !doc.IsPlaying || doc.TrackStartedAt == nil {
		return nil
	}
	current := doc.CurrentItem()
	if current == nil {
		return nil
	}
	elapsed := s.now().Sub(*doc.TrackStartedAt)
	if elapsed < s.cfg.MaxTrackDuration {
		return nil
	}

	s.logger.Info().
		Str("item", current.ID).
		Str("url", current.URL).
		Dur("elapsed", elapsed).
		Msg("track hit duration cap, skipping")
	telemetry.PlaylistAutoSkipsTotal.Inc()

	_, err = s.advance(ctx, current.ID, "duration-cap")
	return err
}
