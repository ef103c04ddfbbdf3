/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist coordinates the one shared between-shows queue.
// Every mutation persists the full document first and then broadcasts
// it, so clients converge on whatever the store holds within one
// round-trip; trackStartedAt is the authoritative playhead latecomers
// seek against.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

const (
	// playlistKey is the singleton document key.
	playlistKey = "global"
	// maxQueuedPerUser is the DJ-waitlist fairness cap.
	maxQueuedPerUser = 2
	// stalenessLimit sits safely above the per-track cap: a playhead
	// older than this means the coordinator lost track of the queue.
	stalenessLimit = 15 * time.Minute
	// metadataDeadline bounds the oEmbed lookup on Add.
	metadataDeadline = 5 * time.Second
)

// Service owns the global playlist document.
type Service struct {
	store  store.Store
	bus    *pubsub.Broadcaster
	meta   MetadataResolver
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
	intn   func(n int) int
	leader func() bool
}

// New builds the coordinator. meta may be nil; adds then carry only the
// metadata derivable from the URL itself.
func New(st store.Store, bus *pubsub.Broadcaster, meta MetadataResolver, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		meta:   meta,
		cfg:    cfg,
		logger: logger.With().Str("component", "playlist").Logger(),
		now:    time.Now,
		intn:   rand.Intn,
	}
}

// SetLeaderGate restricts the duration watchdog to the elected node.
func (s *Service) SetLeaderGate(leader func() bool) {
	s.leader = leader
}

// Get returns the current document, repairing staleness on the way out.
func (s *Service) Get(ctx context.Context) (*models.GlobalPlaylist, error) {
	doc, err := s.load(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if s.repairStale(doc) {
		if err := s.save(ctx, s.store, doc); err != nil {
			return nil, err
		}
		s.broadcast(ctx, doc)
	}
	return doc, nil
}

// Add validates and appends a track for the caller. The metadata fetch
// is best-effort: a dead oEmbed endpoint costs the title, not the add.
func (s *Service) Add(ctx context.Context, id auth.Identity, rawURL string) (*models.GlobalPlaylist, error) {
	if id.UserID == "" {
		return nil, apperr.Unauthorized("sign in to queue tracks")
	}

	normalized := models.NormalizeTrackURL(rawURL)
	platform, embedID, err := DetectPlatform(normalized)
	if err != nil {
		return nil, err
	}

	meta := s.resolveMeta(ctx, normalized, platform, embedID)
	now := s.now()

	var doc *models.GlobalPlaylist
	err = store.InTx(ctx, s.store, func(tx store.Store) error {
		doc, err = s.load(ctx, tx)
		if err != nil {
			return err
		}
		s.repairStale(doc)

		if doc.ContainsURL(normalized) {
			return apperr.Conflict("that track is already in the queue")
		}
		if doc.CountOwnedBy(id.UserID) >= maxQueuedPerUser {
			return apperr.Quota(fmt.Sprintf("you already have %d tracks queued, wait for one to play", maxQueuedPerUser), false, false)
		}
		if wait, cooling := s.coolingDown(ctx, tx, normalized, now); cooling {
			minutes := int((wait + time.Minute - 1) / time.Minute)
			return apperr.Invalid("that track played recently, try again in %d minutes", minutes)
		}

		name := id.Name
		if name == "" {
			name = id.UserID
		}
		item := models.PlaylistItem{
			ID:          uuid.NewString(),
			URL:         normalized,
			Platform:    platform,
			EmbedID:     embedID,
			Title:       meta.Title,
			Thumbnail:   meta.Thumbnail,
			AddedBy:     id.UserID,
			AddedByName: name,
			AddedAt:     now,
		}
		doc.Queue = append(doc.Queue, item)

		if len(doc.Queue) == 1 && !doc.IsPlaying {
			doc.CurrentIndex = 0
			doc.IsPlaying = true
			doc.TrackStartedAt = &now
		}
		return s.save(ctx, tx, doc)
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, doc)
	s.logger.Info().
		Str("url", normalized).
		Str("platform", string(platform)).
		Str("added_by", id.UserID).
		Int("queue", len(doc.Queue)).
		Msg("track queued")
	return doc, nil
}

// Remove drops a queued track. Only the user who queued it, or an
// admin, may remove it; removing the playing track advances the queue.
func (s *Service) Remove(ctx context.Context, id auth.Identity, itemID string) (*models.GlobalPlaylist, error) {
	if id.UserID == "" {
		return nil, apperr.Unauthorized("sign in to manage the queue")
	}
	if itemID == "" {
		return nil, apperr.Invalid("itemId is required")
	}

	var doc *models.GlobalPlaylist
	err := store.InTx(ctx, s.store, func(tx store.Store) error {
		var err error
		doc, err = s.load(ctx, tx)
		if err != nil {
			return err
		}
		s.repairStale(doc)

		idx := -1
		for i := range doc.Queue {
			if doc.Queue[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.NotFound("track not found in queue")
		}
		item := doc.Queue[idx]
		if item.AddedBy != id.UserID && !id.Admin {
			return apperr.Forbidden("only the user who queued a track may remove it")
		}

		doc.Queue = append(doc.Queue[:idx], doc.Queue[idx+1:]...)
		switch {
		case idx < doc.CurrentIndex:
			doc.CurrentIndex--
		case idx == doc.CurrentIndex:
			// The playing track vanished; the next one starts now.
			if len(doc.Queue) == 0 {
				doc.CurrentIndex = 0
				doc.IsPlaying = false
				doc.TrackStartedAt = nil
			} else {
				if doc.CurrentIndex >= len(doc.Queue) {
					doc.CurrentIndex = 0
				}
				now := s.now()
				doc.TrackStartedAt = &now
			}
		}
		return s.save(ctx, tx, doc)
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, doc)
	return doc, nil
}

// Skip force-advances past the playing track.
func (s *Service) Skip(ctx context.Context, id auth.Identity) (*models.GlobalPlaylist, error) {
	if !id.Admin {
		return nil, apperr.Forbidden("only admins may skip tracks")
	}
	return s.advance(ctx, "", "skip")
}

// TrackEnded reports a natural track end from a client. itemID, when
// set, guards against duplicate reports: the first viewer to report
// advances the queue and the rest fall out as no-ops.
func (s *Service) TrackEnded(ctx context.Context, itemID string) (*models.GlobalPlaylist, error) {
	return s.advance(ctx, itemID, "ended")
}

// Reset clears the queue outright.
func (s *Service) Reset(ctx context.Context, id auth.Identity) (*models.GlobalPlaylist, error) {
	if !id.Admin {
		return nil, apperr.Forbidden("only admins may reset the playlist")
	}

	doc := &models.GlobalPlaylist{}
	if err := s.save(ctx, s.store, doc); err != nil {
		return nil, err
	}
	s.broadcast(ctx, doc)
	s.logger.Info().Str("reset_by", id.UserID).Msg("playlist reset")
	return doc, nil
}

// advance removes the playing track, logs it to the master history and
// hands the playhead to the next item, or to the auto-play fallback
// when the queue drains. expectItemID, when non-empty, must match the
// playing item or the call is a stale no-op.
func (s *Service) advance(ctx context.Context, expectItemID, reason string) (*models.GlobalPlaylist, error) {
	var doc *models.GlobalPlaylist
	var advanced, repaired bool
	err := store.InTx(ctx, s.store, func(tx store.Store) error {
		var err error
		advanced, repaired = false, false
		doc, err = s.load(ctx, tx)
		if err != nil {
			return err
		}
		if s.repairStale(doc) {
			repaired = true
			return s.save(ctx, tx, doc)
		}

		current := doc.CurrentItem()
		if current == nil {
			return nil
		}
		if expectItemID != "" && current.ID != expectItemID {
			return nil
		}
		finished := *current
		now := s.now()

		s.recordPlay(ctx, tx, finished, now)

		doc.Queue = append(doc.Queue[:doc.CurrentIndex], doc.Queue[doc.CurrentIndex+1:]...)
		if len(doc.Queue) > 0 {
			if doc.CurrentIndex >= len(doc.Queue) {
				doc.CurrentIndex = 0
			}
			doc.IsPlaying = true
			doc.TrackStartedAt = &now
		} else if next := s.autoPlayPick(ctx, tx, finished.URL, now); next != nil {
			doc.Queue = []models.PlaylistItem{*next}
			doc.CurrentIndex = 0
			doc.IsPlaying = true
			doc.TrackStartedAt = &now
		} else {
			doc.CurrentIndex = 0
			doc.IsPlaying = false
			doc.TrackStartedAt = nil
		}
		advanced = true
		return s.save(ctx, tx, doc)
	})
	if err != nil {
		return nil, err
	}

	if advanced {
		telemetry.PlaylistTracksPlayedTotal.Inc()
		s.logger.Info().
			Str("reason", reason).
			Int("queue", len(doc.Queue)).
			Msg("playlist advanced")
	}
	if advanced || repaired {
		s.broadcast(ctx, doc)
	}
	return doc, nil
}

// autoPlayPick chooses a fallback track from the master history:
// anything but the track that just finished and anything cooling down.
// When the filter rejects everything it settles for any entry other
// than the last played.
func (s *Service) autoPlayPick(ctx context.Context, tx store.Store, finishedURL string, now time.Time) *models.PlaylistItem {
	snaps, err := tx.Query(ctx, models.CollectionPlayHistory, store.Query{})
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read play history for auto-play")
		return nil
	}
	history, err := store.DecodeAll[models.PlayHistoryEntry](snaps)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not decode play history")
		return nil
	}
	if len(history) == 0 {
		return nil
	}

	finished := models.NormalizeTrackURL(finishedURL)
	var fresh []models.PlayHistoryEntry
	for _, entry := range history {
		if models.NormalizeTrackURL(entry.URL) == finished {
			continue
		}
		if now.Sub(entry.PlayedAt) < s.cfg.TrackCooldown {
			continue
		}
		fresh = append(fresh, entry)
	}
	if len(fresh) == 0 {
		for _, entry := range history {
			if models.NormalizeTrackURL(entry.URL) != finished {
				fresh = append(fresh, entry)
			}
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	pick := fresh[s.intn(len(fresh))]
	return &models.PlaylistItem{
		ID:          uuid.NewString(),
		URL:         pick.URL,
		Platform:    pick.Platform,
		EmbedID:     pick.EmbedID,
		Title:       pick.Title,
		Thumbnail:   pick.Thumbnail,
		AddedBy:     models.SystemUserID,
		AddedByName: models.SystemUserName,
		AddedAt:     now,
	}
}

// recordPlay upserts the finished track into the URL-deduped master
// history. History failures never hold up the queue.
func (s *Service) recordPlay(ctx context.Context, tx store.Store, item models.PlaylistItem, now time.Time) {
	entry := models.PlayHistoryEntry{
		URL:       models.NormalizeTrackURL(item.URL),
		Platform:  item.Platform,
		EmbedID:   item.EmbedID,
		Title:     item.Title,
		Thumbnail: item.Thumbnail,
		PlayedAt:  now,
	}
	if err := tx.Set(ctx, models.CollectionPlayHistory, entry.URL, entry); err != nil {
		s.logger.Warn().Err(err).Str("url", entry.URL).Msg("could not record play history")
	}
}

// coolingDown reports whether url finished playing within the cooldown
// window, and how long remains.
func (s *Service) coolingDown(ctx context.Context, tx store.Store, url string, now time.Time) (time.Duration, bool) {
	var entry models.PlayHistoryEntry
	err := tx.Get(ctx, models.CollectionPlayHistory, url, &entry)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("could not check cooldown")
		return 0, false
	}
	elapsed := now.Sub(entry.PlayedAt)
	if elapsed >= s.cfg.TrackCooldown {
		return 0, false
	}
	return s.cfg.TrackCooldown - elapsed, true
}

// repairStale resets a playlist whose playhead stopped making sense:
// playing with nothing queued, or a track started longer ago than any
// track may run. Returns true when the document changed.
func (s *Service) repairStale(doc *models.GlobalPlaylist) bool {
	stale := false
	if doc.IsPlaying && len(doc.Queue) == 0 {
		stale = true
	}
	if doc.TrackStartedAt != nil && s.now().Sub(*doc.TrackStartedAt) > stalenessLimit {
		stale = true
	}
	if !stale {
		// Normalize a wandering index without declaring staleness.
		if len(doc.Queue) == 0 {
			if doc.CurrentIndex != 0 {
				doc.CurrentIndex = 0
				return true
			}
		} else if doc.CurrentIndex < 0 || doc.CurrentIndex >= len(doc.Queue) {
			doc.CurrentIndex = 0
			return true
		}
		return false
	}

	s.logger.Warn().
		Int("queue", len(doc.Queue)).
		Bool("is_playing", doc.IsPlaying).
		Msg("stale playlist reset")
	doc.Queue = nil
	doc.CurrentIndex = 0
	doc.IsPlaying = false
	doc.TrackStartedAt = nil
	return true
}

// load fetches the singleton document; a missing document is an empty
// playlist, not an error.
func (s *Service) load(ctx context.Context, st store.Store) (*models.GlobalPlaylist, error) {
	var doc models.GlobalPlaylist
	err := st.Get(ctx, models.CollectionPlaylist, playlistKey, &doc)
	if errors.Is(err, store.ErrNotFound) {
		return &models.GlobalPlaylist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading playlist: %w", err)
	}
	return &doc, nil
}

func (s *Service) save(ctx context.Context, st store.Store, doc *models.GlobalPlaylist) error {
	doc.LastUpdated = s.now()
	if err := st.Set(ctx, models.CollectionPlaylist, playlistKey, doc); err != nil {
		return fmt.Errorf("saving playlist: %w", err)
	}
	return nil
}

// broadcast publishes the full document; clients reconcile by diffing
// the current item.
func (s *Service) broadcast(ctx context.Context, doc *models.GlobalPlaylist) {
	s.bus.Publish(ctx, pubsub.ChannelPlaylist, pubsub.EventPlaylistUpdate, doc)
}

// resolveMeta fetches title/thumbnail under its own deadline. Any
// failure degrades to URL-derived metadata.
func (s *Service) resolveMeta(ctx context.Context, trackURL string, platform models.Platform, embedID string) TrackMeta {
	fallback := TrackMeta{Title: directTitle(trackURL)}
	if s.meta == nil {
		return fallback
	}
	mctx, cancel := context.WithTimeout(ctx, metadataDeadline)
	defer cancel()

	meta, err := s.meta.Resolve(mctx, trackURL, platform, embedID)
	if err != nil {
		s.logger.Debug().Err(err).Str("url", trackURL).Msg("oembed lookup failed")
		return fallback
	}
	if meta.Title == "" {
		meta.Title = fallback.Title
	}
	return *meta
}
