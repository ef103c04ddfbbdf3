/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

const (
	maxShoutoutRunes = 30
	maxEmojiRunes    = 16 // ZWJ sequences run long; a paragraph does not
	maxStarBurst     = 100
)

// Like appends a like and bumps the stream total. Likes deliberately
// accumulate per user; tapping twice counts twice.
func (s *Service) Like(ctx context.Context, id auth.Identity, streamID string) (int, error) {
	if id.UserID == "" {
		return 0, apperr.Unauthorized("sign in to like streams")
	}
	slot, err := s.loadSlot(ctx, streamID)
	if err != nil {
		return 0, err
	}
	now := s.now()

	rec := models.ReactionRecord{
		ID:        uuid.NewString(),
		StreamID:  slot.ID,
		UserID:    id.UserID,
		Type:      models.ReactionLike,
		CreatedAt: now,
	}
	if err := s.store.Set(ctx, models.CollectionReactions, rec.ID, rec); err != nil {
		return 0, fmt.Errorf("recording like: %w", err)
	}
	if err := s.store.Increment(ctx, models.CollectionSlots, slot.ID, "totalLikes", 1); err != nil {
		return 0, fmt.Errorf("incrementing likes on %s: %w", slot.ID, err)
	}

	var fresh models.Slot
	if err := s.store.Get(ctx, models.CollectionSlots, slot.ID, &fresh); err != nil {
		return 0, fmt.Errorf("re-reading slot %s: %w", slot.ID, err)
	}
	if err := s.store.Increment(ctx, models.CollectionLiveStreams, slot.ID, "totalLikes", 1); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Err(err).Str("stream_id", slot.ID).Msg("could not mirror like count")
	}

	telemetry.ReactionsTotal.WithLabelValues("like").Inc()
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventLikeUpdate, map[string]any{
		"totalLikes": fresh.TotalLikes,
		"userName":   id.Name,
		"timestamp":  now.UTC(),
	})
	return fresh.TotalLikes, nil
}

// RatingSummary is the aggregate after a rating lands.
type RatingSummary struct {
	Average    float64 `json:"averageRating"`
	Count      int     `json:"ratingCount"`
	YourRating int     `json:"yourRating"`
}

// Rate upserts the caller's 1-5 rating and folds it into the running
// average. A first rating grows the count; a revision replaces the old
// value inside the existing average so the count stays put.
func (s *Service) Rate(ctx context.Context, id auth.Identity, streamID string, rating int) (*RatingSummary, error) {
	if id.UserID == "" {
		return nil, apperr.Unauthorized("sign in to rate streams")
	}
	if rating < 1 || rating > 5 {
		return nil, apperr.Invalid("rating must be between 1 and 5")
	}
	slot, err := s.loadSlot(ctx, streamID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	existing, err := s.ratingRecord(ctx, slot.ID, id.UserID)
	if err != nil {
		return nil, err
	}

	prior := slot.AverageRating
	count := slot.RatingCount

	var average float64
	if existing == nil || count == 0 {
		average = (prior*float64(count) + float64(rating)) / float64(count+1)
		count++
		rec := models.ReactionRecord{
			ID:        uuid.NewString(),
			StreamID:  slot.ID,
			UserID:    id.UserID,
			Type:      models.ReactionRating,
			Rating:    rating,
			CreatedAt: now,
		}
		if existing != nil {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		}
		if err := s.store.Set(ctx, models.CollectionReactions, rec.ID, rec); err != nil {
			return nil, fmt.Errorf("recording rating: %w", err)
		}
	} else {
		average = (prior*float64(count) - float64(existing.Rating) + float64(rating)) / float64(count)
		existing.Rating = rating
		if err := s.store.Set(ctx, models.CollectionReactions, existing.ID, existing); err != nil {
			return nil, fmt.Errorf("updating rating: %w", err)
		}
	}

	if err := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
		"averageRating": average,
		"ratingCount":   count,
	}); err != nil {
		return nil, fmt.Errorf("updating rating aggregate on %s: %w", slot.ID, err)
	}

	telemetry.ReactionsTotal.WithLabelValues("rating").Inc()
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventReaction, map[string]any{
		"type":          "rating",
		"averageRating": average,
		"ratingCount":   count,
		"timestamp":     now.UTC(),
	})
	return &RatingSummary{Average: average, Count: count, YourRating: rating}, nil
}

// EmojiRequest is a broadcast-only emoji burst. Anonymous viewers are
// identified by sessionId.
type EmojiRequest struct {
	StreamID  string
	Emoji     string
	UserName  string
	UserID    string
	SessionID string
}

// Emoji fans an emoji out to everyone watching. Nothing is stored.
func (s *Service) Emoji(ctx context.Context, req EmojiRequest) error {
	key := limitKey(req.UserID, req.SessionID)
	if key == "" {
		return apperr.Invalid("sessionId is required")
	}
	if err := s.allow(ratelimit.ClassReaction, key); err != nil {
		return err
	}

	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		return apperr.Invalid("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return apperr.Invalid("emoji too long")
	}

	slot, err := s.loadSlot(ctx, req.StreamID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"type":      "emoji",
		"emoji":     emoji,
		"userName":  req.UserName,
		"userId":    req.UserID,
		"timestamp": s.now().UTC(),
	}
	if req.SessionID != "" {
		payload["sessionId"] = req.SessionID
	}
	telemetry.ReactionsTotal.WithLabelValues("emoji").Inc()
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventReaction, payload)
	return nil
}

// StarRequest is a broadcast-only star burst.
type StarRequest struct {
	StreamID  string
	Count     int
	UserName  string
	UserID    string
	SessionID string
}

// Star fans a star burst out. Count is clamped; the client animates
// locally anyway.
func (s *Service) Star(ctx context.Context, req StarRequest) error {
	key := limitKey(req.UserID, req.SessionID)
	if key == "" {
		return apperr.Invalid("sessionId is required")
	}
	if err := s.allow(ratelimit.ClassReaction, key); err != nil {
		return err
	}

	count := req.Count
	if count < 1 {
		count = 1
	}
	if count > maxStarBurst {
		count = maxStarBurst
	}

	slot, err := s.loadSlot(ctx, req.StreamID)
	if err != nil {
		return err
	}

	telemetry.ReactionsTotal.WithLabelValues("star").Inc()
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventReaction, map[string]any{
		"type":      "star",
		"count":     count,
		"userName":  req.UserName,
		"userId":    req.UserID,
		"timestamp": s.now().UTC(),
	})
	return nil
}

// Shoutout broadcasts a short on-air message from a signed-in viewer.
func (s *Service) Shoutout(ctx context.Context, id auth.Identity, streamID, message string) error {
	if id.UserID == "" {
		return apperr.Unauthorized("sign in to send shoutouts")
	}
	if err := s.allow(ratelimit.ClassReaction, id.UserID); err != nil {
		return err
	}

	message = strings.TrimSpace(message)
	if n := utf8.RuneCountInString(message); n < 1 || n > maxShoutoutRunes {
		return apperr.Invalid("shoutout must be 1-%d characters", maxShoutoutRunes)
	}

	slot, err := s.loadSlot(ctx, streamID)
	if err != nil {
		return err
	}

	name := id.Name
	if name == "" {
		name = "Anonymous"
	}
	telemetry.ReactionsTotal.WithLabelValues("shoutout").Inc()
	s.bus.Publish(ctx, pubsub.StreamChannel(slot.ID), pubsub.EventShoutout, map[string]any{
		"name":      name,
		"message":   message,
		"timestamp": s.now().UTC(),
	})
	return nil
}

// PriorState is what the caller already did on a stream, so the UI can
// pre-fill its controls.
type PriorState struct {
	UserLikes     int     `json:"userLikes"`
	UserRating    int     `json:"userRating"`
	TotalLikes    int     `json:"totalLikes"`
	AverageRating float64 `json:"averageRating"`
	RatingCount   int     `json:"ratingCount"`
}

// Prior returns the caller's accumulated likes and current rating
// alongside the stream aggregates.
func (s *Service) Prior(ctx context.Context, id auth.Identity, streamID string) (*PriorState, error) {
	slot, err := s.loadSlot(ctx, streamID)
	if err != nil {
		return nil, err
	}

	state := &PriorState{
		TotalLikes:    slot.TotalLikes,
		AverageRating: slot.AverageRating,
		RatingCount:   slot.RatingCount,
	}
	if id.UserID == "" {
		return state, nil
	}

	snaps, err := s.store.Query(ctx, models.CollectionReactions, store.Query{
		Filters: []store.Filter{
			{Field: "streamId", Op: store.OpEq, Value: slot.ID},
			{Field: "userId", Op: store.OpEq, Value: id.UserID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	records, err := store.DecodeAll[models.ReactionRecord](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding reactions: %w", err)
	}
	for _, rec := range records {
		switch rec.Type {
		case models.ReactionLike:
			state.UserLikes++
		case models.ReactionRating:
			state.UserRating = rec.Rating
		}
	}
	return state, nil
}

// ratingRecord finds the caller's single rating row, if any.
func (s *Service) ratingRecord(ctx context.Context, streamID, userID string) (*models.ReactionRecord, error) {
	snaps, err := s.store.Query(ctx, models.CollectionReactions, store.Query{
		Filters: []store.Filter{
			{Field: "streamId", Op: store.OpEq, Value: streamID},
			{Field: "userId", Op: store.OpEq, Value: userID},
			{Field: "type", Op: store.OpEq, Value: string(models.ReactionRating)},
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("querying rating: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	var rec models.ReactionRecord
	if err := snaps[0].Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding rating: %w", err)
	}
	return &rec, nil
}
