/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package streamkey mints and validates the time-bound ingest credentials
// bound to broadcast slots. A key is opaque to clients but carries enough
// structure to locate its slot without a reverse index; the HMAC tail binds
// it to one owner and one slot window, so rescheduling a slot always
// requires a fresh key.
package streamkey

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// Validation failure modes, matched with errors.Is.
var (
	ErrMalformedKey  = errors.New("malformed stream key")
	ErrKeyNotFound   = errors.New("no slot matches stream key")
	ErrNotStreamable = errors.New("slot is not in a streamable state")
	ErrCancelled     = errors.New("slot was cancelled")
	ErrTooEarly      = errors.New("stream key not yet valid")
	ErrExpired       = errors.New("stream key expired")
	ErrArtistBlocked = errors.New("artist is suspended or banned")
)

// TooEarlyError reports how long until the ingest window opens.
type TooEarlyError struct {
	MinutesUntilValid int
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("stream key not yet valid, opens in %d minutes", e.MinutesUntilValid)
}

// Is lets errors.Is(err, ErrTooEarly) match regardless of the minutes value.
func (e *TooEarlyError) Is(target error) bool {
	return target == ErrTooEarly
}

const (
	keyParts = 5
	shortLen = 8
	sigLen   = 12
)

// PlaybackURLs are the HLS manifest locations for one stream key. Index is
// the primary manifest; Playlist is the fallback some players require;
// Chunklist is the low-latency variant.
type PlaybackURLs struct {
	Index     string `json:"hlsUrl"`
	Playlist  string `json:"hlsFallbackUrl"`
	Chunklist string `json:"hlsLowLatencyUrl"`
}

// Parts are the decoded components of a stream key.
type Parts struct {
	Prefix      string
	DJIDShort   string
	SlotIDShort string
	StartUnix   int64
	Signature   string
}

// Service mints, parses, and validates stream keys against the slot store.
type Service struct {
	store  store.Store
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the credential service.
func New(st store.Store, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "streamkey").Logger(),
		now:    time.Now,
	}
}

// Generate mints the key for a slot window. The signature covers the full
// ids and both window edges, so a truncated-id collision cannot forge a key.
func (s *Service) Generate(djID, slotID string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		s.cfg.StreamKeyPrefix,
		shorten(djID),
		shorten(slotID),
		strconv.FormatInt(start.Unix(), 36),
		s.signature(djID, slotID, start, end),
	)
}

func (s *Service) signature(djID, slotID string, start, end time.Time) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SigningSecret))
	fmt.Fprintf(mac, "%s:%s:%s:%s",
		djID, slotID,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	return hex.EncodeToString(mac.Sum(nil))[:sigLen]
}

// Parse splits a candidate key and checks shape and prefix. It does not
// verify the signature; validation resolves the slot and re-derives it.
func (s *Service) Parse(key string) (Parts, error) {
	segs := strings.Split(strings.TrimSpace(key), "_")
	if len(segs) != keyParts {
		return Parts{}, ErrMalformedKey
	}
	if segs[0] != s.cfg.StreamKeyPrefix {
		return Parts{}, ErrMalformedKey
	}
	for _, seg := range segs[1:] {
		if seg == "" {
			return Parts{}, ErrMalformedKey
		}
	}
	ts, err := strconv.ParseInt(segs[3], 36, 64)
	if err != nil {
		return Parts{}, ErrMalformedKey
	}
	return Parts{
		Prefix:      segs[0],
		DJIDShort:   segs[1],
		SlotIDShort: segs[2],
		StartUnix:   ts,
		Signature:   segs[4],
	}, nil
}

// Validate authenticates a publish attempt. On success it returns the slot
// the key belongs to; marking the slot connecting is attempted but never
// fails the accept. Store reads here must not be served from any cache.
func (s *Service) Validate(ctx context.Context, key string) (*models.Slot, error) {
	now := s.now()

	if _, err := s.Parse(key); err != nil {
		return nil, err
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
		return nil, ErrKeyNotFound
	}

	slot := pickCandidate(slots)

	if slot.Status == models.SlotCancelled {
		return nil, ErrCancelled
	}
	if !slot.KeyMayValidate() {
		return nil, ErrNotStreamable
	}

	windowStart := slot.StartTime.Add(-s.cfg.Reveal(true))
	windowEnd := slot.EndTime.Add(s.cfg.Grace(true))
	if now.Before(windowStart) {
		mins := int(math.Ceil(windowStart.Sub(now).Minutes()))
		return nil, &TooEarlyError{MinutesUntilValid: mins}
	}
	if now.After(windowEnd) {
		return nil, ErrExpired
	}

	var artist models.ArtistProfile
	err = s.store.Get(ctx, models.CollectionArtists, slot.DJID, &artist)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No profile document, nothing to block on.
	case err != nil:
		return nil, fmt.Errorf("loading artist profile: %w", err)
	case artist.Suspended || artist.Banned:
		return nil, ErrArtistBlocked
	}

	if slot.Status == models.SlotScheduled || slot.Status == models.SlotInLobby {
		uerr := s.store.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{
			"status":    models.SlotConnecting,
			"updatedAt": now,
		})
		if uerr != nil {
			s.logger.Warn().Err(uerr).Str("slot_id", slot.ID).Msg("could not mark slot connecting")
		} else {
			slot.Status = models.SlotConnecting
			slot.UpdatedAt = now
		}
	}

	return slot, nil
}

// pickCandidate selects the slot a key should authenticate when the store
// unexpectedly holds several matches: the newest non-cancelled one, or the
// newest overall so the caller still gets the cancelled rejection.
func pickCandidate(slots []models.Slot) *models.Slot {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].CreatedAt.After(slots[j].CreatedAt)
	})
	for i := range slots {
		if slots[i].Status != models.SlotCancelled {
			return &slots[i]
		}
	}
	return &slots[0]
}

// RTMPURL returns the ingest URL for a key.
func (s *Service) RTMPURL(key string) string {
	return strings.TrimRight(s.cfg.RTMPBase, "/") + "/" + key
}

// HLSURLs returns the playback manifest URLs for a key.
func (s *Service) HLSURLs(key string) PlaybackURLs {
	base := strings.TrimRight(s.cfg.HLSBase, "/") + "/" + key
	return PlaybackURLs{
		Index:     base + "/index.m3u8",
		Playlist:  base + "/playlist.m3u8",
		Chunklist: base + "/chunklist.m3u8",
	}
}

// VerifyWebhook checks an ingest webhook signature over the raw body.
// The comparison is constant-time.
func (s *Service) VerifyWebhook(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// ExtractKey pulls a stream key candidate from the places ingest servers
// put one: explicit fields first, then the last segment of the stream path.
// get is called for each known field name; it may read query params or a
// decoded JSON body.
func ExtractKey(get func(string) string, streamPath string) string {
	for _, field := range []string{"key", "name", "streamKey"} {
		if v := strings.TrimSpace(get(field)); v != "" {
			return v
		}
	}
	p := strings.Trim(strings.TrimSpace(streamPath), "/")
	p = strings.TrimPrefix(p, "live/")
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	return segs[len(segs)-1]
}

func shorten(id string) string {
	if len(id) > shortLen {
		return id[:shortLen]
	}
	return id
}
