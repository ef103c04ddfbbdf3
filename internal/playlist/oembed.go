/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/models"
)

// TrackMeta is the display metadata attached to a queued track.
type TrackMeta struct {
	Title     string
	Thumbnail string
}

// MetadataResolver fetches track metadata. Implementations must respect
// ctx deadlines; callers treat failures as cosmetic.
type MetadataResolver interface {
	Resolve(ctx context.Context, trackURL string, platform models.Platform, embedID string) (*TrackMeta, error)
}

// oEmbed endpoints per platform. All return {title, thumbnail_url}.
const (
	youtubeOEmbed    = "https://www.youtube.com/oembed"
	vimeoOEmbed      = "https://vimeo.com/api/oembed.json"
	soundcloudOEmbed = "https://soundcloud.com/oembed"
)

// OEmbedClient resolves titles and thumbnails from the hosting
// platform's oEmbed endpoint.
type OEmbedClient struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewOEmbedClient builds the resolver with a bounded client; the
// playlist add path caps the whole lookup at its own deadline anyway.
func NewOEmbedClient(logger zerolog.Logger) *OEmbedClient {
	return &OEmbedClient{
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger.With().Str("component", "oembed").Logger(),
	}
}

// Resolve looks the track up on its platform's oEmbed endpoint. Direct
// file URLs resolve locally to their basename.
func (c *OEmbedClient) Resolve(ctx context.Context, trackURL string, platform models.Platform, embedID string) (*TrackMeta, error) {
	var endpoint string
	switch platform {
	case models.PlatformYouTube:
		endpoint = youtubeOEmbed + "?format=json&url=" + url.QueryEscape(trackURL)
	case models.PlatformVimeo:
		endpoint = vimeoOEmbed + "?url=" + url.QueryEscape(trackURL)
	case models.PlatformSoundCloud:
		endpoint = soundcloudOEmbed + "?format=json&url=" + url.QueryEscape(trackURL)
	default:
		return &TrackMeta{Title: directTitle(trackURL)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building oembed request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching oembed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oembed returned %d", resp.StatusCode)
	}

	var body struct {
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding oembed response: %w", err)
	}
	return &TrackMeta{Title: body.Title, Thumbnail: body.ThumbnailURL}, nil
}

// directTitle derives a display title from a raw file URL.
func directTitle(trackURL string) string {
	u, err := url.Parse(trackURL)
	if err != nil {
		return trackURL
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Host
	}
	return base
}

var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,16}$`)

// DetectPlatform classifies a track URL and extracts the platform's
// embed id where one exists. Unknown hosts are treated as direct file
// URLs rather than rejected; the player falls back to a bare media tag.
func DetectPlatform(rawURL string) (models.Platform, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", apperr.Invalid("invalid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", apperr.Invalid("URL must be absolute http(s)")
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch {
	case host == "youtube.com" || host == "m.youtube.com" || host == "music.youtube.com":
		if id := u.Query().Get("v"); youtubeIDPattern.MatchString(id) {
			return models.PlatformYouTube, id, nil
		}
		// /shorts/{id}, /embed/{id}, /live/{id}
		if len(segments) == 2 && youtubeIDPattern.MatchString(segments[1]) {
			switch segments[0] {
			case "shorts", "embed", "live":
				return models.PlatformYouTube, segments[1], nil
			}
		}
		return "", "", apperr.Invalid("unrecognized YouTube URL")
	case host == "youtu.be":
		if len(segments) == 1 && youtubeIDPattern.MatchString(segments[0]) {
			return models.PlatformYouTube, segments[0], nil
		}
		return "", "", apperr.Invalid("unrecognized YouTube URL")
	case host == "vimeo.com" || host == "player.vimeo.com":
		for _, seg := range segments {
			if isDigits(seg) {
				return models.PlatformVimeo, seg, nil
			}
		}
		return "", "", apperr.Invalid("unrecognized Vimeo URL")
	case host == "soundcloud.com" || host == "on.soundcloud.com":
		if len(segments) == 0 || segments[0] == "" {
			return "", "", apperr.Invalid("unrecognized SoundCloud URL")
		}
		// SoundCloud embeds resolve by URL, not id.
		return models.PlatformSoundCloud, "", nil
	default:
		return models.PlatformDirect, "", nil
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
