/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strings"
	"time"
)

// Platform identifies where a playlist track is hosted.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformVimeo      Platform = "vimeo"
	PlatformSoundCloud Platform = "soundcloud"
	PlatformDirect     Platform = "direct"
)

// Synthetic identity injected by the auto-play fallback.
const (
	SystemUserID   = "system"
	SystemUserName = "Auto-Play"
)

// PlaylistItem is one queued track in the shared playlist.
type PlaylistItem struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Platform    Platform  `json:"platform"`
	EmbedID     string    `json:"embedId,omitempty"`
	Title       string    `json:"title,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	AddedBy     string    `json:"addedBy"`
	AddedByName string    `json:"addedByName"`
	AddedAt     time.Time `json:"addedAt"`
}

// GlobalPlaylist is the process-wide shared queue document.
type GlobalPlaylist struct {
	Queue          []PlaylistItem `json:"queue"`
	CurrentIndex   int            `json:"currentIndex"`
	IsPlaying      bool           `json:"isPlaying"`
	TrackStartedAt *time.Time     `json:"trackStartedAt,omitempty"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}

// CurrentItem returns the playing item, or nil when the queue is empty.
func (p *GlobalPlaylist) CurrentItem() *PlaylistItem {
	if len(p.Queue) == 0 {
		return nil
	}
	if p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Queue) {
		return nil
	}
	return &p.Queue[p.CurrentIndex]
}

// CountOwnedBy counts queue items added by the given user.
func (p *GlobalPlaylist) CountOwnedBy(userID string) int {
	n := 0
	for _, item := range p.Queue {
		if item.AddedBy == userID {
			n++
		}
	}
	return n
}

// ContainsURL reports whether the normalized URL is already queued.
func (p *GlobalPlaylist) ContainsURL(url string) bool {
	url = NormalizeTrackURL(url)
	for _, item := range p.Queue {
		if NormalizeTrackURL(item.URL) == url {
			return true
		}
	}
	return false
}

// NormalizeTrackURL trims the forms of a track URL that must compare equal.
func NormalizeTrackURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// PlayHistoryEntry is a URL-deduped record of a finished track.
type PlayHistoryEntry struct {
	URL       string    `json:"url"`
	Platform  Platform  `json:"platform"`
	EmbedID   string    `json:"embedId,omitempty"`
	Title     string    `json:"title,omitempty"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	PlayedAt  time.Time `json:"playedAt"`
}
