/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// LiveStreamRecord is the denormalized public projection of an active
// session, kept in the livestreams collection for cheap viewer reads.
// It never carries the stream key.
type LiveStreamRecord struct {
	ID             string    `json:"id"`
	SlotID         string    `json:"slotId"`
	DJID           string    `json:"djId"`
	DJName         string    `json:"djName"`
	Title          string    `json:"title,omitempty"`
	Genre          string    `json:"genre,omitempty"`
	Status         string    `json:"status"`
	PlaybackURL    string    `json:"playbackUrl,omitempty"`
	IsRelay        bool      `json:"isRelay,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	CurrentViewers int       `json:"currentViewers"`
	ViewerPeak     int       `json:"viewerPeak"`
	TotalLikes     int       `json:"totalLikes"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IngestEvent is an audit row for every media-server callback we accept.
type IngestEvent struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"` // publish, unpublish, playback, validate
	SlotID     string    `json:"slotId,omitempty"`
	DJID       string    `json:"djId,omitempty"`
	KeySuffix  string    `json:"keySuffix,omitempty"` // last 4 chars only
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// RecordingArtifact points at an archived session capture in object storage.
type RecordingArtifact struct {
	ID        string    `json:"id"`
	SlotID    string    `json:"slotId"`
	DJID      string    `json:"djId"`
	Bucket    string    `json:"bucket"`
	ObjectKey string    `json:"objectKey"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	Duration  int       `json:"durationSeconds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
