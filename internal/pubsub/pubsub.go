/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pubsub fans live platform state out to connected clients.
// Delivery is fire-and-forget and at-most-once: a lost message costs a
// client one refresh, never consistency, because every payload can be
// re-derived from the store.
package pubsub

import (
	"context"
	"time"
)

// Channel names. Per-stream traffic uses StreamChannel.
const (
	ChannelSchedule = "live-schedule"
	ChannelPlaylist = "live-playlist"
)

// Event names carried on the channels above.
const (
	EventScheduleUpdate = "schedule-update"
	EventPlaylistUpdate = "playlist-update"
	EventViewerUpdate   = "viewer-update"
	EventLikeUpdate     = "like-update"
	EventReaction       = "reaction"
	EventShoutout       = "shoutout"
	EventStreamStatus   = "stream-status"
)

// StreamChannel returns the per-stream channel for a slot.
func StreamChannel(slotID string) string {
	return "stream-" + slotID
}

// Publisher delivers one event to one channel. Implementations must not
// block beyond their transport timeout and must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Name() string
	Close() error
}

// Envelope is the JSON frame RedisBus and NATSBus exchange between nodes.
// NodeID lets a subscriber drop its own publishes.
type Envelope struct {
	Channel   string    `json:"channel"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}
