/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Schedule and slot lifecycle events
	EventScheduleUpdate EventType = "schedule.update"
	EventSlotBooked     EventType = "slot.booked"
	EventSlotCancelled  EventType = "slot.cancelled"
	EventStreamLive     EventType = "stream.live"
	EventStreamEnded    EventType = "stream.ended"
	EventStreamFailed   EventType = "stream.failed"
	EventStreamMissed   EventType = "stream.missed"
	EventTakeover       EventType = "stream.takeover"

	// Viewer and reaction events
	EventViewerUpdate EventType = "viewer.update"
	EventLikeUpdate   EventType = "like.update"
	EventReaction     EventType = "reaction"
	EventShoutout     EventType = "shoutout"

	// Playlist events
	EventPlaylistUpdate EventType = "playlist.update"

	// Ingest edge events
	EventIngestPublish   EventType = "ingest.publish"
	EventIngestUnpublish EventType = "ingest.unpublish"
	EventRecordingSaved  EventType = "ingest.recording_saved"

	// Cache invalidation events
	EventCacheScheduleInvalidate EventType = "cache.schedule_invalidate"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
