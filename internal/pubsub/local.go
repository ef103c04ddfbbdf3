/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pubsub

import (
	"context"

	"github.com/freqwax/freqwax_live/internal/events"
)

// LocalBus delivers wire events onto the in-process bus. It backs
// single-node deployments on its own and acts as the node-local mirror
// for every remote transport, feeding the WebSocket endpoint and the
// schedule cache invalidator.
type LocalBus struct {
	bus *events.Bus
}

// NewLocalBus wraps the in-process event bus.
func NewLocalBus(bus *events.Bus) *LocalBus {
	return &LocalBus{bus: bus}
}

func (l *LocalBus) Publish(_ context.Context, channel, event string, payload any) error {
	l.bus.Publish(localEventType(event), events.Payload{
		"channel": channel,
		"event":   event,
		"data":    payload,
	})
	return nil
}

func (l *LocalBus) Name() string { return "local" }

func (l *LocalBus) Close() error { return nil }

// localEventType maps a wire event name onto the in-process event type.
func localEventType(event string) events.EventType {
	switch event {
	case EventScheduleUpdate:
		return events.EventScheduleUpdate
	case EventViewerUpdate:
		return events.EventViewerUpdate
	case EventLikeUpdate:
		return events.EventLikeUpdate
	case EventReaction:
		return events.EventReaction
	case EventShoutout:
		return events.EventShoutout
	case EventPlaylistUpdate:
		return events.EventPlaylistUpdate
	case EventStreamStatus:
		return events.EventStreamLive
	default:
		return events.EventType(event)
	}
}
