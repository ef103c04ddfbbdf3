/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pubsub

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// Broadcaster is what services publish through. Every event lands on the
// local bus first, so this node's WebSocket clients and cache invalidator
// always see it; the remote transport is best-effort. Remote failures are
// logged and counted, never surfaced to the caller: a state transition
// must not fail because fan-out did.
type Broadcaster struct {
	local  *LocalBus
	remote Publisher
	logger zerolog.Logger
}

// NewBroadcaster wires the local mirror and an optional remote transport.
// remote may be nil for single-node deployments.
func NewBroadcaster(local *LocalBus, remote Publisher, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		local:  local,
		remote: remote,
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Publish fans one event out. Never returns an error.
func (b *Broadcaster) Publish(ctx context.Context, channel, event string, payload any) {
	_ = b.local.Publish(ctx, channel, event, payload)

	if b.remote == nil {
		telemetry.EventPublishTotal.WithLabelValues("local", "ok").Inc()
		return
	}

	if err := b.remote.Publish(ctx, channel, event, payload); err != nil {
		telemetry.EventPublishTotal.WithLabelValues(b.remote.Name(), "error").Inc()
		b.logger.Warn().
			Err(err).
			Str("transport", b.remote.Name()).
			Str("channel", channel).
			Str("event", event).
			Msg("remote publish failed")
		return
	}
	telemetry.EventPublishTotal.WithLabelValues(b.remote.Name(), "ok").Inc()
}

// Close releases the remote transport.
func (b *Broadcaster) Close() error {
	if b.remote == nil {
		return nil
	}
	return b.remote.Close()
}
