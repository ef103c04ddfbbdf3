/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "freqwax.events."

// NATSBus relays events between nodes over NATS subjects. The client
// reconnects forever; envelopes published while disconnected are dropped,
// which at-most-once delivery permits.
type NATSBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *LocalBus
	nodeID string
	logger zerolog.Logger
}

// NewNATSBus connects to the NATS server and starts the fan-in
// subscription on freqwax.events.>.
func NewNATSBus(url, nodeID string, local *LocalBus, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "nats_bus").Logger()

	conn, err := nats.Connect(url,
		nats.Name("freqwax-live"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	bus := &NATSBus{
		conn:   conn,
		local:  local,
		nodeID: nodeID,
		logger: log,
	}

	sub, err := conn.Subscribe(natsSubjectPrefix+">", bus.handleMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to event subjects: %w", err)
	}
	bus.sub = sub

	log.Info().Str("url", url).Msg("nats event fan-in started")
	return bus, nil
}

func (n *NATSBus) Publish(_ context.Context, channel, event string, payload any) error {
	raw, err := json.Marshal(Envelope{
		Channel:   channel,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    n.nodeID,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := n.conn.Publish(natsSubjectPrefix+channel, raw); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, channel, err)
	}
	return nil
}

func (n *NATSBus) handleMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed envelope")
		return
	}
	if env.NodeID == n.nodeID {
		return
	}
	_ = n.local.Publish(context.Background(), env.Channel, env.Event, env.Payload)
}

func (n *NATSBus) Name() string { return "nats" }

func (n *NATSBus) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.conn.Close()
	return nil
}
