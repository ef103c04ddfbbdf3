/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// wireSubscriptions maps the event names clients may request in ?types=
// onto the in-process bus types the relay listens on.
var wireSubscriptions = map[string]events.EventType{
	pubsub.EventScheduleUpdate: events.EventScheduleUpdate,
	pubsub.EventViewerUpdate:   events.EventViewerUpdate,
	pubsub.EventLikeUpdate:     events.EventLikeUpdate,
	pubsub.EventReaction:       events.EventReaction,
	pubsub.EventShoutout:       events.EventShoutout,
	pubsub.EventPlaylistUpdate: events.EventPlaylistUpdate,
	pubsub.EventStreamStatus:   events.EventStreamLive,
}

// eventFrame is one message on the client socket.
type eventFrame struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleEvents upgrades to a WebSocket and relays platform events.
// ?types=reaction,viewer-update narrows the feed; ?streamId= drops
// per-stream traffic belonging to other streams. Anonymous viewers are
// welcome; a token only matters for future privileged event types.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	types := requestedTypes(r.URL.Query().Get("types"))
	if len(types) == 0 {
		a.writeError(w, r, apperr.Invalid("no recognized event types requested"))
		return
	}
	streamID := r.URL.Query().Get("streamId")

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIActiveConnections.Inc()
	defer telemetry.APIActiveConnections.Dec()

	ctx := r.Context()

	// One subscription per requested type, fanned into a single channel.
	// Unsubscribe closes each subscriber, which ends its forwarder.
	merged := make(chan events.Payload, 32)
	subs := make(map[events.EventType]events.Subscriber, len(types))
	for _, t := range types {
		sub := a.bus.Subscribe(t)
		subs[t] = sub
		go func(ch events.Subscriber) {
			for p := range ch {
				select {
				case merged <- p:
				default: // slow client; drop rather than stall the bus
				}
			}
		}(sub)
	}
	defer func() {
		for t, sub := range subs {
			a.bus.Unsubscribe(t, sub)
		}
	}()

	if err := writeFrame(ctx, conn, eventFrame{Type: "connected", Timestamp: time.Now()}); err != nil {
		return
	}

	// Drain client frames so pongs and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "server shutting down")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := writeFrame(ctx, conn, eventFrame{Type: "ping", Timestamp: time.Now()}); err != nil {
				return
			}

		case p := <-merged:
			frame, ok := frameFor(p, streamID)
			if !ok {
				continue
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

// requestedTypes parses ?types=; empty means everything.
func requestedTypes(param string) []events.EventType {
	if param == "" {
		all := make([]events.EventType, 0, len(wireSubscriptions))
		for _, t := range wireSubscriptions {
			all = append(all, t)
		}
		return all
	}

	seen := make(map[events.EventType]bool)
	var out []events.EventType
	for _, name := range strings.Split(param, ",") {
		t, ok := wireSubscriptions[strings.TrimSpace(name)]
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// frameFor shapes a bus payload for the wire, applying the per-stream
// filter. Global channels always pass.
func frameFor(p events.Payload, streamID string) (eventFrame, bool) {
	channel, _ := p["channel"].(string)
	event, _ := p["event"].(string)
	if event == "" {
		return eventFrame{}, false
	}
	if streamID != "" && strings.HasPrefix(channel, "stream-") && channel != pubsub.StreamChannel(streamID) {
		return eventFrame{}, false
	}
	return eventFrame{
		Type:      event,
		Channel:   channel,
		Timestamp: time.Now(),
		Data:      p["data"],
	}, true
}

func writeFrame(ctx context.Context, conn *ws.Conn, frame eventFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, raw)
}
