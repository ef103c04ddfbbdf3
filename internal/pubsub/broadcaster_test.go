package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/events"
)

type recordingPublisher struct {
	channel string
	event   string
	payload any
	err     error
	closed  bool
}

func (r *recordingPublisher) Publish(_ context.Context, channel, event string, payload any) error {
	r.channel = channel
	r.event = event
	r.payload = payload
	return r.err
}

func (r *recordingPublisher) Name() string { return "stub" }

func (r *recordingPublisher) Close() error {
	r.closed = true
	return nil
}

func TestBroadcasterMirrorsLocally(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventLikeUpdate)
	b := NewBroadcaster(NewLocalBus(bus), nil, zerolog.Nop())

	b.Publish(context.Background(), StreamChannel("slot-1"), EventLikeUpdate, map[string]any{"totalLikes": 7})

	select {
	case payload := <-sub:
		if payload["channel"] != "stream-slot-1" {
			t.Errorf("channel = %v", payload["channel"])
		}
		if payload["event"] != EventLikeUpdate {
			t.Errorf("event = %v", payload["event"])
		}
		data, ok := payload["data"].(map[string]any)
		if !ok || data["totalLikes"] != 7 {
			t.Errorf("data = %v", payload["data"])
		}
	case <-time.After(time.Second):
		t.Fatal("local subscriber never received the event")
	}
}

func TestBroadcasterForwardsToRemote(t *testing.T) {
	remote := &recordingPublisher{}
	b := NewBroadcaster(NewLocalBus(events.NewBus()), remote, zerolog.Nop())

	b.Publish(context.Background(), ChannelSchedule, EventScheduleUpdate, "refresh")

	if remote.channel != ChannelSchedule || remote.event != EventScheduleUpdate {
		t.Errorf("remote got %s/%s", remote.channel, remote.event)
	}
	if remote.payload != "refresh" {
		t.Errorf("payload = %v", remote.payload)
	}
}

func TestBroadcasterSwallowsRemoteFailure(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventReaction)
	remote := &recordingPublisher{err: errors.New("transport down")}
	b := NewBroadcaster(NewLocalBus(bus), remote, zerolog.Nop())

	// Must not panic or surface the error anywhere.
	b.Publish(context.Background(), StreamChannel("slot-2"), EventReaction, map[string]any{"emoji": "🔥"})

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("remote failure must not block local delivery")
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(NewLocalBus(events.NewBus()), nil, zerolog.Nop())
	if err := b.Close(); err != nil {
		t.Fatalf("close with nil remote: %v", err)
	}

	remote := &recordingPublisher{}
	b = NewBroadcaster(NewLocalBus(events.NewBus()), remote, zerolog.Nop())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !remote.closed {
		t.Error("remote transport not closed")
	}
}
