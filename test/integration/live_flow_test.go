/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/reactions"
	"github.com/freqwax/freqwax_live/internal/scheduler"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/streamkey"
)

// setupTestStore opens an in-memory SQLite database and returns the
// relational store backed by it. This is the same store implementation
// production runs against Postgres, so the document codec, the in-process
// filters, and the transaction path all get exercised for real.
func setupTestStore(t *testing.T) *store.GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: nil, // Disable GORM logging in tests
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return store.NewGormStore(db)
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSigningKey:              "test-jwt-secret",
		StreamKeyPrefix:            "fwx",
		SigningSecret:              "test-signing-secret",
		WebhookSecret:              "test-webhook-secret",
		RTMPBase:                   "rtmp://ingest.test/live",
		HLSBase:                    "https://stream.test/hls",
		RevealMinutes:              15,
		IngestRevealMinutes:        30,
		GraceMinutes:               3,
		IngestGraceMinutes:         5,
		SessionEndCountdownSeconds: 10,
		DefaultDailyHours:          2,
		FreeDailyMinutes:           60,
		DefaultWeeklySlots:         2,
		DailyCapTimezone:           "UTC",
		AllowGoLiveNow:             true,
		AllowGoLiveAfter:           true,
		AllowTakeover:              true,
		TrackCooldown:              time.Hour,
		MaxTrackDuration:           10 * time.Minute,
	}
}

// liveServices is the service set a single node runs, wired over one store
// and one in-process event fan-out.
type liveServices struct {
	store     *store.GormStore
	keys      *streamkey.Service
	scheduler *scheduler.Service
	live      *livestate.Service
	reactions *reactions.Service
}

func newLiveServices(t *testing.T) *liveServices {
	t.Helper()

	st := setupTestStore(t)
	cfg := testConfig()
	logger := zerolog.Nop()
	domain := events.NewBus()
	bus := pubsub.NewBroadcaster(pubsub.NewLocalBus(domain), nil, logger)
	keys := streamkey.New(st, cfg, logger)

	return &liveServices{
		store:     st,
		keys:      keys,
		scheduler: scheduler.New(st, keys, bus, domain, cfg, logger),
		live:      livestate.New(st, keys, bus, domain, cfg, logger),
		reactions: reactions.New(st, bus, domain, ratelimit.New(), logger),
	}
}

func seedArtist(t *testing.T, st store.Store, djID string) {
	t.Helper()
	err := st.Set(context.Background(), models.CollectionArtists, djID, models.ArtistProfile{
		ArtistName: djID,
		Approved:   true,
	})
	if err != nil {
		t.Fatalf("seed artist: %v", err)
	}
}

// TestBroadcastDayLifecycle walks one slot through the whole broadcast day
// against the relational store: booking, the ingest key handshake, the
// publish webhook, viewer presence, the public status feed, the manual end,
// and finally history and usage accounting.
func TestBroadcastDayLifecycle(t *testing.T) {
	svc := newLiveServices(t)
	ctx := context.Background()
	dj := auth.Identity{UserID: "dj-nova", Name: "Nova"}
	seedArtist(t, svc.store, dj.UserID)

	slot, err := svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
		Start:    time.Now().Add(10 * time.Minute),
		Duration: 60,
		Title:    "Late Night Transmission",
		Genre:    "techno",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if slot.Status != models.SlotScheduled {
		t.Fatalf("expected scheduled, got %s", slot.Status)
	}
	if slot.StreamKey == "" {
		t.Fatal("expected a stream key on the booked slot")
	}

	// The booking must be durable, not just returned.
	var stored models.Slot
	if err := svc.store.Get(ctx, models.CollectionSlots, slot.ID, &stored); err != nil {
		t.Fatalf("re-read slot: %v", err)
	}
	if stored.StreamKey != slot.StreamKey {
		t.Fatalf("stored key %q != issued key %q", stored.StreamKey, slot.StreamKey)
	}

	t.Run("IngestHandshake", func(t *testing.T) {
		validated, err := svc.keys.Validate(ctx, slot.StreamKey)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if validated.ID != slot.ID {
			t.Fatalf("key resolved to slot %s, want %s", validated.ID, slot.ID)
		}
		if validated.Status != models.SlotConnecting {
			t.Fatalf("expected connecting after validation, got %s", validated.Status)
		}
	})

	t.Run("PublishWebhook", func(t *testing.T) {
		err := svc.live.HandleWebhook(ctx, livestate.WebhookEvent{
			Event:     "publish",
			StreamKey: slot.StreamKey,
		}, "203.0.113.9")
		if err != nil {
			t.Fatalf("publish webhook: %v", err)
		}

		var stored models.Slot
		if err := svc.store.Get(ctx, models.CollectionSlots, slot.ID, &stored); err != nil {
			t.Fatalf("re-read slot: %v", err)
		}
		if stored.Status != models.SlotLive {
			t.Fatalf("expected live after publish, got %s", stored.Status)
		}
		if stored.StartedAt == nil {
			t.Fatal("expected startedAt to be set")
		}
	})

	t.Run("ViewerPresence", func(t *testing.T) {
		first, err := svc.reactions.Join(ctx, reactions.PresenceRequest{
			StreamID:  slot.ID,
			SessionID: "sess-a",
		})
		if err != nil {
			t.Fatalf("join a: %v", err)
		}
		if first.CurrentViewers != 1 || first.TotalViews != 1 {
			t.Fatalf("unexpected counters after first join: %+v", first)
		}

		second, err := svc.reactions.Join(ctx, reactions.PresenceRequest{
			StreamID:  slot.ID,
			UserID:    "listener-2",
			SessionID: "sess-b",
		})
		if err != nil {
			t.Fatalf("join b: %v", err)
		}
		if second.CurrentViewers != 2 || second.PeakViewers != 2 {
			t.Fatalf("unexpected counters after second join: %+v", second)
		}

		after, err := svc.reactions.Leave(ctx, reactions.PresenceRequest{
			StreamID:  slot.ID,
			SessionID: "sess-a",
		})
		if err != nil {
			t.Fatalf("leave a: %v", err)
		}
		if after.CurrentViewers != 1 || after.PeakViewers != 2 {
			t.Fatalf("unexpected counters after leave: %+v", after)
		}
	})

	t.Run("StatusFeed", func(t *testing.T) {
		view, err := svc.live.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !view.IsLive {
			t.Fatal("expected isLive=true")
		}
		if view.PrimaryStream == nil || view.PrimaryStream.SlotID != slot.ID {
			t.Fatalf("unexpected primary stream: %+v", view.PrimaryStream)
		}
		if view.PrimaryStream.CurrentViewers != 1 {
			t.Fatalf("expected 1 current viewer in feed, got %d", view.PrimaryStream.CurrentViewers)
		}
	})

	t.Run("EndStream", func(t *testing.T) {
		ended, err := svc.scheduler.EndStream(ctx, dj, slot.ID)
		if err != nil {
			t.Fatalf("end stream: %v", err)
		}
		if ended.Status != models.SlotCompleted {
			t.Fatalf("expected completed, got %s", ended.Status)
		}
		if ended.EndReason != models.EndReasonManual {
			t.Fatalf("expected manual end reason, got %s", ended.EndReason)
		}

		// Ending twice stays idempotent.
		again, err := svc.scheduler.EndStream(ctx, dj, slot.ID)
		if err != nil {
			t.Fatalf("second end: %v", err)
		}
		if again.Status != models.SlotCompleted {
			t.Fatalf("expected completed on repeat end, got %s", again.Status)
		}
	})

	t.Run("HistoryAndUsage", func(t *testing.T) {
		history, err := svc.scheduler.QueryHistory(ctx, dj.UserID, 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || history[0].ID != slot.ID {
			t.Fatalf("unexpected history: %+v", history)
		}

		var usage models.UserUsage
		if err := svc.store.Get(ctx, models.CollectionUserUsage, dj.UserID, &usage); err != nil {
			t.Fatalf("read usage: %v", err)
		}
		day := time.Now().UTC().Format("2006-01-02")
		if usage.MinutesOn(day) < 1 {
			t.Fatalf("expected at least one streamed minute recorded, got %d", usage.MinutesOn(day))
		}
	})
}

// TestQuotaEnforcementAcrossBookings checks that the daily cap and the
// weekly slot limit hold over the relational store, where quota reads go
// through Query rather than in-memory maps.
func TestQuotaEnforcementAcrossBookings(t *testing.T) {
	svc := newLiveServices(t)
	ctx := context.Background()
	dj := auth.Identity{UserID: "dj-echo", Name: "Echo"}
	seedArtist(t, svc.store, dj.UserID)

	// Anchor bookings to fixed hours on future days so every subtest
	// agrees on which calendar day a booking lands on.
	day1 := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	day2 := day1.Add(24 * time.Hour)

	if _, err := svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
		Start:    day1.Add(10 * time.Hour),
		Duration: 60,
		Title:    "First Hour",
	}); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	// The free tier allows sixty minutes per day; a second same-day
	// booking must be refused as a quota violation, not a conflict.
	_, err := svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
		Start:    day1.Add(14 * time.Hour),
		Duration: 30,
		Title:    "Over Cap",
	})
	if !apperr.IsKind(err, apperr.KindQuota) {
		t.Fatalf("expected quota error for same-day booking, got %v", err)
	}

	// A different day is fine and uses up the second weekly slot.
	if _, err := svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
		Start:    day2.Add(10 * time.Hour),
		Duration: 60,
		Title:    "Second Day",
	}); err != nil {
		t.Fatalf("second-day booking: %v", err)
	}

	// The third slot in the same ISO week hits the weekly limit. Walk
	// forward a day at a time; if the horizon crosses into a new ISO
	// week the limit resets, so only assert when the week matches.
	day3 := day2.Add(24 * time.Hour)
	y1, w1 := day1.ISOWeek()
	y3, w3 := day3.ISOWeek()
	if y1 == y3 && w1 == w3 {
		_, err = svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
			Start:    day3.Add(10 * time.Hour),
			Duration: 60,
			Title:    "Third Slot",
		})
		if !apperr.IsKind(err, apperr.KindQuota) {
			t.Fatalf("expected weekly quota error, got %v", err)
		}
	}
}

// TestDisconnectBeforeScheduledEnd covers the encoder-drop path: an
// unpublish arriving before the scheduled end marks the slot failed, and
// the key cannot authenticate a restart once the slot is terminal.
func TestDisconnectBeforeScheduledEnd(t *testing.T) {
	svc := newLiveServices(t)
	ctx := context.Background()
	dj := auth.Identity{UserID: "dj-vex", Name: "Vex"}
	seedArtist(t, svc.store, dj.UserID)

	slot, err := svc.scheduler.Book(ctx, dj, scheduler.BookRequest{
		Start:    time.Now().Add(5 * time.Minute),
		Duration: 120,
		Title:    "Doomed Session",
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := svc.keys.Validate(ctx, slot.StreamKey); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := svc.live.HandleWebhook(ctx, livestate.WebhookEvent{
		Event:     "publish",
		StreamKey: slot.StreamKey,
	}, "203.0.113.9"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := svc.live.HandleWebhook(ctx, livestate.WebhookEvent{
		Event:     "unpublish",
		StreamKey: slot.StreamKey,
	}, "203.0.113.9"); err != nil {
		t.Fatalf("unpublish: %v", err)
	}

	var stored models.Slot
	if err := svc.store.Get(ctx, models.CollectionSlots, slot.ID, &stored); err != nil {
		t.Fatalf("re-read slot: %v", err)
	}
	if stored.Status != models.SlotFailed {
		t.Fatalf("expected failed after early unpublish, got %s", stored.Status)
	}
	if stored.EndReason != models.EndReasonDisconnected {
		t.Fatalf("expected disconnected end reason, got %s", stored.EndReason)
	}

	if _, err := svc.keys.Validate(ctx, slot.StreamKey); err == nil {
		t.Fatal("expected validation to fail for a terminal slot")
	}
}
