/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"testing"
	"time"

	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

func TestTick_CompletesOverdueLive(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-90*time.Minute), 60)

	svc.tick(context.Background())

	got := getSlot(t, st, slot.ID)
	if got.Status != models.SlotCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.EndReason != models.EndReasonScheduledEnd {
		t.Fatalf("endReason = %q, want scheduled_end", got.EndReason)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(testNow) {
		t.Fatalf("endedAt = %v, want %v", got.EndedAt, testNow)
	}

	// The full 90 streamed minutes land on the day's usage counter.
	var usage models.UserUsage
	if err := st.Get(context.Background(), models.CollectionUserUsage, "dj1", &usage); err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if usage.StreamMinutesToday != 90 {
		t.Fatalf("streamMinutesToday = %d, want 90", usage.StreamMinutesToday)
	}
}

func TestTick_HandsChannelToWaitingLobby(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	live := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-60*time.Minute), 60)
	next := seedSlot(t, svc, st, "dj2", models.SlotInLobby, testNow.Add(2*time.Minute), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, live.ID); got.Status != models.SlotCompleted {
		t.Fatalf("live slot status = %q, want completed", got.Status)
	}
	got := getSlot(t, st, next.ID)
	if got.Status != models.SlotLive {
		t.Fatalf("lobby slot status = %q, want live", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(testNow) {
		t.Fatalf("startedAt = %v, want %v", got.StartedAt, testNow)
	}
}

func TestTick_PromotesDueLobbyWhenChannelIdle(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotInLobby, testNow.Add(-1*time.Minute), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, slot.ID); got.Status != models.SlotLive {
		t.Fatalf("status = %q, want live", got.Status)
	}

	// The public projection reflects the promotion.
	var rec models.LiveStreamRecord
	if err := st.Get(context.Background(), models.CollectionLiveStreams, slot.ID, &rec); err != nil {
		t.Fatalf("get live record: %v", err)
	}
	if rec.Status != "live" {
		t.Fatalf("record status = %q, want live", rec.Status)
	}
}

func TestTick_FutureLobbyWaits(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotInLobby, testNow.Add(10*time.Minute), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, slot.ID); got.Status != models.SlotInLobby {
		t.Fatalf("status = %q, want in_lobby", got.Status)
	}
}

func TestTick_LobbyWaitsWhileChannelBusy(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	live := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-10*time.Minute), 60)
	lobby := seedSlot(t, svc, st, "dj2", models.SlotInLobby, testNow.Add(-1*time.Minute), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, live.ID); got.Status != models.SlotLive {
		t.Fatalf("live slot status = %q, want live", got.Status)
	}
	if got := getSlot(t, st, lobby.ID); got.Status != models.SlotInLobby {
		t.Fatalf("lobby slot status = %q, want in_lobby", got.Status)
	}
}

func TestTick_MarksAbandonedScheduledMissed(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotScheduled, testNow.Add(-2*time.Hour), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, slot.ID); got.Status != models.SlotMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
}

func TestTick_ScheduledSlotStillInWindowKept(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotScheduled, testNow.Add(-30*time.Minute), 60)

	svc.tick(context.Background())

	if got := getSlot(t, st, slot.ID); got.Status != models.SlotScheduled {
		t.Fatalf("status = %q, want scheduled", got.Status)
	}
}

func TestTick_EmptyStoreIsQuiet(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	svc.tick(context.Background())
}
