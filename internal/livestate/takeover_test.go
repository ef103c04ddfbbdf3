/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package livestate

import (
	"context"
	"testing"
	"time"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

func TestApproveTakeover_TransfersOwnership(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)
	oldKey := slot.StreamKey

	got, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID, "dj2")
	if err != nil {
		t.Fatalf("ApproveTakeover: %v", err)
	}
	if got.DJID != "dj2" || got.DJName != "Nocturne" {
		t.Fatalf("owner = %s/%s, want dj2/Nocturne", got.DJID, got.DJName)
	}
	if got.StreamKey == "" || got.StreamKey == oldKey {
		t.Fatalf("streamKey = %q, want a fresh key for the new owner", got.StreamKey)
	}
	if len(got.TakeoverHistory) != 1 {
		t.Fatalf("history entries = %d, want 1", len(got.TakeoverHistory))
	}
	entry := got.TakeoverHistory[0]
	if entry.FromDJID != "dj1" || entry.ToDJID != "dj2" || !entry.At.Equal(testNow) {
		t.Fatalf("history entry = %+v", entry)
	}

	persisted := getSlot(t, st, slot.ID)
	if persisted.DJID != "dj2" || persisted.StreamKey != got.StreamKey {
		t.Fatalf("persisted owner = %s key = %q", persisted.DJID, persisted.StreamKey)
	}
	// The outgoing credential must stop resolving to the slot.
	if err := st.Get(context.Background(), models.CollectionSlots, slot.ID, &persisted); err != nil {
		t.Fatalf("get: %v", err)
	}
	if persisted.StreamKey == oldKey {
		t.Fatal("old stream key survived the transfer")
	}
}

func TestApproveTakeover_AdminMayApprove(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)

	if _, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "mod", Admin: true}, slot.ID, "dj2"); err != nil {
		t.Fatalf("ApproveTakeover as admin: %v", err)
	}
}

func TestApproveTakeover_NonOwnerForbidden(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)

	_, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj3"}, slot.ID, "dj2")
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestApproveTakeover_UnapprovedArtistRejected(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)

	// dj2 has no artist profile at all.
	_, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID, "dj2")
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if persisted := getSlot(t, st, slot.ID); persisted.DJID != "dj1" {
		t.Fatalf("owner changed to %s despite rejection", persisted.DJID)
	}
}

func TestApproveTakeover_OnlyLiveSlots(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotScheduled, testNow.Add(1*time.Hour), 60)

	_, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID, "dj2")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestApproveTakeover_DisabledByConfig(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	svc.cfg.AllowTakeover = false
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)

	_, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID, "dj2")
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestApproveTakeover_RelayKeepsEmptyKey(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)
	slot.IsRelay = true
	slot.StreamKey = ""
	slot.RelaySource = &models.RelaySource{URL: "https://relay.example/a.m3u8"}
	if err := st.Set(context.Background(), models.CollectionSlots, slot.ID, slot); err != nil {
		t.Fatalf("set relay slot: %v", err)
	}

	got, err := svc.ApproveTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID, "dj2")
	if err != nil {
		t.Fatalf("ApproveTakeover: %v", err)
	}
	if got.StreamKey != "" {
		t.Fatalf("streamKey = %q, want none for relay slots", got.StreamKey)
	}
}

func TestRequestTakeover_RequiresLiveSlot(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj2", "Nocturne")
	slot := seedSlot(t, svc, st, "dj1", models.SlotInLobby, testNow.Add(5*time.Minute), 60)

	err := svc.RequestTakeover(context.Background(), auth.Identity{UserID: "dj2"}, slot.ID)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestRequestTakeover_OwnerCannotRequestOwnStream(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedArtist(t, st, "dj1", "Selva")
	slot := seedSlot(t, svc, st, "dj1", models.SlotLive, testNow.Add(-20*time.Minute), 60)

	err := svc.RequestTakeover(context.Background(), auth.Identity{UserID: "dj1"}, slot.ID)
	if !apperr.IsKind(err, apperr.KindInvalid) {
		t.Fatalf("err = %v, want invalid", err)
	}
}
