/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reactions

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/ratelimit"
	"github.com/freqwax/freqwax_live/internal/store"
)

// drain pops the next envelope published for event, failing when none arrived.
func drain(t *testing.T, sub events.Subscriber) map[string]any {
	t.Helper()
	select {
	case p := <-sub:
		data, ok := p["data"].(map[string]any)
		if !ok {
			t.Fatalf("payload data = %T, want map", p["data"])
		}
		return data
	default:
		t.Fatal("no event was broadcast")
		return nil
	}
}

func TestLike_Accumulates(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	id := auth.Identity{UserID: "u1", Name: "Mara"}

	if _, err := svc.Like(context.Background(), id, "s1"); err != nil {
		t.Fatalf("first like: %v", err)
	}
	total, err := svc.Like(context.Background(), id, "s1")
	if err != nil {
		t.Fatalf("second like: %v", err)
	}
	if total != 2 {
		t.Fatalf("totalLikes = %d, want 2", total)
	}

	prior, err := svc.Prior(context.Background(), id, "s1")
	if err != nil {
		t.Fatalf("Prior: %v", err)
	}
	if prior.UserLikes != 2 || prior.TotalLikes != 2 {
		t.Fatalf("prior = %+v, want 2 user likes", prior)
	}
}

func TestLike_RequiresAuth(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	_, err := svc.Like(context.Background(), auth.Identity{}, "s1")
	if !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestRate_FirstRating(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	got, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", 5)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if got.Average != 5 || got.Count != 1 || got.YourRating != 5 {
		t.Fatalf("summary = %+v, want 5/1/5", got)
	}
	if slot := getStream(t, st, "s1"); slot.AverageRating != 5 || slot.RatingCount != 1 {
		t.Fatalf("slot aggregate = %v/%d", slot.AverageRating, slot.RatingCount)
	}
}

func TestRate_SecondUserGrowsCount(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	if _, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", 5); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	got, err := svc.Rate(context.Background(), auth.Identity{UserID: "u2"}, "s1", 3)
	if err != nil {
		t.Fatalf("second rating: %v", err)
	}
	if got.Average != 4 || got.Count != 2 {
		t.Fatalf("summary = %+v, want average 4 of 2", got)
	}
}

func TestRate_RevisionKeepsCount(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	if _, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", 5); err != nil {
		t.Fatalf("u1 rating: %v", err)
	}
	if _, err := svc.Rate(context.Background(), auth.Identity{UserID: "u2"}, "s1", 3); err != nil {
		t.Fatalf("u2 rating: %v", err)
	}

	// u1 revises 5 -> 1: (4*2 - 5 + 1) / 2 = 2, count stays 2.
	got, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", 1)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if math.Abs(got.Average-2) > 1e-9 || got.Count != 2 {
		t.Fatalf("summary = %+v, want average 2 of 2", got)
	}

	prior, err := svc.Prior(context.Background(), auth.Identity{UserID: "u1"}, "s1")
	if err != nil {
		t.Fatalf("Prior: %v", err)
	}
	if prior.UserRating != 1 {
		t.Fatalf("userRating = %d, want 1", prior.UserRating)
	}
}

func TestRate_OutOfRange(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	for _, rating := range []int{0, 6, -1} {
		_, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", rating)
		if !apperr.IsKind(err, apperr.KindInvalid) {
			t.Fatalf("Rate(%d) err = %v, want invalid", rating, err)
		}
	}
}

func TestRate_UpsertsOneRecord(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	id := auth.Identity{UserID: "u1"}

	if _, err := svc.Rate(context.Background(), id, "s1", 2); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if _, err := svc.Rate(context.Background(), id, "s1", 4); err != nil {
		t.Fatalf("revision: %v", err)
	}

	snaps, err := st.Query(context.Background(), models.CollectionReactions, store.Query{})
	if err != nil {
		t.Fatalf("query reactions: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("reaction records = %d, want 1 upserted row", len(snaps))
	}
}

func TestPrior_AnonymousGetsAggregatesOnly(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	if _, err := svc.Rate(context.Background(), auth.Identity{UserID: "u1"}, "s1", 4); err != nil {
		t.Fatalf("seed rating: %v", err)
	}

	prior, err := svc.Prior(context.Background(), auth.Identity{}, "s1")
	if err != nil {
		t.Fatalf("Prior: %v", err)
	}
	if prior.RatingCount != 1 || prior.UserRating != 0 || prior.UserLikes != 0 {
		t.Fatalf("prior = %+v, want aggregates only", prior)
	}
}

func TestEmoji_Broadcasts(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	sub := svc.events.Subscribe(events.EventReaction)

	err := svc.Emoji(context.Background(), EmojiRequest{
		StreamID:  "s1",
		Emoji:     "🔥",
		UserName:  "Mara",
		SessionID: "sess-a",
	})
	if err != nil {
		t.Fatalf("Emoji: %v", err)
	}

	data := drain(t, sub)
	if data["type"] != "emoji" || data["emoji"] != "🔥" {
		t.Fatalf("payload = %+v", data)
	}
}

func TestEmoji_Validation(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	err := svc.Emoji(context.Background(), EmojiRequest{StreamID: "s1", SessionID: "a"})
	if !apperr.IsKind(err, apperr.KindInvalid) {
		t.Fatalf("empty emoji err = %v, want invalid", err)
	}

	err = svc.Emoji(context.Background(), EmojiRequest{
		StreamID:  "s1",
		SessionID: "a",
		Emoji:     strings.Repeat("x", maxEmojiRunes+1),
	})
	if !apperr.IsKind(err, apperr.KindInvalid) {
		t.Fatalf("oversized emoji err = %v, want invalid", err)
	}
}

func TestEmoji_RateLimited(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	svc.limiter.SetLimit(ratelimit.ClassReaction, ratelimit.Limit{Requests: 1, Window: time.Minute})
	seedStream(t, st, "s1")

	req := EmojiRequest{StreamID: "s1", Emoji: "✨", SessionID: "a"}
	if err := svc.Emoji(context.Background(), req); err != nil {
		t.Fatalf("first emoji: %v", err)
	}
	err := svc.Emoji(context.Background(), req)
	if !apperr.IsKind(err, apperr.KindRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
}

func TestStar_ClampsBurst(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	sub := svc.events.Subscribe(events.EventReaction)

	if err := svc.Star(context.Background(), StarRequest{StreamID: "s1", Count: 0, SessionID: "a"}); err != nil {
		t.Fatalf("Star: %v", err)
	}
	if data := drain(t, sub); data["count"] != 1 {
		t.Fatalf("count = %v, want clamped to 1", data["count"])
	}

	if err := svc.Star(context.Background(), StarRequest{StreamID: "s1", Count: 9999, SessionID: "a"}); err != nil {
		t.Fatalf("Star: %v", err)
	}
	if data := drain(t, sub); data["count"] != maxStarBurst {
		t.Fatalf("count = %v, want clamped to %d", data["count"], maxStarBurst)
	}
}

func TestShoutout_LengthBounds(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	id := auth.Identity{UserID: "u1", Name: "Mara"}

	if err := svc.Shoutout(context.Background(), id, "s1", "   "); !apperr.IsKind(err, apperr.KindInvalid) {
		t.Fatalf("blank shoutout err = %v, want invalid", err)
	}
	if err := svc.Shoutout(context.Background(), id, "s1", strings.Repeat("a", 31)); !apperr.IsKind(err, apperr.KindInvalid) {
		t.Fatalf("oversized shoutout err = %v, want invalid", err)
	}
	// Length is counted in runes, not bytes: 30 flames are 120 bytes.
	if err := svc.Shoutout(context.Background(), id, "s1", strings.Repeat("🔥", 30)); err != nil {
		t.Fatalf("30-rune shoutout: %v", err)
	}
}

func TestShoutout_Broadcasts(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")
	sub := svc.events.Subscribe(events.EventShoutout)

	if err := svc.Shoutout(context.Background(), auth.Identity{UserID: "u1"}, "s1", "big up the selector"); err != nil {
		t.Fatalf("Shoutout: %v", err)
	}
	data := drain(t, sub)
	if data["message"] != "big up the selector" {
		t.Fatalf("message = %v", data["message"])
	}
	if data["name"] != "Anonymous" {
		t.Fatalf("name = %v, want Anonymous fallback", data["name"])
	}
}

func TestRunSweepsSessionsWhenStreamEnds(t *testing.T) {
	st := store.NewMemStore()
	svc := testService(t, st)
	seedStream(t, st, "s1")

	if _, err := svc.Join(context.Background(), PresenceRequest{StreamID: "s1", SessionID: "a"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	// Re-publish until the sweep observes it; Run subscribes asynchronously.
	deadline := time.After(2 * time.Second)
	for {
		svc.events.Publish(events.EventStreamEnded, events.Payload{"streamId": "s1"})
		session := getSession(t, st, "s1", "a")
		if !session.IsActive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session was not closed after stream end")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
