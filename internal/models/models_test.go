package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSlotOverlapsHalfOpen(t *testing.T) {
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	slot := Slot{StartTime: base, EndTime: base.Add(time.Hour)}

	cases := []struct {
		name  string
		start time.Time
		end   time.Time
		want  bool
	}{
		{"identical", base, base.Add(time.Hour), true},
		{"contained", base.Add(10 * time.Minute), base.Add(20 * time.Minute), true},
		{"straddles start", base.Add(-30 * time.Minute), base.Add(30 * time.Minute), true},
		{"straddles end", base.Add(30 * time.Minute), base.Add(90 * time.Minute), true},
		{"back to back after", base.Add(time.Hour), base.Add(2 * time.Hour), false},
		{"back to back before", base.Add(-time.Hour), base, false},
		{"disjoint", base.Add(3 * time.Hour), base.Add(4 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := slot.Overlaps(tc.start, tc.end); got != tc.want {
				t.Fatalf("Overlaps(%s, %s) = %v, want %v", tc.start, tc.end, got, tc.want)
			}
		})
	}
}

func TestSlotStatusSets(t *testing.T) {
	terminal := []SlotStatus{SlotCompleted, SlotFailed, SlotMissed, SlotCancelled}
	for _, st := range terminal {
		if !(&Slot{Status: st}).IsTerminal() {
			t.Errorf("status %s should be terminal", st)
		}
	}
	active := []SlotStatus{SlotScheduled, SlotInLobby, SlotConnecting, SlotLive, SlotQueued}
	for _, st := range active {
		if (&Slot{Status: st}).IsTerminal() {
			t.Errorf("status %s should not be terminal", st)
		}
	}

	// Conflict checks span booked and active states only.
	for _, st := range []SlotStatus{SlotScheduled, SlotInLobby, SlotLive, SlotQueued} {
		if !(&Slot{Status: st}).OccupiesChannel() {
			t.Errorf("status %s should occupy the channel", st)
		}
	}
	for _, st := range []SlotStatus{SlotCompleted, SlotCancelled, SlotFailed, SlotMissed} {
		if (&Slot{Status: st}).OccupiesChannel() {
			t.Errorf("status %s should not occupy the channel", st)
		}
	}

	// Completed streams still count against the quota; cancellations refund it.
	if !(&Slot{Status: SlotCompleted}).CountsTowardQuota() {
		t.Error("completed slot must count toward quota")
	}
	if (&Slot{Status: SlotCancelled}).CountsTowardQuota() {
		t.Error("cancelled slot must not count toward quota")
	}
	if (&Slot{Status: SlotMissed}).CountsTowardQuota() {
		t.Error("missed slot must not count toward quota")
	}
}

func TestSlotKeyMayValidate(t *testing.T) {
	ok := []SlotStatus{SlotScheduled, SlotInLobby, SlotConnecting, SlotLive}
	for _, st := range ok {
		if !(&Slot{Status: st}).KeyMayValidate() {
			t.Errorf("status %s should allow key validation", st)
		}
	}
	no := []SlotStatus{SlotQueued, SlotCompleted, SlotCancelled, SlotFailed, SlotMissed}
	for _, st := range no {
		if (&Slot{Status: st}).KeyMayValidate() {
			t.Errorf("status %s should reject key validation", st)
		}
	}
}

func TestValidDuration(t *testing.T) {
	for _, d := range AllowedDurations {
		if !ValidDuration(d) {
			t.Errorf("duration %d should be allowed", d)
		}
	}
	for _, d := range []int{0, 15, 90, 300, -30} {
		if ValidDuration(d) {
			t.Errorf("duration %d should be rejected", d)
		}
	}
}

func TestSlotPublicStripsStreamKey(t *testing.T) {
	s := &Slot{ID: "abc", StreamKey: "fwx_deadbeef_cafef00d_m1abc_0123456789ab"}
	pub := s.Public()
	if pub.StreamKey != "" {
		t.Fatal("Public() must clear the stream key")
	}
	if s.StreamKey == "" {
		t.Fatal("Public() must not mutate the source slot")
	}
	raw, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "fwx_") {
		t.Fatalf("serialized public slot leaks key material: %s", raw)
	}
}

func TestSubscriptionIsProActive(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"active pro", Subscription{Tier: TierPro, ExpiresAt: &future}, true},
		{"expired pro", Subscription{Tier: TierPro, ExpiresAt: &past}, false},
		{"pro without expiry", Subscription{Tier: TierPro}, false},
		{"free", Subscription{Tier: TierFree, ExpiresAt: &future}, false},
		{"zero value", Subscription{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sub.IsProActive(now); got != tc.want {
				t.Fatalf("IsProActive = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUserUsageMinutesOn(t *testing.T) {
	u := &UserUsage{StreamMinutesToday: 90, DayDate: "2026-06-01"}
	if got := u.MinutesOn("2026-06-01"); got != 90 {
		t.Fatalf("same-day minutes = %d, want 90", got)
	}
	if got := u.MinutesOn("2026-06-02"); got != 0 {
		t.Fatalf("stale usage row must read as zero, got %d", got)
	}
}

func TestArtistProfileGates(t *testing.T) {
	ok := &ArtistProfile{Approved: true}
	if !ok.CanBroadcast() {
		t.Error("approved artist should broadcast")
	}
	for _, p := range []*ArtistProfile{
		{Approved: false},
		{Approved: true, Suspended: true},
		{Approved: true, Banned: true},
	} {
		if p.CanBroadcast() {
			t.Errorf("profile %+v should not broadcast", p)
		}
	}

	relays := &ArtistProfile{
		Approved:       true,
		ApprovedRelays: []RelaySource{{URL: "https://partner.example/live", Name: "Partner"}},
	}
	if relays.ApprovedRelay("https://partner.example/live") == nil {
		t.Error("approved relay URL should match")
	}
	if relays.ApprovedRelay("https://other.example/live") != nil {
		t.Error("unknown relay URL should not match")
	}
}

func TestChatCleanupJobDue(t *testing.T) {
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	job := &ChatCleanupJob{Status: CleanupPending, CleanupAt: at}
	if job.Due(at.Add(-time.Second)) {
		t.Error("job must not be due before cleanupAt")
	}
	if !job.Due(at) {
		t.Error("job is due exactly at cleanupAt")
	}
	if !job.Due(at.Add(time.Hour)) {
		t.Error("job is due after cleanupAt")
	}
	done := &ChatCleanupJob{Status: CleanupCompleted, CleanupAt: at}
	if done.Due(at.Add(time.Hour)) {
		t.Error("completed job must not be due")
	}
}

func TestNormalizeTrackURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://youtu.be/xyz", "https://youtu.be/xyz"},
		{"  https://youtu.be/xyz  ", "https://youtu.be/xyz"},
		{"https://youtu.be/xyz/", "https://youtu.be/xyz"},
		{"https://soundcloud.com/a/b///", "https://soundcloud.com/a/b"},
	}
	for _, tc := range cases {
		if got := NormalizeTrackURL(tc.in); got != tc.want {
			t.Errorf("NormalizeTrackURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGlobalPlaylistHelpers(t *testing.T) {
	pl := &GlobalPlaylist{
		Queue: []PlaylistItem{
			{ID: "a", URL: "https://youtu.be/1", AddedBy: "u1"},
			{ID: "b", URL: "https://youtu.be/2", AddedBy: "u2"},
			{ID: "c", URL: "https://youtu.be/3", AddedBy: "u1"},
		},
		CurrentIndex: 1,
	}
	cur := pl.CurrentItem()
	if cur == nil || cur.ID != "b" {
		t.Fatalf("CurrentItem = %+v, want id b", cur)
	}
	if got := pl.CountOwnedBy("u1"); got != 2 {
		t.Fatalf("CountOwnedBy(u1) = %d, want 2", got)
	}
	if !pl.ContainsURL("https://youtu.be/2") {
		t.Error("ContainsURL should match queued URL")
	}
	if pl.ContainsURL("https://youtu.be/9") {
		t.Error("ContainsURL should not match absent URL")
	}

	empty := &GlobalPlaylist{CurrentIndex: 0}
	if empty.CurrentItem() != nil {
		t.Error("empty playlist has no current item")
	}
	oob := &GlobalPlaylist{Queue: []PlaylistItem{{ID: "a"}}, CurrentIndex: 5}
	if oob.CurrentItem() != nil {
		t.Error("out-of-range index has no current item")
	}
}
