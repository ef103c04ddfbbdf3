package streamkey

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		StreamKeyPrefix:     "fwx",
		SigningSecret:       "test-signing-secret",
		WebhookSecret:       "test-webhook-secret",
		RTMPBase:            "rtmp://ingest.test/live",
		HLSBase:             "https://stream.test/hls",
		RevealMinutes:       15,
		IngestRevealMinutes: 30,
		GraceMinutes:        3,
		IngestGraceMinutes:  5,
	}
}

func testService(t *testing.T, st store.Store, now time.Time) *Service {
	t.Helper()
	svc := New(st, testConfig(), zerolog.Nop())
	svc.now = func() time.Time { return now }
	return svc
}

func seedSlot(t *testing.T, st store.Store, svc *Service, slot models.Slot) models.Slot {
	t.Helper()
	if slot.StreamKey == "" {
		slot.StreamKey = svc.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)
	}
	if err := st.Set(context.Background(), models.CollectionSlots, slot.ID, slot); err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	return slot
}

func TestGenerate_Shape(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	svc := testService(t, store.NewMemStore(), now)

	key := svc.Generate("dj-abcdef1234", "slot-9876543210", now, now.Add(time.Hour))

	parts, err := svc.Parse(key)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parts.Prefix != "fwx" {
		t.Fatalf("prefix = %q, want fwx", parts.Prefix)
	}
	if parts.DJIDShort != "dj-abcde" {
		t.Fatalf("dj short = %q, want first 8 chars", parts.DJIDShort)
	}
	if parts.SlotIDShort != "slot-987" {
		t.Fatalf("slot short = %q, want first 8 chars", parts.SlotIDShort)
	}
	if parts.StartUnix != now.Unix() {
		t.Fatalf("start unix = %d, want %d", parts.StartUnix, now.Unix())
	}
	if len(parts.Signature) != 12 {
		t.Fatalf("signature length = %d, want 12", len(parts.Signature))
	}
}

func TestGenerate_SignatureBindsWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	svc := testService(t, store.NewMemStore(), now)

	a := svc.Generate("dj1", "slot1", now, now.Add(time.Hour))
	b := svc.Generate("dj1", "slot1", now, now.Add(2*time.Hour))
	if a == b {
		t.Fatalf("expected different keys for different windows")
	}
}

func TestParse_Rejects(t *testing.T) {
	svc := testService(t, store.NewMemStore(), time.Now())

	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"too few parts", "fwx_a_b_c"},
		{"too many parts", "fwx_a_b_c_d_e"},
		{"wrong prefix", "other_djabcdef_slotabcd_m4k2_0123456789ab"},
		{"bad timestamp", "fwx_djabcdef_slotabcd_!!!!_0123456789ab"},
		{"empty segment", "fwx__slotabcd_m4k2_0123456789ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Parse(tc.key); !errors.Is(err, ErrMalformedKey) {
				t.Fatalf("Parse(%q) = %v, want ErrMalformedKey", tc.key, err)
			}
		})
	}
}

func TestValidate_AcceptsAndPromotes(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 50, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC),
		Status:    models.SlotScheduled,
		CreatedAt: now.Add(-time.Hour),
	})

	got, err := svc.Validate(context.Background(), slot.StreamKey)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != slot.ID {
		t.Fatalf("slot id = %q, want %q", got.ID, slot.ID)
	}
	if got.Status != models.SlotConnecting {
		t.Fatalf("status = %q, want connecting", got.Status)
	}

	var persisted models.Slot
	if err := st.Get(context.Background(), models.CollectionSlots, slot.ID, &persisted); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.Status != models.SlotConnecting {
		t.Fatalf("persisted status = %q, want connecting", persisted.Status)
	}
}

func TestValidate_LiveSlotStaysLive(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 30, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC),
		Status:    models.SlotLive,
	})

	got, err := svc.Validate(context.Background(), slot.StreamKey)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Status != models.SlotLive {
		t.Fatalf("status = %q, want live unchanged", got.Status)
	}
}

func TestValidate_UnknownKey(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	svc := testService(t, store.NewMemStore(), now)

	key := svc.Generate("dj0001", "slot0001", now, now.Add(time.Hour))
	if _, err := svc.Validate(context.Background(), key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Validate = %v, want ErrKeyNotFound", err)
	}
}

func TestValidate_TooEarlyReportsMinutes(t *testing.T) {
	// Key window opens 30 minutes before start; an attempt 90 minutes out
	// should report 60 minutes until valid.
	now := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC),
		Status:    models.SlotScheduled,
	})

	_, err := svc.Validate(context.Background(), slot.StreamKey)
	if !errors.Is(err, ErrTooEarly) {
		t.Fatalf("Validate = %v, want ErrTooEarly", err)
	}
	var tooEarly *TooEarlyError
	if !errors.As(err, &tooEarly) {
		t.Fatalf("expected TooEarlyError, got %T", err)
	}
	if tooEarly.MinutesUntilValid != 60 {
		t.Fatalf("minutes until valid = %d, want 60", tooEarly.MinutesUntilValid)
	}
}

func TestValidate_WindowEdges(t *testing.T) {
	start := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	cases := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{"exactly at window open", start.Add(-30 * time.Minute), nil},
		{"one second before open", start.Add(-30*time.Minute - time.Second), ErrTooEarly},
		{"exactly at window close", end.Add(5 * time.Minute), nil},
		{"one second after close", end.Add(5*time.Minute + time.Second), ErrExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemStore()
			svc := testService(t, st, tc.now)
			slot := seedSlot(t, st, svc, models.Slot{
				ID:        "slot0001",
				DJID:      "dj0001",
				StartTime: start,
				EndTime:   end,
				Status:    models.SlotScheduled,
			})

			_, err := svc.Validate(context.Background(), slot.StreamKey)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate = %v, want accept", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_RejectsCancelled(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    models.SlotCancelled,
	})

	if _, err := svc.Validate(context.Background(), slot.StreamKey); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Validate = %v, want ErrCancelled", err)
	}
}

func TestValidate_RejectsTerminalStatus(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    models.SlotCompleted,
	})

	if _, err := svc.Validate(context.Background(), slot.StreamKey); !errors.Is(err, ErrNotStreamable) {
		t.Fatalf("Validate = %v, want ErrNotStreamable", err)
	}
}

func TestValidate_RejectsSuspendedArtist(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	if err := st.Set(context.Background(), models.CollectionArtists, "dj0001", models.ArtistProfile{
		ArtistName: "Voidwalker",
		Approved:   true,
		Suspended:  true,
	}); err != nil {
		t.Fatalf("seed artist: %v", err)
	}
	slot := seedSlot(t, st, svc, models.Slot{
		ID:        "slot0001",
		DJID:      "dj0001",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    models.SlotScheduled,
	})

	if _, err := svc.Validate(context.Background(), slot.StreamKey); !errors.Is(err, ErrArtistBlocked) {
		t.Fatalf("Validate = %v, want ErrArtistBlocked", err)
	}
}

func TestValidate_MultipleMatchesPrefersNonCancelled(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	st := store.NewMemStore()
	svc := testService(t, st, now)

	key := svc.Generate("dj0001", "slot0001", now, now.Add(time.Hour))
	seedSlot(t, st, svc, models.Slot{
		ID:        "slot-old",
		DJID:      "dj0001",
		StreamKey: key,
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    models.SlotCancelled,
		CreatedAt: now.Add(-2 * time.Hour),
	})
	seedSlot(t, st, svc, models.Slot{
		ID:        "slot-new",
		DJID:      "dj0001",
		StreamKey: key,
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    models.SlotScheduled,
		CreatedAt: now.Add(-time.Hour),
	})

	got, err := svc.Validate(context.Background(), key)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != "slot-new" {
		t.Fatalf("picked slot %q, want the non-cancelled match", got.ID)
	}
}

func TestURLBuilders(t *testing.T) {
	svc := testService(t, store.NewMemStore(), time.Now())
	key := "fwx_djabcdef_slotabcd_m4k2o0_0123456789ab"

	if got := svc.RTMPURL(key); got != "rtmp://ingest.test/live/"+key {
		t.Fatalf("RTMPURL = %q", got)
	}
	urls := svc.HLSURLs(key)
	if urls.Index != "https://stream.test/hls/"+key+"/index.m3u8" {
		t.Fatalf("Index = %q", urls.Index)
	}
	if !strings.HasSuffix(urls.Playlist, "/playlist.m3u8") {
		t.Fatalf("Playlist = %q", urls.Playlist)
	}
	if !strings.HasSuffix(urls.Chunklist, "/chunklist.m3u8") {
		t.Fatalf("Chunklist = %q", urls.Chunklist)
	}
}

func TestVerifyWebhook(t *testing.T) {
	svc := testService(t, store.NewMemStore(), time.Now())
	body := []byte(`{"event":"publish","streamKey":"fwx_a_b_c_d"}`)

	// Signature computed the same way the sender would.
	sign := func(secret string, b []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(b)
		return hex.EncodeToString(mac.Sum(nil))
	}

	if !svc.VerifyWebhook(body, sign("test-webhook-secret", body)) {
		t.Fatalf("expected valid signature to verify")
	}
	if svc.VerifyWebhook(body, sign("wrong-secret", body)) {
		t.Fatalf("expected signature from wrong secret to fail")
	}
	if svc.VerifyWebhook(body, "") {
		t.Fatalf("expected empty signature to fail")
	}
}

func TestExtractKey(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		path   string
		want   string
	}{
		{"key field", map[string]string{"key": "fwx_k"}, "", "fwx_k"},
		{"name field", map[string]string{"name": "fwx_n"}, "", "fwx_n"},
		{"streamKey field", map[string]string{"streamKey": "fwx_s"}, "", "fwx_s"},
		{"field wins over path", map[string]string{"key": "fwx_k"}, "/live/fwx_p", "fwx_k"},
		{"last path segment", nil, "/app/stream/fwx_p", "fwx_p"},
		{"live prefix trimmed", nil, "live/fwx_p", "fwx_p"},
		{"nothing", nil, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			get := func(field string) string { return tc.fields[field] }
			if got := ExtractKey(get, tc.path); got != tc.want {
				t.Fatalf("ExtractKey = %q, want %q", got, tc.want)
			}
		})
	}
}
