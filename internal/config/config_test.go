package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FWX_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("FWX_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("FWX_SIGNING_SECRET", "stream-key-signing-secret")
	t.Setenv("FWX_WEBHOOK_SECRET", "ingest-webhook-secret")
}

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FWX_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.StreamKeyPrefix != "fwx" {
		t.Fatalf("unexpected default stream key prefix: %q", cfg.StreamKeyPrefix)
	}
	if cfg.DefaultWeeklySlots != 2 {
		t.Fatalf("unexpected default weekly slots: %d", cfg.DefaultWeeklySlots)
	}
}

func TestLoadRequiresSigningSecrets(t *testing.T) {
	t.Setenv("FWX_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("FWX_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("FWX_SIGNING_SECRET", "")
	t.Setenv("FWX_WEBHOOK_SECRET", "ingest-webhook-secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail without FWX_SIGNING_SECRET")
	}

	t.Setenv("FWX_SIGNING_SECRET", "stream-key-signing-secret")
	t.Setenv("FWX_WEBHOOK_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail without FWX_WEBHOOK_SECRET")
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JWT_SIGNING_KEY", "legacy")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestLoadRejectsInvalidTimezone(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FWX_DAILY_CAP_TIMEZONE", "Atlantis/Underwater")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail with an invalid daily-cap timezone")
	}
}

func TestLoadRejectsPusherBusWithoutCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FWX_EVENTBUS", "pusher")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail when pusher bus has no credentials")
	}

	t.Setenv("FWX_PUSHER_APP_ID", "1234")
	t.Setenv("FWX_PUSHER_KEY", "key")
	t.Setenv("FWX_PUSHER_SECRET", "secret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected pusher config load to succeed: %v", err)
	}
}

func TestLoadProductionRequiresStrongSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FWX_ENV", "production")
	t.Setenv("FWX_SIGNING_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with a short signing secret")
	}

	t.Setenv("FWX_SIGNING_SECRET", "stream-key-signing-secret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load to succeed: %v", err)
	}
}

func TestRevealAndGraceWindows(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if got := cfg.Reveal(true); got.Minutes() != 30 {
		t.Fatalf("ingest reveal = %v, want 30m", got)
	}
	if got := cfg.Reveal(false); got.Minutes() != 15 {
		t.Fatalf("user reveal = %v, want 15m", got)
	}
	if got := cfg.Grace(true); got.Minutes() != 5 {
		t.Fatalf("ingest grace = %v, want 5m", got)
	}
	if got := cfg.Grace(false); got.Minutes() != 3 {
		t.Fatalf("user grace = %v, want 3m", got)
	}
}
