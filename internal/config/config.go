/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus backend selection.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusPusher EventBusBackend = "pusher"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., https://freqwax.live)
	DBBackend   DatabaseBackend
	DBDSN       string

	JWTSigningKey string

	// Stream credential configuration
	RTMPBase           string // Ingest base, e.g. rtmp://ingest.freqwax.live/live
	HLSBase            string // Playback base, e.g. https://stream.freqwax.live/hls
	StreamKeyPrefix    string
	SigningSecret      string // HMAC key for stream-key signatures
	WebhookSecret      string // HMAC key for ingest webhook bodies
	RevealMinutes      int    // User-facing key reveal window before startTime
	IngestRevealMinutes int   // Ingest-side reveal window (wider than user-facing)
	GraceMinutes       int    // User-facing grace after endTime
	IngestGraceMinutes int    // Ingest-side grace after endTime

	// Scheduler & quota configuration
	SessionEndCountdownSeconds int
	DefaultDailyHours          int    // Pro daily cap (hours) when no override
	FreeDailyMinutes           int    // Free-tier daily cap (minutes)
	DefaultWeeklySlots         int
	DailyCapTimezone           string // IANA zone for the daily-hours boundary
	AllowGoLiveNow             bool
	AllowGoLiveAfter           bool
	AllowTakeover              bool
	SweepInterval              time.Duration

	// Playlist configuration
	TrackCooldown    time.Duration // Per-URL replay cooldown
	MaxTrackDuration time.Duration // Hard cap per track
	MaxQueueHistory  int

	// Event bus configuration
	EventBus        EventBusBackend
	PusherAppID     string
	PusherKey       string
	PusherSecret    string
	PusherHost      string // e.g. https://api-eu.pusher.com
	NATSURL         string

	// Rate limiting
	RateLimitRPM int // Per-IP requests per minute on /api; 0 disables

	// S3 recordings configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"FWX_ENV", "FREQWAX_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"FWX_HTTP_BIND", "FREQWAX_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"FWX_HTTP_PORT", "FREQWAX_HTTP_PORT"}, 8080),
		BaseURL:     getEnvAny([]string{"FWX_BASE_URL", "FREQWAX_BASE_URL"}, ""),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"FWX_DB_BACKEND", "FREQWAX_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:       getEnvAny([]string{"FWX_DB_DSN", "FREQWAX_DB_DSN"}, ""),

		JWTSigningKey: getEnvAny([]string{"FWX_JWT_SIGNING_KEY", "FREQWAX_JWT_SIGNING_KEY"}, ""),

		RTMPBase:            getEnvAny([]string{"FWX_RTMP_BASE", "FREQWAX_RTMP_BASE"}, "rtmp://ingest.freqwax.live/live"),
		HLSBase:             getEnvAny([]string{"FWX_HLS_BASE", "FREQWAX_HLS_BASE"}, "https://stream.freqwax.live/hls"),
		StreamKeyPrefix:     getEnvAny([]string{"FWX_STREAM_KEY_PREFIX", "FREQWAX_STREAM_KEY_PREFIX"}, "fwx"),
		SigningSecret:       getEnvAny([]string{"FWX_SIGNING_SECRET", "FREQWAX_SIGNING_SECRET"}, ""),
		WebhookSecret:       getEnvAny([]string{"FWX_WEBHOOK_SECRET", "FREQWAX_WEBHOOK_SECRET"}, ""),
		RevealMinutes:       getEnvIntAny([]string{"FWX_REVEAL_MINUTES", "FREQWAX_REVEAL_MINUTES"}, 15),
		IngestRevealMinutes: getEnvIntAny([]string{"FWX_INGEST_REVEAL_MINUTES", "FREQWAX_INGEST_REVEAL_MINUTES"}, 30),
		GraceMinutes:        getEnvIntAny([]string{"FWX_GRACE_MINUTES", "FREQWAX_GRACE_MINUTES"}, 3),
		IngestGraceMinutes:  getEnvIntAny([]string{"FWX_INGEST_GRACE_MINUTES", "FREQWAX_INGEST_GRACE_MINUTES"}, 5),

		SessionEndCountdownSeconds: getEnvIntAny([]string{"FWX_SESSION_END_COUNTDOWN_SECONDS", "FREQWAX_SESSION_END_COUNTDOWN_SECONDS"}, 10),
		DefaultDailyHours:          getEnvIntAny([]string{"FWX_DEFAULT_DAILY_HOURS", "FREQWAX_DEFAULT_DAILY_HOURS"}, 2),
		FreeDailyMinutes:           getEnvIntAny([]string{"FWX_FREE_DAILY_MINUTES", "FREQWAX_FREE_DAILY_MINUTES"}, 60),
		DefaultWeeklySlots:         getEnvIntAny([]string{"FWX_DEFAULT_WEEKLY_SLOTS", "FREQWAX_DEFAULT_WEEKLY_SLOTS"}, 2),
		DailyCapTimezone:           getEnvAny([]string{"FWX_DAILY_CAP_TIMEZONE", "FREQWAX_DAILY_CAP_TIMEZONE"}, "UTC"),
		AllowGoLiveNow:             getEnvBoolAny([]string{"FWX_ALLOW_GO_LIVE_NOW", "FREQWAX_ALLOW_GO_LIVE_NOW"}, true),
		AllowGoLiveAfter:           getEnvBoolAny([]string{"FWX_ALLOW_GO_LIVE_AFTER", "FREQWAX_ALLOW_GO_LIVE_AFTER"}, true),
		AllowTakeover:              getEnvBoolAny([]string{"FWX_ALLOW_TAKEOVER", "FREQWAX_ALLOW_TAKEOVER"}, false),
		SweepInterval:              time.Duration(getEnvIntAny([]string{"FWX_SWEEP_INTERVAL_SECONDS", "FREQWAX_SWEEP_INTERVAL_SECONDS"}, 30)) * time.Second,

		TrackCooldown:    time.Duration(getEnvIntAny([]string{"FWX_TRACK_COOLDOWN_MS", "FREQWAX_TRACK_COOLDOWN_MS"}, 3600000)) * time.Millisecond,
		MaxTrackDuration: time.Duration(getEnvIntAny([]string{"FWX_MAX_TRACK_DURATION_MS", "FREQWAX_MAX_TRACK_DURATION_MS"}, 600000)) * time.Millisecond,
		MaxQueueHistory:  getEnvIntAny([]string{"FWX_MAX_QUEUE_HISTORY", "FREQWAX_MAX_QUEUE_HISTORY"}, 100),

		EventBus:     EventBusBackend(getEnvAny([]string{"FWX_EVENTBUS", "FREQWAX_EVENTBUS"}, string(EventBusMemory))),
		PusherAppID:  getEnvAny([]string{"FWX_PUSHER_APP_ID", "PUSHER_APP_ID"}, ""),
		PusherKey:    getEnvAny([]string{"FWX_PUSHER_KEY", "PUSHER_KEY"}, ""),
		PusherSecret: getEnvAny([]string{"FWX_PUSHER_SECRET", "PUSHER_SECRET"}, ""),
		PusherHost:   getEnvAny([]string{"FWX_PUSHER_HOST", "PUSHER_HOST"}, "https://api.pusherapp.com"),
		NATSURL:      getEnvAny([]string{"FWX_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		RateLimitRPM: getEnvIntAny([]string{"FWX_RATE_LIMIT_RPM", "FREQWAX_RATE_LIMIT_RPM"}, 120),

		S3AccessKeyID:     getEnvAny([]string{"FWX_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"FWX_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"FWX_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"FWX_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"FWX_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"FWX_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"FWX_TRACING_ENABLED", "FREQWAX_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"FWX_OTLP_ENDPOINT", "FREQWAX_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"FWX_TRACING_SAMPLE_RATE", "FREQWAX_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"FWX_LEADER_ELECTION_ENABLED", "FREQWAX_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"FWX_REDIS_ADDR", "FREQWAX_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"FWX_REDIS_PASSWORD", "FREQWAX_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"FWX_REDIS_DB", "FREQWAX_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"FWX_INSTANCE_ID", "FREQWAX_INSTANCE_ID"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("FWX_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("FWX_JWT_SIGNING_KEY must be provided")
	}

	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("FWX_SIGNING_SECRET must be provided")
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("FWX_WEBHOOK_SECRET must be provided")
	}

	switch cfg.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	case EventBusPusher:
		if cfg.PusherAppID == "" || cfg.PusherKey == "" || cfg.PusherSecret == "" {
			return nil, fmt.Errorf("FWX_PUSHER_APP_ID, FWX_PUSHER_KEY and FWX_PUSHER_SECRET must be provided when FWX_EVENTBUS=pusher")
		}
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", cfg.EventBus)
	}

	if _, err := time.LoadLocation(cfg.DailyCapTimezone); err != nil {
		return nil, fmt.Errorf("FWX_DAILY_CAP_TIMEZONE %q is not a valid IANA zone: %w", cfg.DailyCapTimezone, err)
	}

	if cfg.RevealMinutes <= 0 || cfg.IngestRevealMinutes <= 0 {
		return nil, fmt.Errorf("reveal windows must be positive")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if len(cfg.SigningSecret) < 16 {
			return nil, fmt.Errorf("FWX_SIGNING_SECRET must be at least 16 bytes in production")
		}
		if len(cfg.WebhookSecret) < 16 {
			return nil, fmt.Errorf("FWX_WEBHOOK_SECRET must be at least 16 bytes in production")
		}
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Dev reports whether the process runs outside production.
func (c *Config) Dev() bool {
	return !strings.EqualFold(c.Environment, "production")
}

// Reveal returns the configured reveal window before a slot start.
// Ingest validation uses the wider window, user-facing surfaces the narrow one.
func (c *Config) Reveal(ingest bool) time.Duration {
	if ingest {
		return time.Duration(c.IngestRevealMinutes) * time.Minute
	}
	return time.Duration(c.RevealMinutes) * time.Minute
}

// Grace returns the configured grace window after a slot end.
func (c *Config) Grace(ingest bool) time.Duration {
	if ingest {
		return time.Duration(c.IngestGraceMinutes) * time.Minute
	}
	return time.Duration(c.GraceMinutes) * time.Minute
}

// DailyCapLocation resolves the configured timezone for the daily-hours boundary.
// Load validated it, so failures fall back to UTC.
func (c *Config) DailyCapLocation() *time.Location {
	loc, err := time.LoadLocation(c.DailyCapTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":     "use FWX_ENV",
		"JWT_SIGNING_KEY": "use FWX_JWT_SIGNING_KEY",
		"SIGNING_SECRET":  "use FWX_SIGNING_SECRET",
		"WEBHOOK_SECRET":  "use FWX_WEBHOOK_SECRET",
		"TRACING_ENABLED": "use FWX_TRACING_ENABLED",
		"OTLP_ENDPOINT":   "use FWX_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
