/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP surface.
var (
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freqwax_api_request_duration_seconds",
			Help:    "HTTP request latency by method, route, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_api_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freqwax_api_active_connections",
			Help: "In-flight HTTP requests",
		},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		},
		[]string{"scope"},
	)
)

// Persistence.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freqwax_database_query_duration_seconds",
			Help:    "Database operation latency by operation and table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_database_errors_total",
			Help: "Database operation failures",
		},
		[]string{"operation", "kind"},
	)

	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freqwax_database_connections_active",
			Help: "Open database connections",
		},
	)
)

// Scheduling and broadcast state.
var (
	SlotsBookedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_slots_booked_total",
			Help: "Slots booked by mode (standard, now, after, relay)",
		},
		[]string{"mode"},
	)

	SlotsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freqwax_slots_cancelled_total",
			Help: "Slots cancelled before their stream ended",
		},
	)

	StreamKeyValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_streamkey_validations_total",
			Help: "Ingest credential checks by action and outcome",
		},
		[]string{"action", "result"},
	)

	LiveSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freqwax_live_sessions_active",
			Help: "Slots currently in a live or lobby state",
		},
	)

	SweeperTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freqwax_sweeper_ticks_total",
			Help: "Auto-switchover sweep iterations",
		},
	)

	SweeperErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freqwax_sweeper_errors_total",
			Help: "Auto-switchover sweep failures",
		},
	)

	SweeperTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_sweeper_transitions_total",
			Help: "State transitions applied by the sweeper",
		},
		[]string{"transition"},
	)

	ViewersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freqwax_viewers_current",
			Help: "Active viewer sessions across all streams",
		},
	)

	ReactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_reactions_total",
			Help: "Reactions accepted by type",
		},
		[]string{"type"},
	)
)

// Playlist.
var (
	PlaylistTracksPlayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freqwax_playlist_tracks_played_total",
			Help: "Tracks advanced past on the global playlist",
		},
	)

	PlaylistAutoSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freqwax_playlist_autoskips_total",
			Help: "Tracks force-skipped by the duration watchdog",
		},
	)
)

// Event fan-out and background jobs.
var (
	EventPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_event_publish_total",
			Help: "Realtime event publishes by transport and outcome",
		},
		[]string{"transport", "result"},
	)

	IngestWebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_ingest_webhooks_total",
			Help: "Media-server webhook deliveries by event and outcome",
		},
		[]string{"event", "result"},
	)

	ChatCleanupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_chat_cleanup_jobs_total",
			Help: "Chat retention jobs by outcome",
		},
		[]string{"result"},
	)

	LeaderElectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freqwax_leader_election_status",
			Help: "1 when this instance holds the sweep leadership lease",
		},
	)

	LeaderElectionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freqwax_leader_election_changes_total",
			Help: "Leadership acquisitions and losses on this instance",
		},
		[]string{"change"},
	)
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
