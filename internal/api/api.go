/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: slot booking and lifecycle,
// ingest authentication, the public status feed, reactions, the global
// playlist, and the WebSocket event relay. Handlers stay thin; every
// decision lives in the services.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/cache"
	"github.com/freqwax/freqwax_live/internal/chatcleanup"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/logbuffer"
	"github.com/freqwax/freqwax_live/internal/playlist"
	"github.com/freqwax/freqwax_live/internal/reactions"
	"github.com/freqwax/freqwax_live/internal/recordings"
	"github.com/freqwax/freqwax_live/internal/scheduler"
	"github.com/freqwax/freqwax_live/internal/streamkey"
	"github.com/freqwax/freqwax_live/internal/version"
)

// Request bodies above this size are rejected before decoding.
const maxBodyBytes = 1 << 20

// API wires HTTP routes to the services.
type API struct {
	cfg        *config.Config
	scheduler  *scheduler.Service
	live       *livestate.Service
	keys       *streamkey.Service
	reactions  *reactions.Service
	playlist   *playlist.Service
	cleanup    *chatcleanup.Service
	recordings *recordings.Service // nil without an archive bucket
	bus        *events.Bus
	logger     zerolog.Logger

	statusCache  *cache.StatusCache        // nil when Redis caching is off
	logs         *logbuffer.Buffer         // nil outside the server process
	leaderStatus func() bool               // nil when leader election is off
	updateInfo   func() version.UpdateInfo // nil when release checking is off
}

// New builds the API. recordingsSvc may be nil when no archive bucket
// is configured; the recordings endpoint then answers not-found.
func New(cfg *config.Config, schedulerSvc *scheduler.Service, liveSvc *livestate.Service, keys *streamkey.Service, reactionsSvc *reactions.Service, playlistSvc *playlist.Service, cleanupSvc *chatcleanup.Service, recordingsSvc *recordings.Service, bus *events.Bus, logger zerolog.Logger) *API {
	return &API{
		cfg:        cfg,
		scheduler:  schedulerSvc,
		live:       liveSvc,
		keys:       keys,
		reactions:  reactionsSvc,
		playlist:   playlistSvc,
		cleanup:    cleanupSvc,
		recordings: recordingsSvc,
		bus:        bus,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SetStatusCache enables Redis-backed caching of public status bodies.
func (a *API) SetStatusCache(c *cache.StatusCache) {
	a.statusCache = c
}

// SetLogBuffer exposes recent process logs on the admin endpoint.
func (a *API) SetLogBuffer(b *logbuffer.Buffer) {
	a.logs = b
}

// SetLeaderStatus exposes the election result on the health endpoint so
// an operator can tell which node holds the lease.
func (a *API) SetLeaderStatus(fn func() bool) {
	a.leaderStatus = fn
}

// SetUpdateInfo surfaces release-check results on the health endpoint.
func (a *API) SetUpdateInfo(fn func() version.UpdateInfo) {
	a.updateInfo = fn
}

// Routes mounts every endpoint on the router.
func (a *API) Routes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if a.cfg.RateLimitRPM > 0 {
			r.Use(httprate.LimitByIP(a.cfg.RateLimitRPM, time.Minute))
		}

		r.Route("/livestream", func(r chi.Router) {
			r.With(a.optionalAuth()).Get("/slots", a.handleSlotsGet)
			r.With(a.requireAuth()).Post("/slots", a.handleSlotsPost)
			r.With(a.requireAuth()).Delete("/slots", a.handleSlotsDelete)

			r.Get("/status", a.handleStatus)

			// Ingest edge: both wire shapes land on one handler.
			r.Get("/validate-stream", a.handleValidateStream)
			r.Post("/validate-stream", a.handleValidateStream)
			r.Post("/red5-webhook", a.handleIngestWebhook)

			r.With(a.optionalAuth()).Get("/react", a.handleReactGet)
			r.With(a.optionalAuth()).Post("/react", a.handleReactPost)

			r.With(a.requireAuth()).Get("/allowances", a.handleAllowancesGet)
			r.With(a.requireAuth()).Post("/allowances", a.handleAllowancesPost)
			r.With(a.requireAuth()).Delete("/allowances", a.handleAllowancesDelete)

			r.With(a.requireAuth()).Get("/chat-cleanup", a.handleChatCleanupGet)
			r.With(a.requireAuth()).Post("/chat-cleanup", a.handleChatCleanupPost)

			r.With(a.requireAuth()).Get("/ingest-events", a.handleIngestEvents)
			r.With(a.requireAuth()).Get("/recordings", a.handleRecordings)

			r.With(a.optionalAuth()).Get("/events", a.handleEvents)
		})

		r.Route("/playlist", func(r chi.Router) {
			r.Get("/", a.handlePlaylistGet)
			r.With(a.optionalAuth()).Post("/", a.handlePlaylistPost)
		})

		r.With(a.requireAuth()).Get("/admin/logs", a.handleLogs)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "version": version.Version}
	if a.leaderStatus != nil {
		body["leader"] = a.leaderStatus()
	}
	if a.updateInfo != nil {
		if info := a.updateInfo(); info.UpdateAvailable {
			body["update"] = info
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) requireAuth() func(http.Handler) http.Handler {
	return auth.Middleware([]byte(a.cfg.JWTSigningKey))
}

func (a *API) optionalAuth() func(http.Handler) http.Handler {
	return auth.Optional([]byte(a.cfg.JWTSigningKey))
}

// identity resolves the caller; anonymous requests get the zero value.
func identity(r *http.Request) auth.Identity {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Identity()
	}
	return auth.Identity{}
}

// adminOnly resolves the caller and rejects non-admins in place.
func (a *API) adminOnly(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id := identity(r)
	if !id.Admin {
		a.writeError(w, r, apperr.Forbidden("admin access required"))
		return id, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders a classified error as its status code plus the
// wire shape clients parse: {success:false, error, ...hints}.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindTransport {
		a.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}

	body := map[string]any{
		"success": false,
		"error":   e.Message,
	}
	if e.NeedsUpgrade {
		body["needsUpgrade"] = true
	}
	if e.CanRequestEvent {
		body["canRequestEvent"] = true
	}
	if e.RetryAfter > 0 {
		body["retryAfter"] = e.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), body)
}

// decodeJSON reads a bounded JSON body. The error is already classified.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperr.Invalid("malformed JSON body")
	}
	return nil
}
