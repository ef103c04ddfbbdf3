/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/streamkey"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

// handleValidateStream authenticates an encoder against its slot. Two
// wire shapes land here: the query form (GET ?key=...) used by
// nginx-rtmp style callbacks, and the control-plane JSON POST with
// {action, path, ...}. A 200 admits; any other status denies.
func (a *API) handleValidateStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	action := "publish"
	key := ""
	remoteAddr := r.RemoteAddr

	if r.Method == http.MethodPost {
		var body struct {
			Action    string `json:"action"`
			Path      string `json:"path"`
			Key       string `json:"key"`
			Name      string `json:"name"`
			StreamKey string `json:"streamKey"`
			Protocol  string `json:"protocol"`
			IP        string `json:"ip"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			a.writeError(w, r, err)
			return
		}
		if body.Action != "" {
			action = strings.ToLower(body.Action)
		}
		if body.IP != "" {
			remoteAddr = body.IP
		}
		fields := map[string]string{"key": body.Key, "name": body.Name, "streamKey": body.StreamKey}
		key = streamkey.ExtractKey(func(f string) string { return fields[f] }, body.Path)
	} else {
		q := r.URL.Query()
		if v := q.Get("action"); v != "" {
			action = strings.ToLower(v)
		}
		key = streamkey.ExtractKey(q.Get, q.Get("path"))
	}

	// Reads and playback sessions are admitted without a key; only
	// publish attempts authenticate.
	if action == "read" || action == "playback" {
		telemetry.StreamKeyValidationsTotal.WithLabelValues(action, "allowed").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
		return
	}

	slot, err := a.keys.Validate(ctx, key)
	if err != nil {
		status, reason, minutes := validationFailure(err)
		telemetry.StreamKeyValidationsTotal.WithLabelValues(action, reason).Inc()
		a.live.AuditIngest(ctx, models.IngestEvent{
			Action:     "validate",
			KeySuffix:  keySuffix(key),
			RemoteAddr: remoteAddr,
			Allowed:    false,
			Reason:     reason,
		})
		if status >= http.StatusInternalServerError {
			a.logger.Error().Err(err).Str("action", action).Msg("stream key validation errored")
		} else {
			a.logger.Info().Str("action", action).Str("reason", reason).Str("remote", remoteAddr).Msg("stream key rejected")
		}

		body := map[string]any{"valid": false, "reason": reason}
		if reason == "tooEarly" {
			body["minutesUntilValid"] = minutes
		}
		writeJSON(w, status, body)
		return
	}

	telemetry.StreamKeyValidationsTotal.WithLabelValues(action, "allowed").Inc()
	a.live.AuditIngest(ctx, models.IngestEvent{
		Action:     "validate",
		SlotID:     slot.ID,
		DJID:       slot.DJID,
		KeySuffix:  keySuffix(key),
		RemoteAddr: remoteAddr,
		Allowed:    true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"slotId": slot.ID,
		"djId":   slot.DJID,
		"djName": slot.DJName,
	})
}

// validationFailure maps a key-validation error onto the deny status,
// the machine-readable reason, and the too-early countdown.
func validationFailure(err error) (status int, reason string, minutes int) {
	var tooEarly *streamkey.TooEarlyError
	switch {
	case errors.As(err, &tooEarly):
		return http.StatusForbidden, "tooEarly", tooEarly.MinutesUntilValid
	case errors.Is(err, streamkey.ErrExpired):
		return http.StatusForbidden, "expired", 0
	case errors.Is(err, streamkey.ErrCancelled):
		return http.StatusForbidden, "cancelled", 0
	case errors.Is(err, streamkey.ErrNotStreamable):
		return http.StatusForbidden, "notStreamable", 0
	case errors.Is(err, streamkey.ErrArtistBlocked):
		return http.StatusForbidden, "blocked", 0
	case errors.Is(err, streamkey.ErrKeyNotFound):
		return http.StatusNotFound, "notFound", 0
	case errors.Is(err, streamkey.ErrMalformedKey):
		return http.StatusBadRequest, "malformed", 0
	default:
		return http.StatusInternalServerError, "error", 0
	}
}

// handleIngestWebhook takes lifecycle callbacks from the media server.
// The signature gate is the only hard failure; once a body is authentic
// the endpoint answers 200 even when reconciliation fails, because the
// media server retries blindly and the sweeper repairs missed
// transitions anyway.
func (a *API) handleIngestWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, r, apperr.Invalid("unreadable webhook body"))
		return
	}

	sig := r.Header.Get("X-Red5-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}
	if !a.keys.VerifyWebhook(body, sig) {
		a.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		a.writeError(w, r, apperr.Unauthorized("invalid webhook signature"))
		return
	}

	var ev livestate.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		a.writeError(w, r, apperr.Invalid("malformed webhook body"))
		return
	}

	if err := a.live.HandleWebhook(r.Context(), ev, r.RemoteAddr); err != nil {
		a.logger.Warn().Err(err).Str("event", ev.Event).Msg("webhook reconciliation failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleIngestEvents lists the ingest audit trail for operators.
func (a *API) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminOnly(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := a.live.ListIngestEvents(r.Context(), q.Get("streamId"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": list})
}

func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
