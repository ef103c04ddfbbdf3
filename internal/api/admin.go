/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/logbuffer"
	"github.com/freqwax/freqwax_live/internal/scheduler"
)

// handleAllowancesGet returns one DJ's override or lists all of them.
func (a *API) handleAllowancesGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminOnly(w, r); !ok {
		return
	}
	ctx := r.Context()

	if djID := r.URL.Query().Get("djId"); djID != "" {
		allowance, err := a.scheduler.GetAllowance(ctx, djID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "allowance": allowance})
		return
	}

	entries, err := a.scheduler.ListAllowances(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "allowances": entries})
}

// handleAllowancesPost grants or updates a quota override. The service
// verifies the caller is an admin.
func (a *API) handleAllowancesPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DJID string `json:"djId"`
		scheduler.AllowanceRequest
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	allowance, err := a.scheduler.SetAllowance(r.Context(), identity(r), req.DJID, req.AllowanceRequest)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "allowance": allowance})
}

// handleAllowancesDelete removes an override, returning the DJ to the
// default quotas.
func (a *API) handleAllowancesDelete(w http.ResponseWriter, r *http.Request) {
	djID := r.URL.Query().Get("djId")
	if djID == "" {
		var req struct {
			DJID string `json:"djId"`
		}
		if r.ContentLength > 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				a.writeError(w, r, err)
				return
			}
		}
		djID = req.DJID
	}

	if err := a.scheduler.DeleteAllowance(r.Context(), identity(r), djID); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleChatCleanupGet lists cleanup jobs, or runs one immediately when
// called with ?execute=true&streamId=.
func (a *API) handleChatCleanupGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminOnly(w, r); !ok {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("execute") == "true" {
		job, err := a.cleanup.Execute(ctx, q.Get("streamId"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	jobs, err := a.cleanup.Jobs(ctx, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

// handleChatCleanupPost schedules, cancels, or executes a cleanup job.
func (a *API) handleChatCleanupPost(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminOnly(w, r); !ok {
		return
	}
	ctx := r.Context()

	var req struct {
		StreamID  string    `json:"streamId"`
		Action    string    `json:"action"`
		CleanupAt time.Time `json:"cleanupAt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	switch req.Action {
	case "schedule", "":
		job, err := a.cleanup.Schedule(ctx, req.StreamID, req.CleanupAt)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})

	case "cancel":
		if err := a.cleanup.Cancel(ctx, req.StreamID); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "execute":
		job, err := a.cleanup.Execute(ctx, req.StreamID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})

	default:
		a.writeError(w, r, apperr.Invalid("unknown action %q", req.Action))
	}
}

// handleLogs serves the in-memory log ring so an admin can inspect
// recent process history without shell access.
func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.adminOnly(w, r); !ok {
		return
	}
	if a.logs == nil {
		a.writeError(w, r, apperr.NotFound("log buffer is not available"))
		return
	}

	params := logbuffer.QueryParams{
		Level:      r.URL.Query().Get("level"),
		Component:  r.URL.Query().Get("component"),
		SlotID:     r.URL.Query().Get("slotId"),
		Search:     r.URL.Query().Get("search"),
		Descending: true, // newest first
		Limit:      500,
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			params.Limit = n
		}
	}
	if r.URL.Query().Get("order") == "asc" {
		params.Descending = false
	}

	entries := a.logs.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"entries": entries,
		"count":   len(entries),
		"stats":   a.logs.Stats(),
	})
}
