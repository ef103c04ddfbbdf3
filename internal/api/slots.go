/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/cache"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/scheduler"
	"github.com/freqwax/freqwax_live/internal/streamkey"
)

// slotActionRequest is the union body for POST /api/livestream/slots.
// Which fields matter depends on the action.
type slotActionRequest struct {
	Action      string    `json:"action"`
	SlotID      string    `json:"slotId"`
	Start       time.Time `json:"start"`
	Duration    int       `json:"durationMinutes"`
	Title       string    `json:"title"`
	Genre       string    `json:"genre"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	ToDJID      string    `json:"toDjId"`
}

// handleSlotsGet serves the schedule window plus the read-only actions
// DJ dashboards poll: key countdown, current live, queue availability,
// and history.
func (a *API) handleSlotsGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	q := r.URL.Query()

	switch q.Get("action") {
	case "checkStreamKey":
		djID, err := a.resolveDJ(id, q.Get("djId"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		countdown, err := a.live.CheckStreamKey(ctx, djID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*livestate.KeyCountdown
		}{true, countdown})

	case "currentLive":
		now, err := a.live.CurrentLive(ctx)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*livestate.LiveNow
		}{true, now})

	case "canGoLiveAfter":
		if id.UserID == "" {
			a.writeError(w, r, apperr.Unauthorized("sign in to queue behind the live stream"))
			return
		}
		check, err := a.live.CanGoLiveAfter(ctx)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*livestate.GoLiveAfterCheck
		}{true, check})

	case "history":
		djID, err := a.resolveDJ(id, q.Get("djId"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		history, err := a.scheduler.QueryHistory(ctx, djID, limit)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": history})

	case "":
		start, err := parseTimeParam(q.Get("start"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		end, err := parseTimeParam(q.Get("end"))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		djID := q.Get("djId")
		if djID == "me" {
			djID = id.UserID
		}
		view, err := a.scheduler.QuerySchedule(ctx, scheduler.ScheduleQuery{Start: start, End: end, DJID: djID})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*scheduler.ScheduleView
		}{true, view})

	default:
		a.writeError(w, r, apperr.Invalid("unknown action %q", q.Get("action")))
	}
}

// resolveDJ returns the DJ a read-only query targets: the caller, or
// someone else when the caller is an admin.
func (a *API) resolveDJ(id auth.Identity, requested string) (string, error) {
	if requested != "" && requested != "me" && requested != id.UserID {
		if !id.Admin {
			return "", apperr.Forbidden("cannot query another DJ's data")
		}
		return requested, nil
	}
	if id.UserID == "" {
		return "", apperr.Unauthorized("sign in first")
	}
	return id.UserID, nil
}

// handleSlotsPost executes one booking or lifecycle action for the
// authenticated caller.
func (a *API) handleSlotsPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	var req slotActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	switch req.Action {
	case "book":
		slot, err := a.scheduler.Book(ctx, id, scheduler.BookRequest{
			Start:       req.Start,
			Duration:    req.Duration,
			Title:       req.Title,
			Genre:       req.Genre,
			Description: req.Description,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot})

	case "go_live_now":
		access, err := a.scheduler.GoLiveNow(ctx, id, scheduler.GoLiveRequest{
			Duration:    req.Duration,
			Title:       req.Title,
			Genre:       req.Genre,
			Description: req.Description,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeAccess(w, access)

	case "go_live_after":
		access, err := a.scheduler.GoLiveAfter(ctx, id, scheduler.GoLiveRequest{
			Duration:    req.Duration,
			Title:       req.Title,
			Genre:       req.Genre,
			Description: req.Description,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeAccess(w, access)

	case "early_start":
		access, err := a.scheduler.EarlyStart(ctx, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeAccess(w, access)

	case "start_relay":
		slot, err := a.scheduler.StartRelay(ctx, id, scheduler.RelayRequest{
			URL:      req.URL,
			Duration: req.Duration,
			Title:    req.Title,
			Genre:    req.Genre,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot})

	case "getStreamKey":
		access, err := a.scheduler.GetStreamKey(ctx, id, req.SlotID)
		if err != nil {
			var notYet *scheduler.KeyNotAvailableError
			if errors.As(err, &notYet) {
				writeJSON(w, http.StatusForbidden, map[string]any{
					"success":        false,
					"error":          "stream key is not available yet",
					"keyAvailableAt": notYet.AvailableAt.UTC().Format(time.RFC3339),
				})
				return
			}
			a.writeError(w, r, err)
			return
		}
		writeAccess(w, access)

	case "generate_key":
		access, err := a.scheduler.GenerateKey(ctx, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeAccess(w, access)

	case "go_live", "mark_ready":
		slot, err := a.live.MarkReady(ctx, id, req.SlotID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot.Public()})

	case "cancel":
		slot, err := a.scheduler.Cancel(ctx, id, req.SlotID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot.Public()})

	case "endStream":
		slot, err := a.scheduler.EndStream(ctx, id, req.SlotID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot.Public()})

	case "request_takeover":
		if err := a.live.RequestTakeover(ctx, id, req.SlotID); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "approve_takeover":
		slot, err := a.live.ApproveTakeover(ctx, id, req.SlotID, req.ToDJID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot.Public()})

	default:
		a.writeError(w, r, apperr.Invalid("unknown action %q", req.Action))
	}
}

// handleSlotsDelete cancels a slot; the body form of the cancel action.
func (a *API) handleSlotsDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlotID string `json:"slotId"`
	}
	// Tolerate an empty body when the slot id rides the query string.
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if req.SlotID == "" {
		req.SlotID = r.URL.Query().Get("slotId")
	}

	slot, err := a.scheduler.Cancel(r.Context(), identity(r), req.SlotID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "slot": slot.Public()})
}

// handleStatus is the public status feed. Single-stream lookups 404 when
// unknown; the aggregate view is cacheable and never carries stream keys.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if streamID := r.URL.Query().Get("streamId"); streamID != "" {
		key := cache.StatusStreamKey(streamID)
		if a.statusFromCache(ctx, w, key, 10) {
			return
		}
		rec, err := a.live.StreamByID(ctx, streamID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeStatusBody(ctx, w, r, key, struct {
			Success bool `json:"success"`
			*models.LiveStreamRecord
		}{true, rec}, rec.Status == string(models.SlotLive), 10)
		return
	}

	// Cache hits cannot see liveness without decoding, so they get the
	// short horizon either way.
	if a.statusFromCache(ctx, w, cache.KeyStatusAll, 10) {
		return
	}
	view, err := a.live.Status(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	maxAge := 30
	if view.IsLive {
		maxAge = 10
	}
	a.writeStatusBody(ctx, w, r, cache.KeyStatusAll, struct {
		Success bool `json:"success"`
		*livestate.StatusView
	}{true, view}, view.IsLive, maxAge)
}

// statusFromCache serves a previously rendered status payload. Misses
// and cache errors return false so the request falls through.
func (a *API) statusFromCache(ctx context.Context, w http.ResponseWriter, key string, maxAge int) bool {
	if a.statusCache == nil {
		return false
	}
	payload, ok := a.statusCache.GetStatus(ctx, key)
	if !ok {
		return false
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
	return true
}

// writeStatusBody renders one status body and stores it for the next poll.
func (a *API) writeStatusBody(ctx context.Context, w http.ResponseWriter, r *http.Request, key string, body any, live bool, maxAge int) {
	payload, err := json.Marshal(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if a.statusCache != nil {
		_ = a.statusCache.SetStatus(ctx, key, payload, live)
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleRecordings lists presigned playback URLs for a slot's archive.
func (a *API) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if a.recordings == nil {
		a.writeError(w, r, apperr.NotFound("recording archive is not configured"))
		return
	}
	list, err := a.recordings.PlaybackForSlot(r.Context(), identity(r), r.URL.Query().Get("slotId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "recordings": list})
}

// writeAccess renders encoder credentials: the slot, the key, and where
// to point RTMP and HLS.
func writeAccess(w http.ResponseWriter, access *scheduler.LiveAccess) {
	writeJSON(w, http.StatusOK, struct {
		Success   bool        `json:"success"`
		Slot      models.Slot `json:"slot"`
		StreamKey string      `json:"streamKey"`
		RTMPURL   string      `json:"rtmpUrl"`
		streamkey.PlaybackURLs
	}{true, access.Slot.Public(), access.StreamKey, access.RTMPURL, access.HLS})
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.Invalid("invalid time %q, want RFC3339", s)
	}
	return t, nil
}
