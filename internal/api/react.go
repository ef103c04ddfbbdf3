/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/reactions"
)

// reactRequest is the union body for POST /api/livestream/react.
type reactRequest struct {
	Action    string `json:"action"`
	StreamID  string `json:"streamId"`
	SessionID string `json:"sessionId"`
	UserName  string `json:"userName"`
	Emoji     string `json:"emoji"`
	Count     int    `json:"count"`
	Rating    int    `json:"rating"`
	Message   string `json:"message"`
}

// handleReactPost dispatches presence and reaction actions. Presence and
// ephemeral reactions work anonymously on a sessionId; likes, ratings,
// and shoutouts need a signed-in caller, which the services enforce.
func (a *API) handleReactPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	var req reactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	userName := id.Name
	if userName == "" {
		userName = req.UserName
	}
	presence := reactions.PresenceRequest{
		StreamID:  req.StreamID,
		UserID:    id.UserID,
		SessionID: req.SessionID,
	}

	switch req.Action {
	case "join":
		counters, err := a.reactions.Join(ctx, presence)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeCounters(w, counters)

	case "leave":
		counters, err := a.reactions.Leave(ctx, presence)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeCounters(w, counters)

	case "heartbeat":
		counters, err := a.reactions.Heartbeat(ctx, presence)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeCounters(w, counters)

	case "like":
		total, err := a.reactions.Like(ctx, id, req.StreamID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "totalLikes": total})

	case "rate":
		summary, err := a.reactions.Rate(ctx, id, req.StreamID, req.Rating)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*reactions.RatingSummary
		}{true, summary})

	case "emoji":
		err := a.reactions.Emoji(ctx, reactions.EmojiRequest{
			StreamID:  req.StreamID,
			Emoji:     req.Emoji,
			UserName:  userName,
			UserID:    id.UserID,
			SessionID: req.SessionID,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "star":
		err := a.reactions.Star(ctx, reactions.StarRequest{
			StreamID:  req.StreamID,
			Count:     req.Count,
			UserName:  userName,
			UserID:    id.UserID,
			SessionID: req.SessionID,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "shoutout":
		if err := a.reactions.Shoutout(ctx, id, req.StreamID, req.Message); err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		a.writeError(w, r, apperr.Invalid("unknown action %q", req.Action))
	}
}

// handleReactGet returns the caller's accumulated likes and rating for a
// stream so a reloaded page can restore its UI state.
func (a *API) handleReactGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := identity(r)
	if id.UserID == "" {
		// Legacy clients pass the user inline; the response only ever
		// contains that user's own aggregate numbers.
		id = auth.Identity{UserID: q.Get("userId")}
	}

	prior, err := a.reactions.Prior(r.Context(), id, q.Get("streamId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*reactions.PriorState
	}{true, prior})
}

func writeCounters(w http.ResponseWriter, counters *reactions.Counters) {
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*reactions.Counters
	}{true, counters})
}
