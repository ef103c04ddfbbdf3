/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/models"
)

// handlePlaylistGet returns the shared playlist document.
func (a *API) handlePlaylistGet(w http.ResponseWriter, r *http.Request) {
	doc, err := a.playlist.Get(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writePlaylist(w, doc)
}

// handlePlaylistPost mutates the shared playlist. Adding, removing, and
// skipping need a signed-in caller (the service checks); track_ended is
// reported by whichever client finishes playback first, signed in or not.
func (a *API) handlePlaylistPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	var req struct {
		Action string `json:"action"`
		URL    string `json:"url"`
		ItemID string `json:"itemId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	var (
		doc *models.GlobalPlaylist
		err error
	)
	switch req.Action {
	case "add":
		doc, err = a.playlist.Add(ctx, id, req.URL)
	case "remove":
		doc, err = a.playlist.Remove(ctx, id, req.ItemID)
	case "skip":
		doc, err = a.playlist.Skip(ctx, id)
	case "track_ended":
		doc, err = a.playlist.TrackEnded(ctx, req.ItemID)
	case "reset":
		doc, err = a.playlist.Reset(ctx, id)
	default:
		a.writeError(w, r, apperr.Invalid("unknown action %q", req.Action))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writePlaylist(w, doc)
}

func writePlaylist(w http.ResponseWriter, doc *models.GlobalPlaylist) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "playlist": doc})
}
