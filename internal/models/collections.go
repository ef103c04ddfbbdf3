/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

// Collection names shared by every store backend.
const (
	CollectionSlots         = "livestreamSlots"
	CollectionLiveStreams   = "livestreams"
	CollectionAllowances    = "djAllowances"
	CollectionUserUsage     = "userUsage"
	CollectionArtists       = "artists"
	CollectionUsers         = "users"
	CollectionPlaylist      = "globalPlaylist"
	CollectionReactions     = "livestream-reactions"
	CollectionViewers       = "livestream-viewers"
	CollectionChatCleanup   = "chatCleanupSchedule"
	CollectionEventRequests = "event-requests"
	CollectionPlayHistory   = "playHistory"
	CollectionChatMessages  = "chatMessages"
	CollectionIngestEvents  = "ingestEvents"
	CollectionRecordings    = "recordings"
)

// PlaylistDocID is the singleton document id inside CollectionPlaylist.
const PlaylistDocID = "global"
