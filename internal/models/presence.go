/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ReactionType distinguishes durable reaction records.
type ReactionType string

const (
	ReactionLike   ReactionType = "like"
	ReactionRating ReactionType = "rating"
)

// ViewerSession tracks one client watching one stream.
type ViewerSession struct {
	ID            string     `json:"id"`
	StreamID      string     `json:"streamId"`
	UserID        string     `json:"userId,omitempty"`
	SessionID     string     `json:"sessionId"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LeftAt        *time.Time `json:"leftAt,omitempty"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	IsActive      bool       `json:"isActive"`
}

// ReactionRecord is a durable like or rating. Likes accumulate; ratings
// are upserted so each (streamId, userId) pair holds at most one.
type ReactionRecord struct {
	ID        string       `json:"id"`
	StreamID  string       `json:"streamId"`
	UserID    string       `json:"userId"`
	Type      ReactionType `json:"type"`
	Rating    int          `json:"rating,omitempty"` // 1..5 when Type is rating
	CreatedAt time.Time    `json:"createdAt"`
}
