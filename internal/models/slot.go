/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// SlotStatus enumerates the broadcast slot lifecycle.
type SlotStatus string

const (
	SlotScheduled  SlotStatus = "scheduled"
	SlotInLobby    SlotStatus = "in_lobby"
	SlotConnecting SlotStatus = "connecting"
	SlotLive       SlotStatus = "live"
	SlotQueued     SlotStatus = "queued"
	SlotCompleted  SlotStatus = "completed"
	SlotFailed     SlotStatus = "failed"
	SlotMissed     SlotStatus = "missed"
	SlotCancelled  SlotStatus = "cancelled"
)

// End reasons recorded when a slot leaves the live state.
const (
	EndReasonScheduledEnd = "scheduled_end"
	EndReasonDisconnected = "disconnected"
	EndReasonManual       = "manual"
)

// AllowedDurations are the bookable slot lengths in minutes.
var AllowedDurations = []int{30, 45, 60, 120, 180, 240}

// ConflictStatuses are the statuses that occupy the channel for overlap checks.
var ConflictStatuses = []SlotStatus{SlotScheduled, SlotInLobby, SlotLive, SlotQueued}

// QuotaStatuses are the statuses counted against daily and weekly quotas.
var QuotaStatuses = []SlotStatus{SlotScheduled, SlotInLobby, SlotLive, SlotCompleted}

// KeyValidStatuses are the statuses in which a stream key may still authenticate.
var KeyValidStatuses = []SlotStatus{SlotScheduled, SlotInLobby, SlotConnecting, SlotLive, SlotQueued}

// RelaySource points a relay slot at an externally approved stream URL.
type RelaySource struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// TakeoverEntry records a mid-broadcast ownership transfer.
type TakeoverEntry struct {
	FromDJID   string    `json:"fromDjId"`
	FromDJName string    `json:"fromDjName"`
	ToDJID     string    `json:"toDjId"`
	ToDJName   string    `json:"toDjName"`
	At         time.Time `json:"at"`
}

// Slot is a reserved interval on the shared broadcast channel.
type Slot struct {
	ID          string     `json:"id"`
	DJID        string     `json:"djId"`
	DJName      string     `json:"djName"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     time.Time  `json:"endTime"`
	Duration    int        `json:"duration"` // minutes
	Status      SlotStatus `json:"status"`
	StreamKey   string     `json:"streamKey,omitempty"`
	Title       string     `json:"title,omitempty"`
	Genre       string     `json:"genre,omitempty"`
	Description string     `json:"description,omitempty"`

	IsRelay     bool         `json:"isRelay,omitempty"`
	RelaySource *RelaySource `json:"relaySource,omitempty"`

	// QueuedAfter links a go-live-after slot to the live slot it waits on.
	QueuedAfter string `json:"queuedAfter,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ViewerPeak     int     `json:"viewerPeak"`
	CurrentViewers int     `json:"currentViewers"`
	TotalViews     int     `json:"totalViews"`
	TotalLikes     int     `json:"totalLikes"`
	AverageRating  float64 `json:"averageRating"`
	RatingCount    int     `json:"ratingCount"`

	StartedAt         *time.Time `json:"startedAt,omitempty"` // moment the stream went live
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	OriginalStartTime *time.Time `json:"originalStartTime,omitempty"` // set by early start
	EndReason         string     `json:"endReason,omitempty"`

	TakeoverHistory []TakeoverEntry `json:"takeoverHistory,omitempty"`
}

// IsTerminal reports whether the slot reached a final state.
func (s *Slot) IsTerminal() bool {
	switch s.Status {
	case SlotCompleted, SlotFailed, SlotMissed, SlotCancelled:
		return true
	}
	return false
}

// Overlaps reports whether [start, end) intersects the slot's half-open window.
func (s *Slot) Overlaps(start, end time.Time) bool {
	return start.Before(s.EndTime) && end.After(s.StartTime)
}

// OccupiesChannel reports whether the slot counts for conflict detection.
func (s *Slot) OccupiesChannel() bool {
	return statusIn(s.Status, ConflictStatuses)
}

// CountsTowardQuota reports whether the slot consumes daily/weekly allowance.
func (s *Slot) CountsTowardQuota() bool {
	return statusIn(s.Status, QuotaStatuses)
}

// KeyMayValidate reports whether a stream key bound to this slot can still authenticate.
func (s *Slot) KeyMayValidate() bool {
	return statusIn(s.Status, KeyValidStatuses)
}

// ValidDuration reports whether minutes is a bookable slot length.
func ValidDuration(minutes int) bool {
	for _, d := range AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

func statusIn(status SlotStatus, set []SlotStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// Public returns a copy safe for unauthenticated responses: the stream key
// never leaves the service except to its owner inside the reveal window.
func (s Slot) Public() Slot {
	s.StreamKey = ""
	return s
}
