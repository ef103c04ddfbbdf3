/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// SubscriptionTier enumerates paid plans.
type SubscriptionTier string

const (
	TierFree SubscriptionTier = "free"
	TierPro  SubscriptionTier = "pro"
)

// Subscription is the external billing system's view of a user, read-only here.
type Subscription struct {
	Tier      SubscriptionTier `json:"tier"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

// IsProActive reports whether the pro tier is active at the given instant.
func (s Subscription) IsProActive(now time.Time) bool {
	return s.Tier == TierPro && s.ExpiresAt != nil && s.ExpiresAt.After(now)
}

// User is the platform account document. Identity issuance is external;
// this core only reads it for display names and subscription state.
type User struct {
	ID           string       `json:"id,omitempty"`
	DisplayName  string       `json:"displayName,omitempty"`
	Subscription Subscription `json:"subscription"`
}

// ArtistProfile gates who may book and go live. Read-only here.
type ArtistProfile struct {
	ArtistName     string        `json:"artistName"`
	AvatarURL      string        `json:"avatarUrl,omitempty"`
	Approved       bool          `json:"approved"`
	Suspended      bool          `json:"suspended,omitempty"`
	Banned         bool          `json:"banned,omitempty"`
	ApprovedRelays []RelaySource `json:"approvedRelays,omitempty"`
}

// CanBroadcast reports whether the artist may hold the channel at all.
func (a *ArtistProfile) CanBroadcast() bool {
	return a.Approved && !a.Suspended && !a.Banned
}

// ApprovedRelay returns the approved relay source matching url, if any.
func (a *ArtistProfile) ApprovedRelay(url string) *RelaySource {
	for i := range a.ApprovedRelays {
		if a.ApprovedRelays[i].URL == url {
			return &a.ApprovedRelays[i]
		}
	}
	return nil
}

// UserUsage accumulates a user's streamed minutes for the quota day.
type UserUsage struct {
	StreamMinutesToday int    `json:"streamMinutesToday"`
	DayDate            string `json:"dayDate"` // ISO date, quota timezone
	MixUploadsThisWeek int    `json:"mixUploadsThisWeek,omitempty"`
	WeekStartDate      string `json:"weekStartDate,omitempty"`
}

// MinutesOn returns the recorded minutes if the usage row is for day, else 0.
// A stale dayDate means the counter rolled over and reads as zero.
func (u *UserUsage) MinutesOn(day string) int {
	if u.DayDate != day {
		return 0
	}
	return u.StreamMinutesToday
}

// AllowanceOverride raises a DJ's booking quotas beyond the defaults.
type AllowanceOverride struct {
	WeeklySlots    int       `json:"weeklySlots"`    // 1..14
	MaxHoursPerDay int       `json:"maxHoursPerDay"` // 1..12
	Reason         string    `json:"reason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UpdatedBy      string    `json:"updatedBy,omitempty"`
}

// EventRequestStatus enumerates event-request review states.
type EventRequestStatus string

const (
	EventRequestPending  EventRequestStatus = "pending"
	EventRequestApproved EventRequestStatus = "approved"
	EventRequestRejected EventRequestStatus = "rejected"
)

// EventRequest grants extra daily minutes for a specific date when approved.
// Created by the storefront; this core only reads approved requests.
type EventRequest struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	EventDate      string             `json:"eventDate"` // ISO date
	HoursRequested int                `json:"hoursRequested"`
	Status         EventRequestStatus `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
}
