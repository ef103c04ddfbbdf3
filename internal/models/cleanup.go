/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ChatCleanupStatus enumerates cleanup job states.
type ChatCleanupStatus string

const (
	CleanupPending   ChatCleanupStatus = "pending"
	CleanupCompleted ChatCleanupStatus = "completed"
	CleanupFailed    ChatCleanupStatus = "failed"
)

// ChatCleanupJob schedules deletion of a stream's chat messages after the
// retention window. One job per ended stream.
type ChatCleanupJob struct {
	ID              string            `json:"id"`
	StreamID        string            `json:"streamId"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	CleanupAt       time.Time         `json:"cleanupAt"`
	Status          ChatCleanupStatus `json:"status"`
	MessagesDeleted int               `json:"messagesDeleted,omitempty"`
	Error           string            `json:"error,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// Due reports whether the job should run at the given instant.
func (j *ChatCleanupJob) Due(now time.Time) bool {
	return j.Status == CleanupPending && !now.Before(j.CleanupAt)
}

// ChatMessage is a chat line attached to a stream. Written by the chat
// frontend; this core only deletes them in bulk during cleanup.
type ChatMessage struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
