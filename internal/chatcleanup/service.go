/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package chatcleanup purges a stream's chat after the retention
// window. Chat lines are written by the chat frontend; this service
// only ever deletes them, one ended stream at a time.
package chatcleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/telemetry"
)

const (
	// retentionWindow is how long chat survives a stream by default.
	retentionWindow = 24 * time.Hour
	// sweepInterval is how often due jobs are picked up.
	sweepInterval = time.Minute
)

// Service schedules and executes chat retention jobs. Jobs are keyed by
// stream id, so a stream ends up with at most one.
type Service struct {
	store  store.Store
	events *events.Bus
	logger zerolog.Logger
	now    func() time.Time
	leader func() bool
}

// New builds the cleanup service.
func New(st store.Store, domain *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		events: domain,
		logger: logger.With().Str("component", "chatcleanup").Logger(),
		now:    time.Now,
	}
}

// SetLeaderGate restricts the sweep to the elected node.
func (s *Service) SetLeaderGate(leader func() bool) {
	s.leader = leader
}

// Schedule books a cleanup for a stream. A zero cleanupAt derives the
// default: stream end plus the retention window. Re-scheduling replaces
// any existing job, pending or done.
func (s *Service) Schedule(ctx context.Context, streamID string, cleanupAt time.Time) (*models.ChatCleanupJob, error) {
	if streamID == "" {
		return nil, apperr.Invalid("streamId is required")
	}
	now := s.now()

	if cleanupAt.IsZero() {
		var slot models.Slot
		err := s.store.Get(ctx, models.CollectionSlots, streamID, &slot)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("stream %s not found", streamID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading slot %s: %w", streamID, err)
		}
		end := slot.EndTime
		if slot.EndedAt != nil {
			end = *slot.EndedAt
		}
		cleanupAt = end.Add(retentionWindow)
	}

	job := models.ChatCleanupJob{
		ID:          uuid.NewString(),
		StreamID:    streamID,
		ScheduledAt: now,
		CleanupAt:   cleanupAt,
		Status:      models.CleanupPending,
	}
	if err := s.store.Set(ctx, models.CollectionChatCleanup, streamID, job); err != nil {
		return nil, fmt.Errorf("scheduling cleanup for %s: %w", streamID, err)
	}
	s.logger.Info().
		Str("stream_id", streamID).
		Time("cleanup_at", cleanupAt).
		Msg("chat cleanup scheduled")
	return &job, nil
}

// Cancel drops a pending job. Completed jobs stay on record.
func (s *Service) Cancel(ctx context.Context, streamID string) error {
	job, err := s.job(ctx, streamID)
	if err != nil {
		return err
	}
	if job.Status != models.CleanupPending {
		return apperr.Conflict("cleanup for %s already %s", streamID, job.Status)
	}
	if err := s.store.Delete(ctx, models.CollectionChatCleanup, streamID); err != nil {
		return fmt.Errorf("cancelling cleanup for %s: %w", streamID, err)
	}
	s.logger.Info().Str("stream_id", streamID).Msg("chat cleanup cancelled")
	return nil
}

// Execute runs a stream's cleanup immediately, creating the job on the
// fly when none was scheduled.
func (s *Service) Execute(ctx context.Context, streamID string) (*models.ChatCleanupJob, error) {
	if streamID == "" {
		return nil, apperr.Invalid("streamId is required")
	}
	job, err := s.job(ctx, streamID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		job = &models.ChatCleanupJob{
			ID:          uuid.NewString(),
			StreamID:    streamID,
			ScheduledAt: s.now(),
			CleanupAt:   s.now(),
			Status:      models.CleanupPending,
		}
		if err := s.store.Set(ctx, models.CollectionChatCleanup, streamID, job); err != nil {
			return nil, fmt.Errorf("creating ad-hoc cleanup for %s: %w", streamID, err)
		}
	} else if err != nil {
		return nil, err
	}
	if job.Status == models.CleanupCompleted {
		return job, nil
	}

	s.runJob(ctx, job)
	return s.job(ctx, streamID)
}

// Jobs lists cleanup jobs, newest cleanup first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]models.ChatCleanupJob, error) {
	if limit <= 0 {
		limit = 100
	}
	snaps, err := s.store.Query(ctx, models.CollectionChatCleanup, store.Query{
		OrderBy: "cleanupAt",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing cleanup jobs: %w", err)
	}
	return store.DecodeAll[models.ChatCleanupJob](snaps)
}

// Run sweeps due jobs and auto-schedules cleanup for streams as they
// end. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ended := s.events.Subscribe(events.EventStreamEnded)
	failed := s.events.Subscribe(events.EventStreamFailed)
	defer s.events.Unsubscribe(events.EventStreamEnded, ended)
	defer s.events.Unsubscribe(events.EventStreamFailed, failed)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", sweepInterval).Msg("chat cleanup sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("chat cleanup sweep stopped")
			return
		case p := <-ended:
			s.autoSchedule(ctx, p)
		case p := <-failed:
			s.autoSchedule(ctx, p)
		case <-ticker.C:
			if s.leader != nil && !s.leader() {
				continue
			}
			s.sweep(ctx)
		}
	}
}

// autoSchedule books the default cleanup when a stream reaches a
// terminal state. An existing job, whatever its state, wins.
func (s *Service) autoSchedule(ctx context.Context, p events.Payload) {
	streamID, _ := p["streamId"].(string)
	if streamID == "" {
		return
	}
	if _, err := s.job(ctx, streamID); err == nil {
		return
	}

	end := s.now()
	if endedAt, ok := p["endedAt"].(time.Time); ok {
		end = endedAt
	}
	job := models.ChatCleanupJob{
		ID:          uuid.NewString(),
		StreamID:    streamID,
		ScheduledAt: s.now(),
		CleanupAt:   end.Add(retentionWindow),
		Status:      models.CleanupPending,
	}
	if err := s.store.Set(ctx, models.CollectionChatCleanup, streamID, job); err != nil {
		s.logger.Error().Err(err).Str("stream_id", streamID).Msg("could not auto-schedule cleanup")
		return
	}
	s.logger.Info().
		Str("stream_id", streamID).
		Time("cleanup_at", job.CleanupAt).
		Msg("chat cleanup auto-scheduled")
}

// sweep executes every due job, one failure at a time.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	snaps, err := s.store.Query(ctx, models.CollectionChatCleanup, store.Query{
		Filters: []store.Filter{
			{Field: "status", Op: store.OpEq, Value: string(models.CleanupPending)},
			{Field: "cleanupAt", Op: store.OpLte, Value: now},
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("could not query due cleanup jobs")
		return
	}
	for _, snap := range snaps {
		var job models.ChatCleanupJob
		if err := snap.Decode(&job); err != nil {
			s.logger.Error().Err(err).Str("job", snap.Key).Msg("could not decode cleanup job")
			continue
		}
		if !job.Due(now) {
			continue
		}
		s.runJob(ctx, &job)
	}
}

// runJob deletes a stream's chat messages and records the outcome on
// the job. Individual delete failures are logged and skipped; the job
// only fails when the messages cannot even be listed.
func (s *Service) runJob(ctx context.Context, job *models.ChatCleanupJob) {
	now := s.now()
	snaps, err := s.store.Query(ctx, models.CollectionChatMessages, store.Query{
		Filters: []store.Filter{{Field: "streamId", Op: store.OpEq, Value: job.StreamID}},
	})
	if err != nil {
		s.failJob(ctx, job, fmt.Errorf("listing chat messages: %w", err))
		return
	}

	deleted := 0
	for _, snap := range snaps {
		if err := s.store.Delete(ctx, models.CollectionChatMessages, snap.Key); err != nil {
			s.logger.Warn().Err(err).Str("message", snap.Key).Msg("could not delete chat message")
			continue
		}
		deleted++
	}

	err = s.store.Update(ctx, models.CollectionChatCleanup, job.StreamID, store.Fields{
		"status":          models.CleanupCompleted,
		"messagesDeleted": deleted,
		"completedAt":     now,
		"error":           "",
	})
	if err != nil {
		s.failJob(ctx, job, fmt.Errorf("recording completion: %w", err))
		return
	}
	telemetry.ChatCleanupJobsTotal.WithLabelValues("completed").Inc()
	s.logger.Info().
		Str("stream_id", job.StreamID).
		Int("deleted", deleted).
		Msg("chat cleanup completed")
}

func (s *Service) failJob(ctx context.Context, job *models.ChatCleanupJob, cause error) {
	telemetry.ChatCleanupJobsTotal.WithLabelValues("failed").Inc()
	s.logger.Error().Err(cause).Str("stream_id", job.StreamID).Msg("chat cleanup failed")
	err := s.store.Update(ctx, models.CollectionChatCleanup, job.StreamID, store.Fields{
		"status": models.CleanupFailed,
		"error":  cause.Error(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", job.StreamID).Msg("could not record cleanup failure")
	}
}

// job loads the cleanup job for a stream.
func (s *Service) job(ctx context.Context, streamID string) (*models.ChatCleanupJob, error) {
	var job models.ChatCleanupJob
	err := s.store.Get(ctx, models.CollectionChatCleanup, streamID, &job)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("no cleanup scheduled for %s", streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading cleanup job: %w", err)
	}
	return &job, nil
}
