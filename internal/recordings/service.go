/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recordings archives session captures reported by the media
// server and mints presigned playback URLs for them. Credentials stay on
// this node; clients only ever see time-limited URLs.
package recordings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freqwax/freqwax_live/internal/apperr"
	"github.com/freqwax/freqwax_live/internal/auth"
	"github.com/freqwax/freqwax_live/internal/config"
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
)

// PresignTTL is how long a minted playback URL stays valid.
const PresignTTL = 15 * time.Minute

// URLSigner mints presigned GET URLs. Satisfied by *s3.PresignClient.
type URLSigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Service records capture artifacts and resolves them to playback URLs.
type Service struct {
	store  store.Store
	signer URLSigner
	bucket string
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the recordings service. Requires a configured bucket; the
// server skips construction entirely when none is set.
func New(cfg *config.Config, st store.Store, logger zerolog.Logger) (*Service, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("recordings: bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("recordings: loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" || cfg.S3UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			}
			o.UsePathStyle = cfg.S3UsePathStyle
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	svc := &Service{
		store:  st,
		signer: s3.NewPresignClient(client),
		bucket: cfg.S3Bucket,
		logger: logger.With().Str("component", "recordings").Logger(),
		now:    time.Now,
	}
	svc.logger.Info().
		Str("bucket", cfg.S3Bucket).
		Str("region", cfg.S3Region).
		Str("endpoint", cfg.S3Endpoint).
		Msg("recording archive enabled")
	return svc, nil
}

// SaveRecording persists the artifact a record_stop webhook describes.
// The object key comes from webhook metadata when the media server
// reports one; otherwise a deterministic key is synthesized so the
// artifact can still be located by convention.
func (s *Service) SaveRecording(ctx context.Context, slot *models.Slot, meta map[string]any, receivedAt time.Time) (*models.RecordingArtifact, error) {
	key := objectKeyFrom(meta)
	if key == "" {
		key = fmt.Sprintf("recordings/%s/%s.flv", slot.ID, receivedAt.UTC().Format("20060102-150405"))
	}

	artifact := models.RecordingArtifact{
		ID:        uuid.NewString(),
		SlotID:    slot.ID,
		DJID:      slot.DJID,
		Bucket:    s.bucket,
		ObjectKey: key,
		SizeBytes: sizeFrom(meta),
		Duration:  durationFrom(meta, slot, receivedAt),
		CreatedAt: receivedAt,
	}
	if err := s.store.Set(ctx, models.CollectionRecordings, artifact.ID, artifact); err != nil {
		return nil, fmt.Errorf("storing recording artifact: %w", err)
	}
	return &artifact, nil
}

// Playback pairs an artifact with its presigned URL.
type Playback struct {
	Recording models.RecordingArtifact `json:"recording"`
	URL       string                   `json:"url"`
	ExpiresAt time.Time                `json:"expiresAt"`
}

// PlaybackForSlot lists a slot's recordings, newest first, each with a
// short-lived playback URL. Only the slot's DJ or an admin may ask.
func (s *Service) PlaybackForSlot(ctx context.Context, id auth.Identity, slotID string) ([]Playback, error) {
	if slotID == "" {
		return nil, apperr.Invalid("slotId is required")
	}
	if id.UserID == "" && !id.Admin {
		return nil, apperr.Unauthorized("sign in to fetch recordings")
	}

	snaps, err := s.store.Query(ctx, models.CollectionRecordings, store.Query{
		Filters: []store.Filter{{Field: "slotId", Op: store.OpEq, Value: slotID}},
		OrderBy: "createdAt",
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing recordings for %s: %w", slotID, err)
	}
	artifacts, err := store.DecodeAll[models.RecordingArtifact](snaps)
	if err != nil {
		return nil, fmt.Errorf("decoding recordings for %s: %w", slotID, err)
	}
	if len(artifacts) == 0 {
		return nil, apperr.NotFound("no recordings for slot %s", slotID)
	}
	if !id.Admin && artifacts[0].DJID != id.UserID {
		return nil, apperr.Forbidden("recordings belong to the slot's DJ")
	}

	expiresAt := s.now().Add(PresignTTL)
	playbacks := make([]Playback, 0, len(artifacts))
	for _, a := range artifacts {
		bucket := a.Bucket
		if bucket == "" {
			bucket = s.bucket
		}
		req, err := s.signer.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(a.ObjectKey),
		}, s3.WithPresignExpires(PresignTTL))
		if err != nil {
			return nil, fmt.Errorf("presigning %s: %w", a.ObjectKey, err)
		}
		playbacks = append(playbacks, Playback{
			Recording: a,
			URL:       req.URL,
			ExpiresAt: expiresAt,
		})
	}
	return playbacks, nil
}

// objectKeyFrom pulls the archived object's key out of webhook metadata.
// Media servers disagree on the field name.
func objectKeyFrom(meta map[string]any) string {
	for _, field := range []string{"objectKey", "key", "path", "file", "filename"} {
		if v, ok := meta[field].(string); ok && v != "" {
			return strings.TrimPrefix(v, "/")
		}
	}
	return ""
}

// sizeFrom reads the reported object size. JSON numbers decode as
// float64; in-process callers may pass native ints.
func sizeFrom(meta map[string]any) int64 {
	for _, field := range []string{"sizeBytes", "size", "bytes"} {
		switch v := meta[field].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return 0
}

// durationFrom prefers the reported capture duration and falls back to
// the slot's elapsed air time.
func durationFrom(meta map[string]any, slot *models.Slot, receivedAt time.Time) int {
	for _, field := range []string{"durationSeconds", "duration"} {
		switch v := meta[field].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	if slot.StartedAt != nil && receivedAt.After(*slot.StartedAt) {
		return int(receivedAt.Sub(*slot.StartedAt) / time.Second)
	}
	return 0
}
