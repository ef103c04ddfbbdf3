/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
	"gorm.io/gorm"
)

// Migrate applies the document table schema and data fixups.
func Migrate(database *gorm.DB) error {
	if err := store.AutoMigrate(database); err != nil {
		return err
	}

	if err := applyPostgresCollectionIndex(database); err != nil {
		return err
	}
	if err := normalizeLegacyCollectionNames(database); err != nil {
		return err
	}
	if err := seedGlobalPlaylist(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresCollectionIndex adds a collection-prefix index so scans
// of one collection stay cheap as the documents table grows.
func applyPostgresCollectionIndex(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection)`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres collection index: %w", err)
	}

	return nil
}

// normalizeLegacyCollectionNames renames collections written by early
// deployments before the names settled.
func normalizeLegacyCollectionNames(database *gorm.DB) error {
	renames := map[string]string{
		"eventRequests":       models.CollectionEventRequests,
		"livestreamReactions": models.CollectionReactions,
		"livestreamViewers":   models.CollectionViewers,
		"chat-cleanup-jobs":   models.CollectionChatCleanup,
	}
	for old, next := range renames {
		if err := database.Exec(
			"UPDATE documents SET collection = ? WHERE collection = ?", next, old,
		).Error; err != nil {
			return fmt.Errorf("rename collection %s: %w", old, err)
		}
	}
	return nil
}

// seedGlobalPlaylist creates the singleton playlist document when absent.
// Every playlist operation assumes the document exists.
func seedGlobalPlaylist(database *gorm.DB) error {
	docs := store.NewGormStore(database)
	ctx := context.Background()

	err := docs.Get(ctx, models.CollectionPlaylist, models.PlaylistDocID, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("probe global playlist: %w", err)
	}

	seed := models.GlobalPlaylist{
		Queue:        []models.PlaylistItem{},
		CurrentIndex: 0,
		IsPlaying:    false,
		LastUpdated:  time.Now().UTC(),
	}
	if err := docs.Set(ctx, models.CollectionPlaylist, models.PlaylistDocID, seed); err != nil {
		return fmt.Errorf("seed global playlist: %w", err)
	}
	return nil
}
