/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/freqwax/freqwax_live/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	Long: `Apply the document table schema, indexes, and data fixups without
starting the server. Deploy pipelines run this before rolling new nodes.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("closing database")
		}
	}()

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info().Str("backend", string(cfg.DBBackend)).Msg("migrations applied")
	return nil
}
