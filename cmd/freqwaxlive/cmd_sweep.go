/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/freqwax/freqwax_live/internal/db"
	"github.com/freqwax/freqwax_live/internal/events"
	"github.com/freqwax/freqwax_live/internal/livestate"
	"github.com/freqwax/freqwax_live/internal/pubsub"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/streamkey"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one state sweep pass and exit",
	Long: `Run a single auto-switchover pass against the database: complete
overdue live slots, promote waiting lobby slots, and mark unclaimed
scheduled slots as missed.

The serve command runs this continuously; the one-shot form exists for
recovery after an outage window where no node was sweeping.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	st := store.NewGormStore(database)
	domain := events.NewBus()
	broadcaster := pubsub.NewBroadcaster(pubsub.NewLocalBus(domain), nil, logger)
	keys := streamkey.New(st, cfg, logger)
	live := livestate.New(st, keys, broadcaster, domain, cfg, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	live.SweepOnce(ctx)
	logger.Info().Msg("sweep pass complete")
	return nil
}
