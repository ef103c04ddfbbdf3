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
	"github.com/freqwax/freqwax_live/internal/models"
	"github.com/freqwax/freqwax_live/internal/store"
	"github.com/freqwax/freqwax_live/internal/streamkey"
)

var (
	genkeySlotID string
	genkeySave   bool
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Mint the stream key for a slot",
	Long: `Derive the stream key for an existing slot from its window and the
deployment's signing secret, and print it with the ingest and playback URLs.

The key is deterministic for a given slot window, so this normally prints
the key already stored on the slot. --save rewrites the stored key, which
is only needed after rotating FWX_SIGNING_SECRET.`,
	RunE: runGenkey,
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeySlotID, "slot", "", "Slot id (required)")
	genkeyCmd.Flags().BoolVar(&genkeySave, "save", false, "Persist the derived key onto the slot")
	rootCmd.AddCommand(genkeyCmd)
}

func runGenkey(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if genkeySlotID == "" {
		return fmt.Errorf("--slot is required")
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
	keys := streamkey.New(st, cfg, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var slot models.Slot
	if err := st.Get(ctx, models.CollectionSlots, genkeySlotID, &slot); err != nil {
		return fmt.Errorf("load slot %s: %w", genkeySlotID, err)
	}
	if slot.IsRelay {
		return fmt.Errorf("slot %s is a relay and uses no stream key", genkeySlotID)
	}

	key := keys.Generate(slot.DJID, slot.ID, slot.StartTime, slot.EndTime)

	if genkeySave && key != slot.StreamKey {
		err := st.Update(ctx, models.CollectionSlots, slot.ID, store.Fields{"streamKey": key})
		if err != nil {
			return fmt.Errorf("persist key: %w", err)
		}
		logger.Info().Str("slot_id", slot.ID).Msg("stream key rewritten")
	}

	fmt.Println(key)
	fmt.Println("rtmp:", keys.RTMPURL(key))
	fmt.Println("hls: ", keys.HLSURLs(key).Index)
	return nil
}
