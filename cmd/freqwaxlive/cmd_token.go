/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/freqwax/freqwax_live/internal/auth"
)

var (
	tokenUserID string
	tokenName   string
	tokenAdmin  bool
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed API token for a user",
	Long: `Mint a JWT signed with this deployment's FWX_JWT_SIGNING_KEY.

Identity normally arrives from the main Freqwax platform; this command
exists for staging environments, smoke tests, and emergency admin access.

Examples:
  # Token for a DJ
  freqwaxlive token --user dj_1234 --name "Kool Keth"

  # Short-lived admin token
  freqwaxlive token --user ops_1 --name Ops --admin --ttl 30m
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "User id to embed in the token (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant the admin role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if tokenUserID == "" {
		return fmt.Errorf("--user is required")
	}

	claims := auth.Claims{
		UserID: tokenUserID,
		Name:   tokenName,
	}
	if tokenAdmin {
		claims.Roles = []string{auth.RoleAdmin}
	}

	token, err := auth.Issue([]byte(cfg.JWTSigningKey), claims, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
