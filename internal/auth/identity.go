/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

// RoleAdmin marks platform moderators; admins may act on any slot.
const RoleAdmin = "admin"

// Identity is the caller resolved from the bearer token. Services take
// it by value and never reach back into the token.
type Identity struct {
	UserID string
	Name   string
	Admin  bool
}

// Identity resolves the claims into the caller identity services consume.
func (c *Claims) Identity() Identity {
	return Identity{
		UserID: c.UserID,
		Name:   c.Name,
		Admin:  c.HasRole(RoleAdmin),
	}
}
