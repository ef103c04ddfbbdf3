/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build identification and watches GitHub for
// newer releases.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is stamped at build time:
//
//	-X github.com/freqwax/freqwax_live/internal/version.Version=X.Y.Z
var Version = "0.9.3"

// Commit is the short git hash, stamped alongside Version.
var Commit = "unknown"

const releaseEndpoint = "https://api.github.com/repos/freqwax/freqwax_live/releases/latest"

// UpdateInfo is the last release-check result, surfaced on the health
// endpoint when a newer version exists.
type UpdateInfo struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	ReleaseURL      string    `json:"releaseUrl,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Checker polls the release endpoint on a fixed period. All failures are
// logged at debug and retried on the next cycle.
type Checker struct {
	logger zerolog.Logger
	client *http.Client
	period time.Duration

	mu   sync.RWMutex
	last UpdateInfo
}

func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		logger: logger.With().Str("component", "release-check").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
		period: 6 * time.Hour,
		last:   UpdateInfo{CurrentVersion: Version},
	}
}

// Start polls once immediately, then on every period until ctx ends.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.poll(ctx)
		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.poll(ctx)
			}
		}
	}()
}

// Info returns the most recent check result.
func (c *Checker) Info() UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Checker) poll(ctx context.Context) {
	latest, url, err := fetchLatest(ctx, c.client)
	if err != nil {
		c.logger.Debug().Err(err).Msg("release check failed")
		return
	}

	info := UpdateInfo{
		CurrentVersion:  Version,
		LatestVersion:   latest,
		UpdateAvailable: Older(Version, latest),
		ReleaseURL:      url,
		CheckedAt:       time.Now(),
	}
	c.mu.Lock()
	c.last = info
	c.mu.Unlock()

	if info.UpdateAvailable {
		c.logger.Info().
			Str("current", Version).
			Str("latest", latest).
			Msg("newer release available")
	}
}

func fetchLatest(ctx context.Context, client *http.Client) (version, url string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseEndpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "freqwax-live/"+Version)

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", "", err
	}
	return strings.TrimPrefix(release.TagName, "v"), release.HTMLURL, nil
}

// Older reports whether semver a precedes b. Malformed segments count
// as zero.
func Older(a, b string) bool {
	as := split(a)
	bs := split(b)
	for i := range as {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return false
}

func split(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i, p := range parts {
		if i >= 3 {
			break
		}
		// trim prerelease suffixes like 1.2.3-rc1
		if dash := strings.IndexByte(p, '-'); dash >= 0 {
			p = p[:dash]
		}
		n, err := strconv.Atoi(p)
		if err == nil {
			out[i] = n
		}
	}
	return out
}
