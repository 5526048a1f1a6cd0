// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// userAgent identifies API calls to the registry, which rejects anonymous
// clients.
const userAgent = "crevdeck (github.com/AleutianAI/crevdeck)"

// Crate is the registry API record for a crate.
type Crate struct {
	Name             string `json:"name"`
	MaxStableVersion string `json:"max_stable_version"`
	Description      string `json:"description"`
}

// Publisher is the account that published a version.
type Publisher struct {
	URL string `json:"url"`
}

// Version is the registry API record for one published version.
type Version struct {
	Num         string     `json:"num"`
	Yanked      bool       `json:"yanked"`
	PublishedBy *Publisher `json:"published_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CrateResponse is the registry API response for a crate lookup.
type CrateResponse struct {
	Crate    Crate     `json:"crate"`
	Versions []Version `json:"versions"`
}

// Client calls the registry HTTP API.
//
// Description: The registry asks clients to stay at or below one request
// per second, so every call goes through a shared limiter.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the registry API endpoint (tests).
func WithBaseURL(base string) ClientOption {
	return func(c *Client) { c.baseURL = base }
}

// WithClient overrides the HTTP client.
func WithClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithLimiter overrides the request limiter.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a registry API client.
func NewClient(logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: "https://crates.io",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCrate retrieves crate metadata and the full version list, including
// publisher and publish date per version.
func (c *Client) FetchCrate(ctx context.Context, name string) (*CrateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	reqURL := fmt.Sprintf("%s/api/v1/crates/%s", c.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build crate request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch crate %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch crate %s: unexpected status %s", name, resp.Status)
	}

	var out CrateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode crate %s: %w", name, err)
	}
	c.log.Debug("crate metadata fetched",
		slog.String("crate", out.Crate.Name),
		slog.Int("versions", len(out.Versions)))
	return &out, nil
}
