// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reviewer

import "github.com/AleutianAI/crevdeck/services/reviewer/records"

// ReviewDTO is one review as exchanged with the browser UI. The three level
// fields use the fixed review vocabularies and are validated on save.
type ReviewDTO struct {
	CrateName     string `json:"crate_name" validate:"required"`
	CrateVersion  string `json:"crate_version" validate:"required"`
	Date          string `json:"date,omitempty"`
	Thoroughness  string `json:"thoroughness" validate:"oneof=none low medium high"`
	Understanding string `json:"understanding" validate:"oneof=none low medium high"`
	Rating        string `json:"rating" validate:"oneof=negative neutral positive strong"`
	CommentMD     string `json:"comment_md"`
}

// ReviewListDTO is the response of the review listing.
type ReviewListDTO struct {
	Items []ReviewDTO `json:"items"`
}

// VersionDTO is one row of the per-crate version listing: registry metadata
// joined with the local caches.
type VersionDTO struct {
	CrateName      string `json:"crate_name"`
	CrateVersion   string `json:"crate_version"`
	Yanked         bool   `json:"yanked"`
	MyReview       string `json:"my_review"`
	PublishedByURL string `json:"published_by_url"`
	PublishedDate  string `json:"published_date"`
	IsSrcCached    bool   `json:"is_src_cached"`
}

// VersionListDTO is the response of the version listing.
type VersionListDTO struct {
	CrateName   string       `json:"crate_name"`
	Description string       `json:"description"`
	Items       []VersionDTO `json:"items"`
}

// VerifyListDTO is the response of the project verification listing.
type VerifyListDTO struct {
	Items []records.VerifyItem `json:"items"`
}

// PublisherListDTO is the response of the publisher listing.
type PublisherListDTO struct {
	Items []records.PublisherItem `json:"items"`
}

// TreeItemDTO is one line of the dependency tree listing. The join fields
// are empty on lines that do not name a crate version.
type TreeItemDTO struct {
	Line           string `json:"line"`
	CrateName      string `json:"crate_name,omitempty"`
	CrateVersion   string `json:"crate_version,omitempty"`
	MyReview       string `json:"my_review,omitempty"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status,omitempty"`
	PublishedByURL string `json:"published_by_url,omitempty"`
}

// TreeDTO carries the dependency tree listing.
type TreeDTO struct {
	Items []TreeItemDTO `json:"items"`
}

// UncleanListDTO lists the shell commands that would remove diverged source
// trees. The server never runs them; the user reviews and runs them.
type UncleanListDTO struct {
	Commands []string `json:"commands"`
}

// RepairReportDTO summarizes a cache repair pass.
type RepairReportDTO struct {
	Checked    int      `json:"checked"`
	Downloaded int      `json:"downloaded"`
	Unpacked   int      `json:"unpacked"`
	Resigned   int      `json:"resigned"`
	Errors     []string `json:"errors,omitempty"`
}

// OutputDTO carries raw subprocess output for display.
type OutputDTO struct {
	Output string `json:"output"`
}
