// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package records defines the data records shared between the local index,
// the background synchronizer and the review service.
//
// Records are serialized as JSON when stored in the index. The ordered key
// form for a package version is the literal "{name} {version}" produced by
// Key; the space separator sorts below every character allowed in a crate
// name or semver string, so a range scan from "{name} 0" to "{name} z"
// yields exactly that crate's versions.
package records

import (
	"fmt"
	"strings"
)

// PackageID identifies one version of one package from the registry.
type PackageID struct {
	Name    string
	Version string
}

// Key returns the ordered index key "{name} {version}".
func (p PackageID) Key() string {
	return p.Name + " " + p.Version
}

// DirName returns the "{name}-{version}" directory segment used by the
// registry source cache.
func (p PackageID) DirName() string {
	return p.Name + "-" + p.Version
}

func (p PackageID) String() string { return p.Key() }

// ParseKey splits an ordered index key back into a PackageID.
func ParseKey(key string) (PackageID, error) {
	name, version, ok := strings.Cut(key, " ")
	if !ok || name == "" || version == "" {
		return PackageID{}, fmt.Errorf("malformed package key %q", key)
	}
	return PackageID{Name: name, Version: version}, nil
}

// RangeBounds returns the half-open key range that covers every version of
// one crate in an ordered tree.
func RangeBounds(name string) (lo, hi string) {
	return name + " 0", name + " z"
}

// ReviewItem is the cached projection of one signed review proof.
// It lives in the "reviews" tree, keyed by PackageID.Key().
type ReviewItem struct {
	CrateName     string `json:"crate_name"`
	CrateVersion  string `json:"crate_version"`
	Date          string `json:"date"`
	Thoroughness  string `json:"thoroughness"`
	Understanding string `json:"understanding"`
	Rating        string `json:"rating"`
	CommentMD     string `json:"comment_md"`
}

// VersionRecord caches per-version metadata from the registry API in the
// "versions" tree. Treated as immutable once inserted; the yank flag is
// deliberately not here because it can flip (see YankRecord).
type VersionRecord struct {
	CrateNameVersion string  `json:"crate_name_version"`
	PublishedByURL   *string `json:"published_by_url"`
	PublishedDate    string  `json:"published_date"`
}

// YankRecord marks one package version as yanked. Presence in the "yanked"
// tree is the flag; the record body only repeats the key.
type YankRecord struct {
	CrateNameVersion string `json:"crate_name_version"`
}

// CrateRecord caches per-crate metadata in the "crates" tree, keyed by name.
type CrateRecord struct {
	CrateName   string `json:"crate_name"`
	Description string `json:"description"`
}

// VerifyItem caches one line of the external verify subcommand output in
// the "verify" tree.
type VerifyItem struct {
	// Status is one of: none, pass, warn, flagged.
	Status           string `json:"status"`
	MyReview         string `json:"my_review"`
	CrateName        string `json:"crate_name"`
	CrateVersion     string `json:"crate_version"`
	PublishedByURL   string `json:"published_by_url"`
	TrustedPublisher string `json:"trusted_publisher"`
}

// PublisherItem is a user-maintained note about a publisher, keyed by URL in
// the "publishers" tree. URL is the key because logins are not unique.
type PublisherItem struct {
	PublisherURL string `json:"publisher_url"`
	Note         string `json:"note"`
}

// Config holds the user-editable settings stored under "config" in the
// "metadata" tree.
type Config struct {
	CodeEditorPath string `json:"code_editor_path"`
	BrowserPath    string `json:"browser_path"`
}

// DefaultConfig returns the first-read defaults for Config.
func DefaultConfig() Config {
	return Config{
		CodeEditorPath: "/usr/bin/code",
		BrowserPath:    "/usr/bin/xdg-open",
	}
}
