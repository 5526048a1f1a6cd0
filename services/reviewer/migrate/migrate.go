// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate upgrades the local index schema at startup.
//
// The index stores the schema version it was last written with. Each step is
// keyed by the application version that introduced it; at startup every step
// newer than the stored version runs in order, then the stored version is
// bumped to the running build. Steps must be idempotent: a crash between a
// step and the version bump reruns the step on the next start.
package migrate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
	"github.com/AleutianAI/crevdeck/services/reviewer/store"
)

// versionKey is the metadata-tree key holding the schema version.
const versionKey = "schema_version"

// step is one migration, keyed by the version that introduced it.
type step struct {
	version string
	apply   func(db *store.DB, log *slog.Logger) error
}

var steps = []step{
	// Version records gained the publisher fields; the old shape cannot be
	// upgraded in place, so the cache is dropped and refilled on demand.
	{version: "0.2.0", apply: func(db *store.DB, log *slog.Logger) error {
		if err := db.Clear(store.TreeVersions); err != nil {
			return err
		}
		log.Info("migration: cleared version cache")
		return nil
	}},
	{version: "0.3.0", apply: seedPublishers},
}

// defaultPublishers are pre-trusted publisher entries seeded once so the
// verify listing is useful before the user curates their own list.
var defaultPublishers = []records.PublisherItem{
	{PublisherURL: "https://github.com/rust-lang", Note: "the Rust project"},
	{PublisherURL: "https://github.com/dtolnay", Note: "serde, syn, anyhow"},
}

func seedPublishers(db *store.DB, log *slog.Logger) error {
	for _, pub := range defaultPublishers {
		ok, err := db.Contains(store.TreePublishers, pub.PublisherURL)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		raw, err := json.Marshal(pub)
		if err != nil {
			return fmt.Errorf("encode publisher: %w", err)
		}
		if err := db.Put(store.TreePublishers, pub.PublisherURL, raw); err != nil {
			return err
		}
	}
	log.Info("migration: seeded default publishers", slog.Int("count", len(defaultPublishers)))
	return nil
}

// SchemaVersion returns the stored schema version, "0.0.0" for a fresh index.
func SchemaVersion(db *store.DB) (string, error) {
	raw, ok, err := db.Get(store.TreeMetadata, versionKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "0.0.0", nil
	}
	return string(raw), nil
}

// Run applies every migration step newer than the stored schema version,
// then records buildVersion as the new schema version. Safe to call on every
// start; a fully migrated index is a no-op.
func Run(db *store.DB, buildVersion string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	if semver.Compare("v"+current, "v"+buildVersion) >= 0 {
		return nil
	}

	ordered := make([]step, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool {
		return semver.Compare("v"+ordered[i].version, "v"+ordered[j].version) < 0
	})

	for _, st := range ordered {
		if semver.Compare("v"+st.version, "v"+current) <= 0 {
			continue
		}
		if semver.Compare("v"+st.version, "v"+buildVersion) > 0 {
			break
		}
		logger.Info("running index migration", slog.String("to", st.version))
		if err := st.apply(db, logger); err != nil {
			return fmt.Errorf("migration to %s: %w", st.version, err)
		}
	}
	if err := db.Put(store.TreeMetadata, versionKey, []byte(buildVersion)); err != nil {
		return err
	}
	logger.Info("index schema current",
		slog.String("from", current), slog.String("to", buildVersion))
	return nil
}
