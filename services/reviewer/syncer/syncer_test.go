// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/crevdeck/services/reviewer/proofs"
	"github.com/AleutianAI/crevdeck/services/reviewer/records"
	"github.com/AleutianAI/crevdeck/services/reviewer/registry"
	"github.com/AleutianAI/crevdeck/services/reviewer/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
	resp  *registry.CrateResponse
}

func (f *fakeFetcher) FetchCrate(ctx context.Context, name string) (*registry.CrateResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLister struct {
	recs []proofs.Record
}

func (l *fakeLister) List(filter proofs.Filter) ([]proofs.Record, error) {
	return l.recs, nil
}

type fakeIndex struct {
	versions map[string][]registry.VersionInfo
}

func (x *fakeIndex) Versions(name string) ([]registry.VersionInfo, error) {
	vis, ok := x.versions[name]
	if !ok {
		return nil, registry.ErrCrateNotFound
	}
	return vis, nil
}

type fakeVerifier struct {
	items []records.VerifyItem
}

func (v *fakeVerifier) VerifyProject(ctx context.Context) ([]records.VerifyItem, error) {
	return v.items, nil
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func crateResponse(yankedLatest bool) *registry.CrateResponse {
	url := "https://github.com/dtolnay"
	return &registry.CrateResponse{
		Crate: registry.Crate{Name: "serde", MaxStableVersion: "1.0.1", Description: "serialization"},
		Versions: []registry.Version{
			{Num: "1.0.1", Yanked: yankedLatest, PublishedBy: &registry.Publisher{URL: url},
				CreatedAt: time.Date(2022, 10, 17, 0, 0, 0, 0, time.UTC)},
			{Num: "1.0.0", Yanked: false,
				CreatedAt: time.Date(2022, 10, 10, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func TestFetchPackageVersions(t *testing.T) {
	db := openTestDB(t)
	fetcher := &fakeFetcher{resp: crateResponse(true)}
	pool := NewPool(db, fetcher, &fakeLister{}, &fakeIndex{}, nil, slog.Default())

	require.NoError(t, pool.fetchPackageVersions(context.Background(), "serde"))

	raw, ok, err := db.Get(store.TreeVersions, "serde 1.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	var vr records.VersionRecord
	require.NoError(t, json.Unmarshal(raw, &vr))
	assert.Equal(t, "serde 1.0.1", vr.CrateNameVersion)
	require.NotNil(t, vr.PublishedByURL)
	assert.Equal(t, "https://github.com/dtolnay", *vr.PublishedByURL)

	yanked, err := db.Contains(store.TreeYanked, "serde 1.0.1")
	require.NoError(t, err)
	assert.True(t, yanked)

	ok, err = db.Contains(store.TreeCrates, "serde")
	require.NoError(t, err)
	assert.True(t, ok)

	// An un-yank on the registry side clears the flag.
	fetcher.resp = crateResponse(false)
	require.NoError(t, pool.fetchPackageVersions(context.Background(), "serde"))
	yanked, err = db.Contains(store.TreeYanked, "serde 1.0.1")
	require.NoError(t, err)
	assert.False(t, yanked)
}

func TestFetchDedupsInflight(t *testing.T) {
	db := openTestDB(t)
	fetcher := &fakeFetcher{resp: crateResponse(false), block: make(chan struct{})}
	pool := NewPool(db, fetcher, &fakeLister{}, &fakeIndex{}, nil, slog.Default())

	ctx := context.Background()
	pool.FetchPackageVersions(ctx, "serde")
	// Wait for the first job to be inside the fetcher, then pile on
	// duplicates; they must be dropped, not queued.
	require.Eventually(t, func() bool { return fetcher.callCount() == 1 },
		time.Second, time.Millisecond)
	pool.FetchPackageVersions(ctx, "serde")
	pool.FetchPackageVersions(ctx, "serde")

	close(fetcher.block)
	pool.Wait()
	assert.Equal(t, 1, fetcher.callCount())

	// A later trigger after completion runs again.
	pool.FetchPackageVersions(ctx, "serde")
	pool.Wait()
	assert.Equal(t, 2, fetcher.callCount())
}

func TestEnsureVersionsCached(t *testing.T) {
	db := openTestDB(t)
	fetcher := &fakeFetcher{resp: crateResponse(false)}
	pool := NewPool(db, fetcher, &fakeLister{}, &fakeIndex{}, nil, slog.Default())
	ctx := context.Background()

	require.NoError(t, pool.EnsureVersionsCached(ctx, "serde"))
	pool.Wait()
	assert.Equal(t, 1, fetcher.callCount())

	// Cached now; no second fetch.
	require.NoError(t, pool.EnsureVersionsCached(ctx, "serde"))
	pool.Wait()
	assert.Equal(t, 1, fetcher.callCount())
}

func reviewRecord(name, version, date, rating string) proofs.Record {
	return proofs.Record{Header: proofs.Header{
		Date:    date,
		Package: proofs.PackageSegment{Name: name, Version: version},
		Review:  &proofs.ReviewSegment{Thoroughness: "low", Understanding: "medium", Rating: rating},
		Comment: "c",
	}}
}

func TestSyncReviews(t *testing.T) {
	db := openTestDB(t)
	lister := &fakeLister{recs: []proofs.Record{
		reviewRecord("serde", "1.0.0", "2026-01-01T00:00:00Z", "positive"),
		reviewRecord("tokio", "1.21.2", "2026-02-01T00:00:00Z", "neutral"),
		// Audit proof without review section is not cached.
		{Header: proofs.Header{Package: proofs.PackageSegment{Name: "rand", Version: "0.8.5"}}},
	}}
	pool := NewPool(db, &fakeFetcher{resp: crateResponse(false)}, lister, &fakeIndex{}, nil, slog.Default())

	// A stale entry for a proof that no longer exists must be dropped.
	stale, _ := json.Marshal(records.ReviewItem{CrateName: "old", CrateVersion: "0.1.0"})
	require.NoError(t, db.Put(store.TreeReviews, "old 0.1.0", stale))

	require.NoError(t, pool.syncReviews())

	var keys []string
	require.NoError(t, db.Iterate(store.TreeReviews, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"serde 1.0.0", "tokio 1.21.2"}, keys)

	raw, ok, err := db.Get(store.TreeReviews, "serde 1.0.0")
	require.NoError(t, err)
	require.True(t, ok)
	var item records.ReviewItem
	require.NoError(t, json.Unmarshal(raw, &item))
	assert.Equal(t, "positive", item.Rating)
	assert.Equal(t, "2026-01-01T00:00:00Z", item.Date)

	// Same dates, second pass changes nothing and errors nothing.
	require.NoError(t, pool.syncReviews())
}

func TestSyncYanked(t *testing.T) {
	db := openTestDB(t)
	fetcher := &fakeFetcher{}
	index := &fakeIndex{versions: map[string][]registry.VersionInfo{
		"serde": {
			{Version: "1.0.0", Yanked: false},
			{Version: "1.0.1", Yanked: true},
		},
	}}
	pool := NewPool(db, fetcher, &fakeLister{}, index, nil, slog.Default())

	crate, _ := json.Marshal(records.CrateRecord{CrateName: "serde"})
	require.NoError(t, db.Put(store.TreeCrates, "serde", crate))
	// Known locally but absent from the index checkout; skipped, not fatal.
	ghost, _ := json.Marshal(records.CrateRecord{CrateName: "ghost"})
	require.NoError(t, db.Put(store.TreeCrates, "ghost", ghost))
	// A stale flag for a version that was un-yanked must be cleared.
	stale, _ := json.Marshal(records.YankRecord{CrateNameVersion: "serde 1.0.0"})
	require.NoError(t, db.Put(store.TreeYanked, "serde 1.0.0", stale))

	require.NoError(t, pool.syncYanked())

	yanked, err := db.Contains(store.TreeYanked, "serde 1.0.1")
	require.NoError(t, err)
	assert.True(t, yanked)
	yanked, err = db.Contains(store.TreeYanked, "serde 1.0.0")
	require.NoError(t, err)
	assert.False(t, yanked)

	// Reconciliation is read from the index checkout, never the network.
	assert.Zero(t, fetcher.callCount())
}

func TestSyncVerifyEnrichment(t *testing.T) {
	db := openTestDB(t)
	url := "https://github.com/dtolnay"
	vr, _ := json.Marshal(records.VersionRecord{
		CrateNameVersion: "serde 1.0.1", PublishedByURL: &url, PublishedDate: "2022-10-17"})
	require.NoError(t, db.Put(store.TreeVersions, "serde 1.0.1", vr))
	pub, _ := json.Marshal(records.PublisherItem{PublisherURL: url, Note: "serde author"})
	require.NoError(t, db.Put(store.TreePublishers, url, pub))

	verifier := &fakeVerifier{items: []records.VerifyItem{
		{Status: "pass", MyReview: "positive", CrateName: "serde", CrateVersion: "1.0.1"},
		{Status: "none", MyReview: "none", CrateName: "rand", CrateVersion: "0.8.5"},
	}}
	pool := NewPool(db, &fakeFetcher{resp: crateResponse(false)}, &fakeLister{}, &fakeIndex{}, verifier, slog.Default())

	require.NoError(t, pool.syncVerify(context.Background()))

	raw, ok, err := db.Get(store.TreeVerify, "serde 1.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	var item records.VerifyItem
	require.NoError(t, json.Unmarshal(raw, &item))
	assert.Equal(t, url, item.PublishedByURL)
	assert.Equal(t, "trusted", item.TrustedPublisher)

	raw, ok, err = db.Get(store.TreeVerify, "rand 0.8.5")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &item))
	assert.Empty(t, item.TrustedPublisher)
}
