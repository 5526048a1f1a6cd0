// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer refreshes the local caches from their slow authoritative
// sources in the background: the registry API, the local registry index,
// the proof store and the verify subprocess.
//
// Jobs run on a bounded worker pool. Read paths never wait for them; a
// request served from a stale index is refreshed for the next request.
// Failed jobs are logged and abandoned, the next trigger retries.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/crevdeck/services/reviewer/proofs"
	"github.com/AleutianAI/crevdeck/services/reviewer/records"
	"github.com/AleutianAI/crevdeck/services/reviewer/registry"
	"github.com/AleutianAI/crevdeck/services/reviewer/store"
)

// maxWorkers bounds concurrent jobs. The registry rate limiter is the real
// throttle; the pool just keeps goroutine count flat.
const maxWorkers = 3

// Fetcher retrieves crate metadata from the registry API.
type Fetcher interface {
	FetchCrate(ctx context.Context, name string) (*registry.CrateResponse, error)
}

// ProofLister reads review records from the proof store.
type ProofLister interface {
	List(filter proofs.Filter) ([]proofs.Record, error)
}

// IndexReader reads version lists from the local registry index.
type IndexReader interface {
	Versions(name string) ([]registry.VersionInfo, error)
}

// Verifier produces the per-dependency trust verification listing.
type Verifier interface {
	VerifyProject(ctx context.Context) ([]records.VerifyItem, error)
}

// Pool schedules index refresh jobs.
type Pool struct {
	db      *store.DB
	fetcher Fetcher
	proofs  ProofLister
	index   IndexReader
	verify  Verifier
	log     *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewPool creates a Pool. verify may be nil when no project context exists.
func NewPool(db *store.DB, fetcher Fetcher, proofLister ProofLister, index IndexReader, verify Verifier, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		db:       db,
		fetcher:  fetcher,
		proofs:   proofLister,
		index:    index,
		verify:   verify,
		log:      logger,
		sem:      semaphore.NewWeighted(maxWorkers),
		inflight: make(map[string]struct{}),
	}
}

// Wait blocks until every scheduled job has finished. Used at shutdown and
// by tests that need deterministic completion.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// submit runs job on the pool under the named dedup slot. A slot that is
// already in flight drops the duplicate: the running job will observe state
// at least as fresh as the duplicate would have.
//
// The job outlives the request that scheduled it, so the caller's
// cancelation is stripped; only values carry over.
func (p *Pool) submit(ctx context.Context, slot string, job func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	p.mu.Lock()
	if _, busy := p.inflight[slot]; busy {
		p.mu.Unlock()
		return
	}
	p.inflight[slot] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, slot)
			p.mu.Unlock()
		}()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.log.Warn("sync job not scheduled", slog.String("job", slot), slog.Any("error", err))
			return
		}
		defer p.sem.Release(1)
		if err := job(ctx); err != nil {
			p.log.Warn("sync job failed", slog.String("job", slot), slog.Any("error", err))
		}
	}()
}

// FetchPackageVersions schedules a refresh of one crate's version metadata
// from the registry API: version records, yank flags and the crate record.
func (p *Pool) FetchPackageVersions(ctx context.Context, name string) {
	p.submit(ctx, "versions:"+name, func(ctx context.Context) error {
		return p.fetchPackageVersions(ctx, name)
	})
}

func (p *Pool) fetchPackageVersions(ctx context.Context, name string) error {
	resp, err := p.fetcher.FetchCrate(ctx, name)
	if err != nil {
		return err
	}

	crate := records.CrateRecord{CrateName: resp.Crate.Name, Description: resp.Crate.Description}
	if err := p.putJSON(store.TreeCrates, resp.Crate.Name, crate); err != nil {
		return err
	}

	for _, v := range resp.Versions {
		pkg := records.PackageID{Name: resp.Crate.Name, Version: v.Num}
		rec := records.VersionRecord{
			CrateNameVersion: pkg.Key(),
			PublishedDate:    v.CreatedAt.Format(time.RFC3339),
		}
		if v.PublishedBy != nil {
			url := v.PublishedBy.URL
			rec.PublishedByURL = &url
		}
		if err := p.putJSON(store.TreeVersions, pkg.Key(), rec); err != nil {
			return err
		}

		// The yank flag can flip in both directions; reconcile, don't append.
		if v.Yanked {
			yank := records.YankRecord{CrateNameVersion: pkg.Key()}
			if err := p.putJSON(store.TreeYanked, pkg.Key(), yank); err != nil {
				return err
			}
		} else if err := p.db.Delete(store.TreeYanked, pkg.Key()); err != nil {
			return err
		}
	}
	p.log.Info("crate versions synced",
		slog.String("crate", resp.Crate.Name),
		slog.Int("versions", len(resp.Versions)))
	return nil
}

// EnsureVersionsCached schedules a version fetch only when the crate has no
// cached record yet. Read paths call this on a cache miss.
func (p *Pool) EnsureVersionsCached(ctx context.Context, name string) error {
	ok, err := p.db.Contains(store.TreeCrates, name)
	if err != nil {
		return err
	}
	if !ok {
		p.FetchPackageVersions(ctx, name)
	}
	return nil
}

// SyncReviews schedules a reconcile of the "reviews" tree against the proof
// store. Stale cache entries are replaced, entries for deleted proofs are
// dropped. An entry is rewritten only when its proof date differs.
func (p *Pool) SyncReviews(ctx context.Context) {
	p.submit(ctx, "reviews", func(ctx context.Context) error {
		return p.syncReviews()
	})
}

func (p *Pool) syncReviews() error {
	recs, err := p.proofs.List(proofs.Filter{})
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if rec.Header.Review == nil {
			continue
		}
		pkg := records.PackageID{Name: rec.Header.Package.Name, Version: rec.Header.Package.Version}
		live[pkg.Key()] = struct{}{}

		if raw, ok, err := p.db.Get(store.TreeReviews, pkg.Key()); err != nil {
			return err
		} else if ok {
			var cached records.ReviewItem
			if err := json.Unmarshal(raw, &cached); err == nil && cached.Date == rec.Header.Date {
				continue
			}
		}

		item := records.ReviewItem{
			CrateName:     rec.Header.Package.Name,
			CrateVersion:  rec.Header.Package.Version,
			Date:          rec.Header.Date,
			Thoroughness:  rec.Header.Review.Thoroughness,
			Understanding: rec.Header.Review.Understanding,
			Rating:        rec.Header.Review.Rating,
			CommentMD:     rec.Header.Comment,
		}
		if err := p.putJSON(store.TreeReviews, pkg.Key(), item); err != nil {
			return err
		}
	}

	var stale []string
	err = p.db.Iterate(store.TreeReviews, func(key string, _ []byte) error {
		if _, ok := live[key]; !ok {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := p.db.Delete(store.TreeReviews, key); err != nil {
			return err
		}
	}
	p.log.Info("reviews synced", slog.Int("cached", len(live)), slog.Int("dropped", len(stale)))
	return nil
}

// SyncYanked schedules a reconcile of the "yanked" tree for every crate
// known locally, from the local registry index. No network involved; the
// index checkout already carries the yank flags.
func (p *Pool) SyncYanked(ctx context.Context) {
	p.submit(ctx, "yanked", func(ctx context.Context) error {
		return p.syncYanked()
	})
}

func (p *Pool) syncYanked() error {
	var names []string
	err := p.db.Iterate(store.TreeCrates, func(key string, _ []byte) error {
		names = append(names, key)
		return nil
	})
	if err != nil {
		return err
	}
	reconciled := 0
	for _, name := range names {
		infos, err := p.index.Versions(name)
		if errors.Is(err, registry.ErrCrateNotFound) || errors.Is(err, registry.ErrIndexMissing) {
			continue
		}
		if err != nil {
			return err
		}
		for _, vi := range infos {
			pkg := records.PackageID{Name: name, Version: vi.Version}
			if vi.Yanked {
				yank := records.YankRecord{CrateNameVersion: pkg.Key()}
				if err := p.putJSON(store.TreeYanked, pkg.Key(), yank); err != nil {
					return err
				}
			} else if err := p.db.Delete(store.TreeYanked, pkg.Key()); err != nil {
				return err
			}
		}
		reconciled++
	}
	p.log.Info("yank flags synced", slog.Int("crates", reconciled))
	return nil
}

// SyncVerify schedules a refresh of the "verify" tree from the verify
// subprocess, enriched with cached publisher metadata.
func (p *Pool) SyncVerify(ctx context.Context) {
	if p.verify == nil {
		return
	}
	p.submit(ctx, "verify", func(ctx context.Context) error {
		return p.syncVerify(ctx)
	})
}

func (p *Pool) syncVerify(ctx context.Context) error {
	items, err := p.verify.VerifyProject(ctx)
	if err != nil {
		return err
	}
	if err := p.db.Clear(store.TreeVerify); err != nil {
		return err
	}
	for _, item := range items {
		pkg := records.PackageID{Name: item.CrateName, Version: item.CrateVersion}
		if raw, ok, err := p.db.Get(store.TreeVersions, pkg.Key()); err != nil {
			return err
		} else if ok {
			var vr records.VersionRecord
			if err := json.Unmarshal(raw, &vr); err == nil && vr.PublishedByURL != nil {
				item.PublishedByURL = *vr.PublishedByURL
				trusted, err := p.db.Contains(store.TreePublishers, *vr.PublishedByURL)
				if err != nil {
					return err
				}
				if trusted {
					item.TrustedPublisher = "trusted"
				}
			}
		}
		if err := p.putJSON(store.TreeVerify, pkg.Key(), item); err != nil {
			return err
		}
	}
	p.log.Info("verify listing synced", slog.Int("items", len(items)))
	return nil
}

func (p *Pool) putJSON(tree, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", tree, key, err)
	}
	return p.db.Put(tree, key, raw)
}
