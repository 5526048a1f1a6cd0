// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reviewer implements the review operations behind the local web UI:
// creating, editing, deleting and publishing signed review proofs, listing
// registry versions joined with the local caches, and repairing the source
// cache that reviews are computed from.
package reviewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/crevdeck/services/reviewer/proofs"
	"github.com/AleutianAI/crevdeck/services/reviewer/records"
	"github.com/AleutianAI/crevdeck/services/reviewer/registry"
	"github.com/AleutianAI/crevdeck/services/reviewer/sources"
	"github.com/AleutianAI/crevdeck/services/reviewer/store"
	"github.com/AleutianAI/crevdeck/services/reviewer/syncer"
	"github.com/AleutianAI/crevdeck/services/reviewer/toolchain"
	"github.com/AleutianAI/crevdeck/services/reviewer/treehash"
)

// commentTemplate pre-fills the comment of a fresh review so every review
// tends to cover the same ground.
const commentTemplate = `Write a short review. Suggested points to cover:
- what the crate does and how readable the code is
- unsafe blocks, build.rs, procedural macros, network and fs access
- dependencies that pull their own risk
- maintenance: recent releases, open issues handled
`

// Identity is the slice of the identity gate the service needs directly.
// Signing goes through the proof store, not through here.
type Identity interface {
	RepoDir() string
	CommitProofs(message string) error
}

// Service orchestrates the review operations. One instance per process,
// shared by all requests.
type Service struct {
	db       *store.DB
	proofs   *proofs.Store
	sources  *sources.Index
	index    *registry.Index
	runner   *toolchain.Runner
	pool     *syncer.Pool
	ident    Identity
	validate *validator.Validate
	log      *slog.Logger
}

// NewService wires the review service together.
func NewService(db *store.DB, proofStore *proofs.Store, srcIndex *sources.Index,
	regIndex *registry.Index, runner *toolchain.Runner, pool *syncer.Pool,
	ident Identity, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		proofs:   proofStore,
		sources:  srcIndex,
		index:    regIndex,
		runner:   runner,
		pool:     pool,
		ident:    ident,
		validate: validator.New(),
		log:      logger,
	}
}

func reviewDTOFromRecord(rec proofs.Record) ReviewDTO {
	dto := ReviewDTO{
		CrateName:    rec.Header.Package.Name,
		CrateVersion: rec.Header.Package.Version,
		Date:         rec.Header.Date,
		CommentMD:    rec.Header.Comment,
	}
	if rec.Header.Review != nil {
		dto.Thoroughness = rec.Header.Review.Thoroughness
		dto.Understanding = rec.Header.Review.Understanding
		dto.Rating = rec.Header.Review.Rating
	}
	return dto
}

// ListReviews returns every review, newest first.
func (s *Service) ListReviews() (*ReviewListDTO, error) {
	recs, err := s.proofs.List(proofs.Filter{})
	if err != nil {
		return nil, err
	}
	out := &ReviewListDTO{Items: []ReviewDTO{}}
	for _, rec := range recs {
		if rec.Header.Review == nil {
			continue
		}
		out.Items = append(out.Items, reviewDTOFromRecord(rec))
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		return out.Items[i].Date > out.Items[j].Date
	})
	return out, nil
}

// NewReviewTemplate returns a pre-filled review form for a package version.
// The levels start unrated; the user must state them after actually reading.
func (s *Service) NewReviewTemplate(name, version string) ReviewDTO {
	return ReviewDTO{
		CrateName:     name,
		CrateVersion:  version,
		Thoroughness:  "none",
		Understanding: "none",
		Rating:        "neutral",
		CommentMD:     commentTemplate,
	}
}

// findReview returns the review record for an exact package version, or
// ErrReviewNotFound.
func (s *Service) findReview(name, version string) (*proofs.Record, error) {
	recs, err := s.proofs.List(proofs.Filter{Name: name, Version: version})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Header.Review != nil {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrReviewNotFound, name, version)
}

// EditReview returns the existing review for a package version for editing.
func (s *Service) EditReview(name, version string) (*ReviewDTO, error) {
	rec, err := s.findReview(name, version)
	if err != nil {
		return nil, err
	}
	dto := reviewDTOFromRecord(*rec)
	return &dto, nil
}

// EditOrNewReview returns the existing review for editing, or a fresh
// template when none exists. A template requires the source to be cached,
// because a review without readable source would be dishonest.
func (s *Service) EditOrNewReview(name, version string) (*ReviewDTO, error) {
	dto, err := s.EditReview(name, version)
	if err == nil {
		return dto, nil
	}
	if !errors.Is(err, ErrReviewNotFound) {
		return nil, err
	}
	pkg := records.PackageID{Name: name, Version: version}
	if !s.sources.SrcExists(pkg) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotCached, pkg)
	}
	fresh := s.NewReviewTemplate(name, version)
	return &fresh, nil
}

// NewVersionOfReview carries an existing review of oldVersion forward to the
// highest published version of the crate. The texts come along; the levels
// and rating must be re-confirmed against the new source.
//
// Outputs:
//
//	*ReviewDTO - Template pre-filled from the old review.
//	error - ErrAlreadyReviewed when the highest version already has a review;
//	        ErrSourceNotCached when its source is not cached yet.
func (s *Service) NewVersionOfReview(ctx context.Context, name, oldVersion string) (*ReviewDTO, error) {
	old, err := s.findReview(name, oldVersion)
	if err != nil {
		return nil, err
	}
	target, err := s.index.HighestVersion(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.findReview(name, target); err == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrAlreadyReviewed, name, target)
	}
	pkg := records.PackageID{Name: name, Version: target}
	if !s.sources.SrcExists(pkg) {
		return nil, fmt.Errorf("%w: %s (add it to your project and build once)", ErrSourceNotCached, pkg)
	}
	dto := reviewDTOFromRecord(*old)
	dto.CrateVersion = target
	dto.Date = ""
	return &dto, nil
}

// SaveReview validates, signs and stores a review, replacing any prior
// review of the same package version. The digest and VCS revision are
// computed from the cached source at save time, so the proof always matches
// the bytes that were actually reviewed.
func (s *Service) SaveReview(ctx context.Context, dto ReviewDTO) error {
	if err := s.validate.Struct(dto); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReview, err)
	}
	pkg := records.PackageID{Name: dto.CrateName, Version: dto.CrateVersion}
	if !s.sources.SrcExists(pkg) {
		return fmt.Errorf("%w: %s", ErrSourceNotCached, pkg)
	}
	srcDir := s.sources.SrcDir(pkg)
	digest, err := treehash.Digest(srcDir)
	if err != nil {
		return fmt.Errorf("digest source tree: %w", err)
	}
	revision, err := treehash.VcsRevision(srcDir)
	if err != nil {
		return fmt.Errorf("read vcs revision: %w", err)
	}
	review := proofs.ReviewSegment{
		Thoroughness:  dto.Thoroughness,
		Understanding: dto.Understanding,
		Rating:        dto.Rating,
	}
	if err := s.proofs.Save(pkg, review, dto.CommentMD, digest, revision); err != nil {
		return err
	}
	s.pool.SyncReviews(ctx)
	return nil
}

// DeleteReview removes the review for a package version from the proof
// store, commits the removal and drops the cached projection.
func (s *Service) DeleteReview(ctx context.Context, name, version string) error {
	pkg := records.PackageID{Name: name, Version: version}
	if _, err := s.findReview(name, version); err != nil {
		return err
	}
	if err := s.proofs.Delete(pkg); err != nil {
		return err
	}
	msg := fmt.Sprintf("Delete review for %s v%s", name, version)
	if err := s.ident.CommitProofs(msg); err != nil {
		return err
	}
	if err := s.db.Delete(store.TreeReviews, pkg.Key()); err != nil {
		return err
	}
	s.log.Info("review deleted", slog.String("crate", name), slog.String("version", version))
	return nil
}

// Publish pushes the proof repository to its remote and returns the push
// output for display.
func (s *Service) Publish(ctx context.Context) (*OutputDTO, error) {
	out, err := s.runner.PublishProofs(ctx, s.ident.RepoDir())
	if err != nil {
		return nil, err
	}
	return &OutputDTO{Output: out}, nil
}

// ListVersions returns every version of a crate the local registry index
// knows, newest first, joined with yank flags, the user's reviews and
// source-cache presence. Publisher and date come from the registry API cache;
// a miss there only schedules a background fetch, the listing is complete
// without it.
func (s *Service) ListVersions(ctx context.Context, name string) (*VersionListDTO, error) {
	if err := s.pool.EnsureVersionsCached(ctx, name); err != nil {
		return nil, err
	}

	out := &VersionListDTO{CrateName: name, Items: []VersionDTO{}}
	if raw, ok, err := s.db.Get(store.TreeCrates, name); err != nil {
		return nil, err
	} else if ok {
		var crate records.CrateRecord
		if err := json.Unmarshal(raw, &crate); err == nil {
			out.Description = crate.Description
		}
	}

	// The local index is the authority for which versions exist and which
	// are yanked; the KVI trees only enrich the rows.
	published, err := s.index.Versions(name)
	if err != nil && !errors.Is(err, registry.ErrCrateNotFound) && !errors.Is(err, registry.ErrIndexMissing) {
		return nil, err
	}
	seen := make(map[string]struct{}, len(published))
	for _, vi := range published {
		pkg := records.PackageID{Name: name, Version: vi.Version}
		row, err := s.versionRow(pkg)
		if err != nil {
			return nil, err
		}
		row.Yanked = vi.Yanked
		out.Items = append(out.Items, row)
		seen[vi.Version] = struct{}{}
	}

	// Reviews can exist for versions a stale index checkout has not seen
	// yet; they still belong in the listing.
	lo, hi := records.RangeBounds(name)
	reviewed, err := s.db.Range(store.TreeReviews, lo, hi)
	if err != nil {
		return nil, err
	}
	for _, e := range reviewed {
		pkg, err := records.ParseKey(e.Key)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[pkg.Version]; ok {
			continue
		}
		row, err := s.versionRow(pkg)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, row)
	}

	sort.SliceStable(out.Items, func(i, j int) bool {
		return semver.Compare("v"+out.Items[i].CrateVersion, "v"+out.Items[j].CrateVersion) > 0
	})
	return out, nil
}

func (s *Service) versionRow(pkg records.PackageID) (VersionDTO, error) {
	row := VersionDTO{
		CrateName:    pkg.Name,
		CrateVersion: pkg.Version,
		IsSrcCached:  s.sources.SrcExists(pkg),
	}
	if raw, ok, err := s.db.Get(store.TreeVersions, pkg.Key()); err != nil {
		return row, err
	} else if ok {
		var vr records.VersionRecord
		if err := json.Unmarshal(raw, &vr); err == nil {
			row.PublishedDate = vr.PublishedDate
			if vr.PublishedByURL != nil {
				row.PublishedByURL = *vr.PublishedByURL
			}
		}
	}
	yanked, err := s.db.Contains(store.TreeYanked, pkg.Key())
	if err != nil {
		return row, err
	}
	row.Yanked = yanked

	if raw, ok, err := s.db.Get(store.TreeReviews, pkg.Key()); err != nil {
		return row, err
	} else if ok {
		var item records.ReviewItem
		if err := json.Unmarshal(raw, &item); err == nil {
			row.MyReview = item.Rating
		}
	}
	return row, nil
}

// crateVersionRe matches "name vX.Y.Z" occurrences in the dependency tree
// listing.
var crateVersionRe = regexp.MustCompile(`([a-z0-9_-]+) v(\d+\.\d+\.\d+)`)

// DependencyTree returns the project's dependency tree, one item per line.
// Lines naming a crate version carry the user's review rating, the crate
// description, the verification status and the publisher URL from the caches.
func (s *Service) DependencyTree(ctx context.Context) (*TreeDTO, error) {
	text, err := s.runner.DependencyTree(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.treeItems(text)
	if err != nil {
		return nil, err
	}
	return &TreeDTO{Items: items}, nil
}

func (s *Service) treeItems(text string) ([]TreeItemDTO, error) {
	items := []TreeItemDTO{}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		item := TreeItemDTO{Line: line}
		if sub := crateVersionRe.FindStringSubmatch(line); sub != nil {
			item.CrateName, item.CrateVersion = sub[1], sub[2]
			if err := s.joinTreeItem(&item); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) joinTreeItem(item *TreeItemDTO) error {
	pkg := records.PackageID{Name: item.CrateName, Version: item.CrateVersion}
	if raw, ok, err := s.db.Get(store.TreeReviews, pkg.Key()); err != nil {
		return err
	} else if ok {
		var rev records.ReviewItem
		if err := json.Unmarshal(raw, &rev); err == nil {
			item.MyReview = rev.Rating
		}
	}
	if raw, ok, err := s.db.Get(store.TreeCrates, item.CrateName); err != nil {
		return err
	} else if ok {
		var crate records.CrateRecord
		if err := json.Unmarshal(raw, &crate); err == nil {
			item.Description = crate.Description
		}
	}
	if raw, ok, err := s.db.Get(store.TreeVerify, pkg.Key()); err != nil {
		return err
	} else if ok {
		var v records.VerifyItem
		if err := json.Unmarshal(raw, &v); err == nil {
			item.Status = v.Status
		}
	}
	if raw, ok, err := s.db.Get(store.TreeVersions, pkg.Key()); err != nil {
		return err
	} else if ok {
		var vr records.VersionRecord
		if err := json.Unmarshal(raw, &vr); err == nil && vr.PublishedByURL != nil {
			item.PublishedByURL = *vr.PublishedByURL
		}
	}
	return nil
}

// VerifyList returns the cached project verification listing and schedules a
// background refresh.
func (s *Service) VerifyList(ctx context.Context) (*VerifyListDTO, error) {
	out := &VerifyListDTO{Items: []records.VerifyItem{}}
	err := s.db.Iterate(store.TreeVerify, func(_ string, value []byte) error {
		var item records.VerifyItem
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("decode verify item: %w", err)
		}
		out.Items = append(out.Items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pool.SyncVerify(ctx)
	return out, nil
}

// RepairMissingSources re-downloads and unpacks the source of every reviewed
// version that is absent from the cache. Failures are collected, not fatal;
// one unreachable crate must not block the rest.
func (s *Service) RepairMissingSources(ctx context.Context) (*RepairReportDTO, error) {
	recs, err := s.proofs.List(proofs.Filter{})
	if err != nil {
		return nil, err
	}
	report := &RepairReportDTO{}
	for _, rec := range recs {
		if rec.Header.Review == nil {
			continue
		}
		pkg := records.PackageID{Name: rec.Header.Package.Name, Version: rec.Header.Package.Version}
		report.Checked++
		downloaded, unpacked, err := s.sources.EnsureSource(ctx, pkg)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		if downloaded {
			report.Downloaded++
		}
		if unpacked {
			report.Unpacked++
		}
	}
	return report, nil
}

// RepairDigests recomputes the digest of every reviewed source tree and
// re-signs the proofs whose stored digest no longer matches. The review
// levels, rating and comment are never changed here; only the integrity
// fields are refreshed. Idempotent: a second pass re-signs nothing.
func (s *Service) RepairDigests(ctx context.Context) (*RepairReportDTO, error) {
	recs, err := s.proofs.List(proofs.Filter{})
	if err != nil {
		return nil, err
	}
	report := &RepairReportDTO{}
	for _, rec := range recs {
		if rec.Header.Review == nil {
			continue
		}
		pkg := records.PackageID{Name: rec.Header.Package.Name, Version: rec.Header.Package.Version}
		report.Checked++

		downloaded, unpacked, err := s.sources.EnsureSource(ctx, pkg)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		if downloaded {
			report.Downloaded++
		}
		if unpacked {
			report.Unpacked++
		}

		srcDir := s.sources.SrcDir(pkg)
		digest, err := treehash.Digest(srcDir)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		if digest == rec.Header.Package.Digest {
			continue
		}
		revision, err := treehash.VcsRevision(srcDir)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		if err := s.proofs.Save(pkg, *rec.Header.Review, rec.Header.Comment, digest, revision); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pkg, err))
			continue
		}
		report.Resigned++
		s.log.Info("proof re-signed with fresh digest",
			slog.String("crate", pkg.Name), slog.String("version", pkg.Version))
	}
	if report.Resigned > 0 {
		s.pool.SyncReviews(ctx)
	}
	return report, nil
}

// ListUncleanSources lists remove-commands for source trees that diverge
// from their archives.
func (s *Service) ListUncleanSources() (*UncleanListDTO, error) {
	cmds, err := s.sources.ListUnclean()
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []string{}
	}
	return &UncleanListDTO{Commands: cmds}, nil
}

// ListPublishers returns the user-curated trusted publisher list.
func (s *Service) ListPublishers() (*PublisherListDTO, error) {
	out := &PublisherListDTO{Items: []records.PublisherItem{}}
	err := s.db.Iterate(store.TreePublishers, func(_ string, value []byte) error {
		var item records.PublisherItem
		if err := json.Unmarshal(value, &item); err != nil {
			return fmt.Errorf("decode publisher: %w", err)
		}
		out.Items = append(out.Items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SavePublisher inserts or updates a trusted publisher entry.
func (s *Service) SavePublisher(item records.PublisherItem) error {
	if strings.TrimSpace(item.PublisherURL) == "" {
		return fmt.Errorf("%w: publisher url is required", ErrInvalidReview)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode publisher: %w", err)
	}
	return s.db.Put(store.TreePublishers, item.PublisherURL, raw)
}

// DeletePublisher removes a trusted publisher entry.
func (s *Service) DeletePublisher(url string) error {
	return s.db.Delete(store.TreePublishers, url)
}

// GetConfig returns the stored settings, falling back to defaults on first
// read.
func (s *Service) GetConfig() (*records.Config, error) {
	raw, ok, err := s.db.Get(store.TreeMetadata, "config")
	if err != nil {
		return nil, err
	}
	if !ok {
		cfg := records.DefaultConfig()
		return &cfg, nil
	}
	var cfg records.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig stores the settings.
func (s *Service) SaveConfig(cfg records.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.db.Put(store.TreeMetadata, "config", raw)
}

// UpdateRegistryIndex pulls the local registry index from its remote.
func (s *Service) UpdateRegistryIndex(ctx context.Context) error {
	return s.index.Update(ctx)
}

// OpenSourceCode unpacks a scratch copy of the package source and opens the
// configured editor on it. The shared cache tree is never opened directly;
// editor droppings would make it unclean.
func (s *Service) OpenSourceCode(ctx context.Context, name, version string) error {
	pkg := records.PackageID{Name: name, Version: version}
	if _, _, err := s.sources.EnsureSource(ctx, pkg); err != nil {
		return err
	}
	dir, err := s.sources.CopyToScratch(ctx, pkg)
	if err != nil {
		return err
	}
	cfg, err := s.GetConfig()
	if err != nil {
		return err
	}
	return s.runner.OpenEditor(cfg.CodeEditorPath, dir)
}

// SyncAll schedules the full background refresh: reviews, yank flags and the
// verify listing. Called at startup and by the proof-store watcher.
func (s *Service) SyncAll(ctx context.Context) {
	s.pool.SyncReviews(ctx)
	s.pool.SyncYanked(ctx)
	s.pool.SyncVerify(ctx)
}
