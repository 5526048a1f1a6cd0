// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources resolves package versions to the registry's on-disk source
// cache and keeps that cache usable for reviewing.
//
// Layout under the cargo home:
//
//	registry/src/<registry-id>/{name}-{version}/      unpacked source trees
//	registry/cache/<registry-id>/{name}-{version}.crate  gzip tar archives
//
// The src tree is shared read-only with the build toolchain; editing happens
// on scratch copies so editors never pollute the shared cache.
package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
)

// RegistrySegment is the fixed registry-identifier path segment of the
// default registry, derived from the toolchain configuration.
const RegistrySegment = "github.com-1ecc6299db9ec823"

// userAgent identifies archive downloads to the registry.
const userAgent = "crevdeck (github.com/AleutianAI/crevdeck)"

// ErrNotCached indicates the source tree for a package version is absent
// from the local cache.
var ErrNotCached = errors.New("package source not in local cache")

// Index resolves package versions to cache paths and repairs the cache.
type Index struct {
	cargoHome    string
	registrySeg  string
	scratchDir   string
	downloadBase string
	client       *http.Client
	log          *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithDownloadBase overrides the registry download endpoint (tests).
func WithDownloadBase(base string) Option {
	return func(i *Index) { i.downloadBase = base }
}

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Index) { i.client = c }
}

// WithRegistrySegment overrides the registry-identifier path segment.
func WithRegistrySegment(seg string) Option {
	return func(i *Index) { i.registrySeg = seg }
}

// New creates an Index over the given cargo home and scratch directory.
func New(cargoHome, scratchDir string, logger *slog.Logger, opts ...Option) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{
		cargoHome:    cargoHome,
		registrySeg:  RegistrySegment,
		scratchDir:   scratchDir,
		downloadBase: "https://crates.io",
		client:       &http.Client{},
		log:          logger,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// SrcRoot returns the directory holding unpacked source trees.
func (i *Index) SrcRoot() string {
	return filepath.Join(i.cargoHome, "registry", "src", i.registrySeg)
}

// CacheRoot returns the directory holding downloaded archives.
func (i *Index) CacheRoot() string {
	return filepath.Join(i.cargoHome, "registry", "cache", i.registrySeg)
}

// SrcDir returns the deterministic source path for pkg. The path may not
// exist; see SrcExists and EnsureSource.
func (i *Index) SrcDir(pkg records.PackageID) string {
	return filepath.Join(i.SrcRoot(), pkg.DirName())
}

// CacheFile returns the deterministic archive path for pkg.
func (i *Index) CacheFile(pkg records.PackageID) string {
	return filepath.Join(i.CacheRoot(), pkg.DirName()+".crate")
}

// SrcExists reports whether the unpacked source tree for pkg is present.
func (i *Index) SrcExists(pkg records.PackageID) bool {
	info, err := os.Stat(i.SrcDir(pkg))
	return err == nil && info.IsDir()
}

// EnsureSource guarantees the source tree for pkg exists on return,
// downloading and unpacking as needed. Reports what it had to do so repair
// operations can count downloads and unpackings.
func (i *Index) EnsureSource(ctx context.Context, pkg records.PackageID) (downloaded, unpacked bool, err error) {
	if i.SrcExists(pkg) {
		return false, false, nil
	}
	archive := i.CacheFile(pkg)
	if _, err := os.Stat(archive); errors.Is(err, os.ErrNotExist) {
		if err := i.Download(ctx, pkg); err != nil {
			return false, false, err
		}
		downloaded = true
	} else if err != nil {
		return false, false, fmt.Errorf("stat archive: %w", err)
	}
	if err := unpackArchive(archive, i.SrcRoot(), pkg.DirName()); err != nil {
		return downloaded, false, err
	}
	i.log.Info("source unpacked", slog.String("crate", pkg.Name), slog.String("version", pkg.Version))
	return downloaded, true, nil
}

// Download fetches the archive for pkg from the registry download endpoint
// and writes it to the cache path. The endpoint serves yanked versions too.
func (i *Index) Download(ctx context.Context, pkg records.PackageID) error {
	dlURL := fmt.Sprintf("%s/api/v1/crates/%s/%s/download",
		i.downloadBase, url.PathEscape(pkg.Name), url.PathEscape(pkg.Version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", pkg, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", pkg, resp.Status)
	}

	if err := os.MkdirAll(i.CacheRoot(), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	target := i.CacheFile(pkg)
	tmp, err := os.CreateTemp(i.CacheRoot(), pkg.DirName()+".*.part")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("move archive into cache: %w", err)
	}
	i.log.Info("archive downloaded", slog.String("crate", pkg.Name), slog.String("version", pkg.Version))
	return nil
}

// CopyToScratch unpacks the archive for pkg into the per-user scratch
// directory and returns the fresh tree path. Any previous scratch copy for
// the same version is removed first.
//
// Outputs:
//
//	string - Path of the scratch source tree.
//	error - ErrNotCached when the archive is absent.
func (i *Index) CopyToScratch(ctx context.Context, pkg records.PackageID) (string, error) {
	archive := i.CacheFile(pkg)
	if _, err := os.Stat(archive); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotCached, pkg)
	} else if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}
	dest := filepath.Join(i.scratchDir, pkg.DirName())
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear scratch tree: %w", err)
	}
	if err := unpackArchive(archive, i.scratchDir, pkg.DirName()); err != nil {
		return "", err
	}
	return dest, nil
}
