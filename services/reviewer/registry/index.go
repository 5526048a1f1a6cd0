// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry reads registry metadata from two sources: the local
// version-controlled index maintained by the package toolchain (per-package
// version lists and yank flags) and the registry HTTP API (publisher,
// publish date, description).
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrIndexMissing indicates the local registry index is not present.
var ErrIndexMissing = errors.New("local registry index missing")

// ErrCrateNotFound indicates the index has no entry for the crate name.
var ErrCrateNotFound = errors.New("crate not found in registry index")

// VersionInfo is one line of a local index file.
type VersionInfo struct {
	Version string
	Yanked  bool
}

// Index reads the local registry index checkout.
type Index struct {
	dir string
}

// OpenIndex opens the local index at dir.
//
// Outputs:
//
//	*Index - The opened index.
//	error - ErrIndexMissing when dir does not exist.
func OpenIndex(dir string) (*Index, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrIndexMissing, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("stat index: %w", err)
	}
	return &Index{dir: dir}, nil
}

// Dir returns the index directory.
func (x *Index) Dir() string { return x.dir }

// pathForName returns the index file path for a crate name, using the
// index's prefix-sharded layout: 1/, 2/, 3/<c>/, <c1c2>/<c3c4>/.
func (x *Index) pathForName(name string) string {
	n := strings.ToLower(name)
	switch len(n) {
	case 0:
		return ""
	case 1:
		return filepath.Join(x.dir, "1", n)
	case 2:
		return filepath.Join(x.dir, "2", n)
	case 3:
		return filepath.Join(x.dir, "3", n[:1], n)
	default:
		return filepath.Join(x.dir, n[:2], n[2:4], n)
	}
}

type indexLine struct {
	Name    string `json:"name"`
	Vers    string `json:"vers"`
	Yanked  bool   `json:"yanked"`
	Cksum   string `json:"cksum"`
	Version string `json:"v,omitempty"`
}

// Versions returns every published version of a crate with its yank flag,
// in index file order.
func (x *Index) Versions(name string) ([]VersionInfo, error) {
	path := x.pathForName(name)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open index file for %s: %w", name, err)
	}
	defer f.Close()

	var out []VersionInfo
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var il indexLine
		if err := json.Unmarshal([]byte(line), &il); err != nil {
			return nil, fmt.Errorf("parse index line for %s: %w", name, err)
		}
		out = append(out, VersionInfo{Version: il.Vers, Yanked: il.Yanked})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read index file for %s: %w", name, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, name)
	}
	return out, nil
}

// HighestVersion returns the semver-maximum version of a crate.
func (x *Index) HighestVersion(name string) (string, error) {
	versions, err := x.Versions(name)
	if err != nil {
		return "", err
	}
	highest := ""
	for _, v := range versions {
		if highest == "" || semver.Compare("v"+v.Version, "v"+highest) > 0 {
			highest = v.Version
		}
	}
	return highest, nil
}

// Update pulls the index checkout from its remote.
func (x *Index) Update(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-C", x.dir, "pull", "--ff-only")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("update registry index: %w: %s", err, out)
	}
	return nil
}
