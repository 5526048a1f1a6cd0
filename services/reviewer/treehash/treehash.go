// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treehash computes deterministic content digests over package
// source trees and extracts the upstream VCS revision marker.
//
// The digest covers every regular file under the root except the unpacking
// marker sentinel. Files are folded into a single sha256 in sorted relative
// path order, each framed as "path NUL content NUL" so that renames and
// boundary shifts change the digest.
package treehash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

const (
	// DigestType is the algorithm tag stored verbatim in review proofs.
	DigestType = "sha256"

	// RevisionType is the revision-type tag stored verbatim in review proofs.
	RevisionType = "git"

	// UnpackMarker is the sentinel file written after a successful unpack.
	// It is the only entry of the ignore set.
	UnpackMarker = ".cargo-ok"

	// VcsInfoFile is the JSON file at the tree root that carries the
	// upstream git revision, when the publisher included one.
	VcsInfoFile = ".cargo_vcs_info.json"
)

// Digest computes the recursive content digest over root.
//
// Outputs:
//
//	string - Hex-encoded sha256 of the tree content.
//	error - Non-nil when root does not exist or a file cannot be read.
func Digest(root string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat source tree: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source tree %s is not a directory", root)
	}

	var rels []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == UnpackMarker {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk source tree: %w", err)
	}
	sort.Strings(rels)

	digester := digest.SHA256.Digester()
	h := digester.Hash()
	for _, rel := range rels {
		if _, err := io.WriteString(h, rel); err != nil {
			return "", err
		}
		h.Write([]byte{0})
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		h.Write([]byte{0})
	}
	return digester.Digest().Encoded(), nil
}

type vcsInfo struct {
	Git struct {
		Sha1 string `json:"sha1"`
	} `json:"git"`
}

// VcsRevision reads the upstream git revision from the VcsInfoFile at the
// tree root. Returns the empty string when the file is absent.
func VcsRevision(root string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(root, VcsInfoFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", VcsInfoFile, err)
	}
	var info vcsInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", fmt.Errorf("parse %s: %w", VcsInfoFile, err)
	}
	return info.Git.Sha1, nil
}
