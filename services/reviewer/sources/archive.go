// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/crevdeck/services/reviewer/treehash"
)

// memberInfo describes one archive member for unclean comparison.
type memberInfo struct {
	size  int64
	mtime int64
}

// unpackArchive extracts a gzip tar archive into destParent. Members are
// expected under a single top-level "{name}-{version}/" directory matching
// rootName; anything escaping destParent is rejected. After a successful
// unpack the marker sentinel is written inside the tree root to signal
// "unpacking complete".
//
// Archives with a recorded mtime of 0 come out with mtime 1 on disk. That
// matches what the build toolchain produces for such members, and the
// unclean detector relies on it.
func unpackArchive(archivePath, destParent, rootName string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destParent, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive member: %w", err)
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive member escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(destParent, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract %s: %w", name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", name, err)
			}
			mtime := hdr.ModTime
			if mtime.Unix() <= 0 {
				mtime = time.Unix(1, 0)
			}
			if err := os.Chtimes(target, mtime, mtime); err != nil {
				return fmt.Errorf("set mtime on %s: %w", name, err)
			}
		default:
			// Symlinks and specials do not occur in registry archives.
		}
	}

	marker := filepath.Join(destParent, rootName, treehash.UnpackMarker)
	if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("write unpack marker: %w", err)
	}
	return nil
}

// archiveMembers reads the member table of an archive, keyed by path
// relative to the top-level directory. Directories and the unpack marker
// are excluded.
func archiveMembers(archivePath string) (map[string]memberInfo, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", archivePath, err)
	}
	defer gz.Close()

	members := make(map[string]memberInfo)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive member: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		_, rel, ok := strings.Cut(filepath.ToSlash(hdr.Name), "/")
		if !ok || rel == "" || rel == treehash.UnpackMarker {
			continue
		}
		members[rel] = memberInfo{size: hdr.Size, mtime: hdr.ModTime.Unix()}
	}
	return members, nil
}
