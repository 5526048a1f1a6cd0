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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AleutianAI/crevdeck/services/reviewer/treehash"
)

// ListUnclean compares every unpacked source tree against its archive and
// returns shell remove-commands for the trees that diverge. The next build
// of a consuming project re-unpacks removed trees from the archive.
//
// A tree is unclean when: it has no matching archive; file counts differ; a
// same-name file differs in size; a same-name file differs in modification
// time and the archive records a non-zero mtime; or the member sets mismatch
// in either direction. The unpack marker sentinel is excluded from the
// comparison on both sides.
func (i *Index) ListUnclean() ([]string, error) {
	entries, err := os.ReadDir(i.SrcRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read src cache: %w", err)
	}

	var commands []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(i.SrcRoot(), e.Name())
		archive := filepath.Join(i.CacheRoot(), e.Name()+".crate")

		unclean, err := i.treeDiverges(dir, archive)
		if err != nil {
			return nil, err
		}
		if unclean {
			commands = append(commands, "rm -rf "+dir)
		}
	}
	return commands, nil
}

func (i *Index) treeDiverges(dir, archive string) (bool, error) {
	if _, err := os.Stat(archive); errors.Is(err, os.ErrNotExist) {
		// Source with no matching archive cannot be validated.
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("stat archive: %w", err)
	}

	members, err := archiveMembers(archive)
	if err != nil {
		return false, err
	}
	onDisk, err := treeFiles(dir)
	if err != nil {
		return false, err
	}

	if len(members) != len(onDisk) {
		return true, nil
	}
	for rel, m := range members {
		d, ok := onDisk[rel]
		if !ok {
			return true, nil
		}
		if d.size != m.size {
			return true, nil
		}
		// mtime 0 in the archive means "no recorded time"; skip the check.
		if m.mtime != 0 && d.mtime != m.mtime {
			return true, nil
		}
	}
	for rel := range onDisk {
		if _, ok := members[rel]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// treeFiles indexes the regular files of a source tree by slash-relative
// path, excluding the unpack marker.
func treeFiles(dir string) (map[string]memberInfo, error) {
	files := make(map[string]memberInfo)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == treehash.UnpackMarker {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files[rel] = memberInfo{size: info.Size(), mtime: info.ModTime().Unix()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}
