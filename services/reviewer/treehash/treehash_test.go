// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package treehash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestDigestDeterministic(t *testing.T) {
	files := map[string]string{
		"Cargo.toml":  "[package]\nname = \"demo\"\n",
		"src/lib.rs":  "pub fn answer() -> u32 { 42 }\n",
		"src/util.rs": "pub(crate) fn helper() {}\n",
	}
	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, files)
	writeTree(t, b, files)

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db, "same content must digest identically regardless of location")
	assert.Len(t, da, 64)
}

func TestDigestSensitivity(t *testing.T) {
	base := map[string]string{"a.txt": "one", "b.txt": "two"}

	root := t.TempDir()
	writeTree(t, root, base)
	orig, err := Digest(root)
	require.NoError(t, err)

	t.Run("content change", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"a.txt": "ONE", "b.txt": "two"})
		d, err := Digest(dir)
		require.NoError(t, err)
		assert.NotEqual(t, orig, d)
	})

	t.Run("rename", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"a2.txt": "one", "b.txt": "two"})
		d, err := Digest(dir)
		require.NoError(t, err)
		assert.NotEqual(t, orig, d)
	})

	t.Run("boundary shift", func(t *testing.T) {
		// Moving bytes between adjacent files must not cancel out.
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"a.txt": "on", "b.txt": "etwo"})
		d, err := Digest(dir)
		require.NoError(t, err)
		assert.NotEqual(t, orig, d)
	})
}

func TestDigestIgnoresUnpackMarker(t *testing.T) {
	clean := t.TempDir()
	writeTree(t, clean, map[string]string{"src/lib.rs": "fn main() {}\n"})
	want, err := Digest(clean)
	require.NoError(t, err)

	marked := t.TempDir()
	writeTree(t, marked, map[string]string{
		"src/lib.rs": "fn main() {}\n",
		UnpackMarker: "ok",
	})
	got, err := Digest(marked)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDigestMissingRoot(t *testing.T) {
	_, err := Digest(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestVcsRevision(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			VcsInfoFile: `{"git":{"sha1":"b702d56f9b4a91dedc4e26ffab4932dbf4b3b7ef"},"path_in_vcs":""}`,
		})
		rev, err := VcsRevision(root)
		require.NoError(t, err)
		assert.Equal(t, "b702d56f9b4a91dedc4e26ffab4932dbf4b3b7ef", rev)
	})

	t.Run("absent", func(t *testing.T) {
		rev, err := VcsRevision(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, rev)
	})

	t.Run("malformed", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{VcsInfoFile: "not json"})
		_, err := VcsRevision(root)
		assert.Error(t, err)
	})
}
