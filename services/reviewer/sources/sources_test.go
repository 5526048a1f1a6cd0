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
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
)

type member struct {
	path    string
	content string
	mtime   time.Time
}

// buildArchive produces a registry-style gzip tar with every member under a
// single "{name}-{version}/" top-level directory.
func buildArchive(t *testing.T, rootName string, members []member) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     rootName + "/" + m.path,
			Mode:     0o644,
			Size:     int64(len(m.content)),
			ModTime:  m.mtime,
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(m.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestIndex(t *testing.T, opts ...Option) *Index {
	t.Helper()
	cargoHome := t.TempDir()
	scratch := t.TempDir()
	return New(cargoHome, scratch, slog.Default(), opts...)
}

func putArchive(t *testing.T, idx *Index, pkg records.PackageID, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(idx.CacheRoot(), 0o755))
	require.NoError(t, os.WriteFile(idx.CacheFile(pkg), data, 0o644))
}

func TestUnpackFromCache(t *testing.T) {
	idx := newTestIndex(t)
	pkg := records.PackageID{Name: "demo", Version: "0.1.0"}
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	putArchive(t, idx, pkg, buildArchive(t, pkg.DirName(), []member{
		{path: "Cargo.toml", content: "[package]\n", mtime: mtime},
		{path: "src/lib.rs", content: "pub fn f() {}\n", mtime: mtime},
	}))

	downloaded, unpacked, err := idx.EnsureSource(context.Background(), pkg)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.True(t, unpacked)
	assert.True(t, idx.SrcExists(pkg))

	content, err := os.ReadFile(filepath.Join(idx.SrcDir(pkg), "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "pub fn f() {}\n", string(content))

	// Unpack marker signals completeness.
	_, err = os.Stat(filepath.Join(idx.SrcDir(pkg), ".cargo-ok"))
	assert.NoError(t, err)

	// Second call is a no-op.
	downloaded, unpacked, err = idx.EnsureSource(context.Background(), pkg)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.False(t, unpacked)
}

func TestUnpackZeroMtimeBecomesOne(t *testing.T) {
	idx := newTestIndex(t)
	pkg := records.PackageID{Name: "old", Version: "0.0.1"}
	putArchive(t, idx, pkg, buildArchive(t, pkg.DirName(), []member{
		{path: "lib.rs", content: "x", mtime: time.Unix(0, 0)},
	}))

	_, _, err := idx.EnsureSource(context.Background(), pkg)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(idx.SrcDir(pkg), "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ModTime().Unix())
}

func TestEnsureSourceDownloads(t *testing.T) {
	pkg := records.PackageID{Name: "demo", Version: "0.1.0"}
	archive := buildArchive(t, pkg.DirName(), []member{
		{path: "src/lib.rs", content: "pub fn f() {}\n", mtime: time.Now()},
	})

	var gotPath, gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write(archive)
	}))
	defer ts.Close()

	idx := newTestIndex(t, WithDownloadBase(ts.URL), WithHTTPClient(ts.Client()))
	downloaded, unpacked, err := idx.EnsureSource(context.Background(), pkg)
	require.NoError(t, err)
	assert.True(t, downloaded)
	assert.True(t, unpacked)
	assert.Equal(t, "/api/v1/crates/demo/0.1.0/download", gotPath)
	assert.Contains(t, gotUA, "crevdeck")
	assert.FileExists(t, idx.CacheFile(pkg))
}

func TestDownloadFailureStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	idx := newTestIndex(t, WithDownloadBase(ts.URL), WithHTTPClient(ts.Client()))
	pkg := records.PackageID{Name: "gone", Version: "9.9.9"}
	err := idx.Download(context.Background(), pkg)
	assert.Error(t, err)
	assert.NoFileExists(t, idx.CacheFile(pkg), "failed download must not leave an archive behind")
}

func TestCopyToScratch(t *testing.T) {
	idx := newTestIndex(t)
	pkg := records.PackageID{Name: "demo", Version: "0.1.0"}
	putArchive(t, idx, pkg, buildArchive(t, pkg.DirName(), []member{
		{path: "src/lib.rs", content: "original", mtime: time.Now()},
	}))

	dir, err := idx.CopyToScratch(context.Background(), pkg)
	require.NoError(t, err)

	// Edit the scratch copy, then re-open: the copy comes back pristine.
	edited := filepath.Join(dir, "src", "lib.rs")
	require.NoError(t, os.WriteFile(edited, []byte("mangled"), 0o644))

	dir2, err := idx.CopyToScratch(context.Background(), pkg)
	require.NoError(t, err)
	require.Equal(t, dir, dir2)
	content, err := os.ReadFile(edited)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestCopyToScratchNotCached(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.CopyToScratch(context.Background(), records.PackageID{Name: "x", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestListUnclean(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	members := []member{
		{path: "Cargo.toml", content: "[package]\n", mtime: mtime},
		{path: "src/lib.rs", content: "pub fn f() {}\n", mtime: mtime},
	}

	setup := func(t *testing.T) (*Index, records.PackageID) {
		idx := newTestIndex(t)
		pkg := records.PackageID{Name: "demo", Version: "0.1.0"}
		putArchive(t, idx, pkg, buildArchive(t, pkg.DirName(), members))
		_, _, err := idx.EnsureSource(context.Background(), pkg)
		require.NoError(t, err)
		return idx, pkg
	}

	t.Run("clean tree", func(t *testing.T) {
		idx, _ := setup(t)
		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		assert.Empty(t, cmds)
	})

	t.Run("size change", func(t *testing.T) {
		idx, pkg := setup(t)
		path := filepath.Join(idx.SrcDir(pkg), "src", "lib.rs")
		require.NoError(t, os.WriteFile(path, []byte("pub fn f() {} // edited\n"), 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))

		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		require.Len(t, cmds, 1)
		assert.Equal(t, "rm -rf "+idx.SrcDir(pkg), cmds[0])
	})

	t.Run("mtime change", func(t *testing.T) {
		idx, pkg := setup(t)
		path := filepath.Join(idx.SrcDir(pkg), "src", "lib.rs")
		require.NoError(t, os.Chtimes(path, mtime.Add(time.Hour), mtime.Add(time.Hour)))

		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		assert.Len(t, cmds, 1)
	})

	t.Run("extra file", func(t *testing.T) {
		idx, pkg := setup(t)
		extra := filepath.Join(idx.SrcDir(pkg), "stray.txt")
		require.NoError(t, os.WriteFile(extra, []byte("x"), 0o644))

		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		assert.Len(t, cmds, 1)
	})

	t.Run("missing archive", func(t *testing.T) {
		idx, pkg := setup(t)
		require.NoError(t, os.Remove(idx.CacheFile(pkg)))

		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		assert.Len(t, cmds, 1)
	})

	t.Run("zero archive mtime skips mtime check", func(t *testing.T) {
		idx := newTestIndex(t)
		pkg := records.PackageID{Name: "old", Version: "0.0.1"}
		putArchive(t, idx, pkg, buildArchive(t, pkg.DirName(), []member{
			{path: "lib.rs", content: "x", mtime: time.Unix(0, 0)},
		}))
		_, _, err := idx.EnsureSource(context.Background(), pkg)
		require.NoError(t, err)

		// On disk the file carries mtime 1, the archive records 0. Not a
		// divergence.
		cmds, err := idx.ListUnclean()
		require.NoError(t, err)
		assert.Empty(t, cmds)
	})
}
