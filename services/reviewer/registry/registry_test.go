// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIndexFile(t *testing.T, dir, name string, lines string) {
	t.Helper()
	var shard string
	switch len(name) {
	case 1:
		shard = filepath.Join(dir, "1")
	case 2:
		shard = filepath.Join(dir, "2")
	case 3:
		shard = filepath.Join(dir, "3", name[:1])
	default:
		shard = filepath.Join(dir, name[:2], name[2:4])
	}
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shard, name), []byte(lines), 0o644))
}

func TestOpenIndexMissing(t *testing.T) {
	_, err := OpenIndex(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, ErrIndexMissing)
}

func TestIndexVersions(t *testing.T) {
	dir := t.TempDir()
	writeIndexFile(t, dir, "serde",
		`{"name":"serde","vers":"1.0.0","yanked":false,"cksum":"aa"}
{"name":"serde","vers":"1.0.1","yanked":true,"cksum":"bb"}
{"name":"serde","vers":"1.0.10","yanked":false,"cksum":"cc"}
`)
	idx, err := OpenIndex(dir)
	require.NoError(t, err)

	versions, err := idx.Versions("serde")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, VersionInfo{Version: "1.0.0", Yanked: false}, versions[0])
	assert.Equal(t, VersionInfo{Version: "1.0.1", Yanked: true}, versions[1])
	assert.Equal(t, VersionInfo{Version: "1.0.10", Yanked: false}, versions[2])
}

func TestIndexShardedPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "io", "log", "serde"} {
		writeIndexFile(t, dir, name, `{"name":"`+name+`","vers":"0.1.0","yanked":false}`+"\n")
	}
	idx, err := OpenIndex(dir)
	require.NoError(t, err)

	for _, name := range []string{"a", "io", "log", "serde"} {
		versions, err := idx.Versions(name)
		require.NoError(t, err, "crate %s", name)
		assert.Len(t, versions, 1)
	}
}

func TestIndexCrateNotFound(t *testing.T) {
	idx, err := OpenIndex(t.TempDir())
	require.NoError(t, err)
	_, err = idx.Versions("missing-crate")
	assert.ErrorIs(t, err, ErrCrateNotFound)
}

func TestHighestVersionIsSemverNotLexicographic(t *testing.T) {
	dir := t.TempDir()
	writeIndexFile(t, dir, "demo",
		`{"name":"demo","vers":"1.9.0","yanked":false}
{"name":"demo","vers":"1.10.0","yanked":false}
{"name":"demo","vers":"1.2.3","yanked":false}
`)
	idx, err := OpenIndex(dir)
	require.NoError(t, err)

	highest, err := idx.HighestVersion("demo")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", highest)
}

func TestClientFetchCrate(t *testing.T) {
	var gotPath, gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"crate": {"name":"serde","max_stable_version":"1.0.147","description":"serialization framework"},
			"versions": [
				{"num":"1.0.147","yanked":false,"published_by":{"url":"https://github.com/dtolnay"},"created_at":"2022-10-17T02:24:33Z"},
				{"num":"1.0.146","yanked":true,"published_by":null,"created_at":"2022-10-15T00:00:00Z"}
			]
		}`))
	}))
	defer ts.Close()

	c := NewClient(slog.Default(), WithBaseURL(ts.URL), WithClient(ts.Client()))
	resp, err := c.FetchCrate(context.Background(), "serde")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/crates/serde", gotPath)
	assert.Contains(t, gotUA, "crevdeck")
	assert.Equal(t, "serde", resp.Crate.Name)
	assert.Equal(t, "serialization framework", resp.Crate.Description)
	require.Len(t, resp.Versions, 2)
	require.NotNil(t, resp.Versions[0].PublishedBy)
	assert.Equal(t, "https://github.com/dtolnay", resp.Versions[0].PublishedBy.URL)
	assert.Nil(t, resp.Versions[1].PublishedBy)
	assert.True(t, resp.Versions[1].Yanked)
}

func TestClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := NewClient(slog.Default(), WithBaseURL(ts.URL), WithClient(ts.Client()))
	_, err := c.FetchCrate(context.Background(), "serde")
	assert.Error(t, err)
}
