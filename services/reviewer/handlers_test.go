// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reviewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
)

func newTestRouter(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	h := NewHandler(env.svc, nil)
	return env, NewRouter(h, nil)
}

func postRPC(t *testing.T, router http.Handler, method string, data any) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"request_method": method,
		"request_data":   json.RawMessage(raw),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/crevdeck/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestRPCReviewLifecycle(t *testing.T) {
	env, router := newTestRouter(t)
	pkg := records.PackageID{Name: "serde", Version: "1.0.0"}
	env.cacheSource(t, pkg, map[string]string{"lib.rs": "x"})

	rec, resp := postRPC(t, router, "review_save", validReview("serde", "1.0.0"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "review_list", resp.ResponseMethod)

	rec, resp = postRPC(t, router, "review_list", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	raw, err := json.Marshal(resp.ResponseData)
	require.NoError(t, err)
	var list ReviewListDTO
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "serde", list.Items[0].CrateName)

	env.svc.pool.Wait()
	rec, _ = postRPC(t, router, "review_delete",
		map[string]string{"crate_name": "serde", "crate_version": "1.0.0"})
	require.Equal(t, http.StatusOK, rec.Code)

	list2, err := env.svc.ListReviews()
	require.NoError(t, err)
	assert.Empty(t, list2.Items)
}

func TestRPCErrorMapping(t *testing.T) {
	_, router := newTestRouter(t)

	t.Run("unknown method", func(t *testing.T) {
		rec, resp := postRPC(t, router, "no_such_method", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "error", resp.ResponseMethod)
	})

	t.Run("review not found", func(t *testing.T) {
		rec, _ := postRPC(t, router, "review_edit",
			map[string]string{"crate_name": "ghost", "crate_version": "0.0.1"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("source not cached", func(t *testing.T) {
		rec, _ := postRPC(t, router, "review_edit_or_new",
			map[string]string{"crate_name": "ghost", "crate_version": "0.0.1"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid review", func(t *testing.T) {
		dto := validReview("serde", "1.0.0")
		dto.Rating = "superb"
		rec, _ := postRPC(t, router, "review_save", dto)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/crevdeck/rpc", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRPCPublisherAndConfig(t *testing.T) {
	_, router := newTestRouter(t)

	rec, resp := postRPC(t, router, "publisher_save",
		map[string]string{"publisher_url": "https://github.com/dtolnay", "note": "serde"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "publisher_list", resp.ResponseMethod)

	rec, resp = postRPC(t, router, "config_edit", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "config_edit", resp.ResponseMethod)
}

func TestRequestsOutsideNamespaceAre404(t *testing.T) {
	_, router := newTestRouter(t)

	for _, path := range []string{"/", "/rpc", "/api/v1/other", "/favicon.ico"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}
}

func TestUIRedirect(t *testing.T) {
	_, router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/crevdeck/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/crevdeck/ui/index.html", rec.Header().Get("Location"))
}
