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
	"embed"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed static
var staticFS embed.FS

// URLPrefix is the path namespace the server answers under. Anything outside
// it is a 404, so a stray local service on the same port cannot be mistaken
// for this one.
const URLPrefix = "/crevdeck"

// NewRouter builds the gin engine: the RPC endpoint plus the embedded UI,
// all under the URL namespace.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	ui, err := fs.Sub(staticFS, "static")
	if err != nil {
		// embed.FS with a literal subdirectory cannot fail at runtime.
		panic(err)
	}

	grp := r.Group(URLPrefix)
	grp.POST("/rpc", h.RPC)
	grp.StaticFS("/ui", http.FS(ui))
	grp.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, URLPrefix+"/ui/index.html")
	})

	r.NoRoute(func(c *gin.Context) {
		logger.Debug("request outside namespace", slog.String("path", c.Request.URL.Path))
		c.String(http.StatusNotFound, "not found")
	})
	return r
}
