// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for crevdeck.
//
// Built on the standard library slog package with two destinations:
//
//   - stderr, text format, for interactive use (Unix convention)
//   - an optional log file in JSON format, one file per day, named
//     "{service}_{date}.log" in the configured directory
//
// The review server runs next to a terminal form that prompts for the
// identity passphrase, so stderr stays human-readable while the file keeps a
// machine-parseable history of what was signed and synced.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the logger. The zero value logs Info and above to
// stderr only.
type Config struct {
	// Level is the minimum slog level. Messages below it are discarded.
	Level slog.Level

	// LogDir enables file logging when non-empty. A leading "~" expands to
	// the user's home directory; the directory is created if absent.
	LogDir string

	// Service names the log file, default "crevdeck".
	Service string
}

// New builds a slog.Logger per config and returns it with a close function
// for the log file. The close function is non-nil even without a file.
//
// Outputs:
//
//	*slog.Logger - The configured logger.
//	func() error - Flushes and closes the log file.
//	error - Non-nil when the log directory or file cannot be created.
func New(config Config) (*slog.Logger, func() error, error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.Level})
	if config.LogDir == "" {
		return slog.New(stderrHandler), func() error { return nil }, nil
	}

	dir := expandPath(config.LogDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	service := config.Service
	if service == "" {
		service = "crevdeck"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: config.Level})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{stderrHandler, fileHandler}})
	return logger, f.Close, nil
}

// multiHandler fans one record out to every destination.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
