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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/crevdeck/services/reviewer/proofs"
)

// WatchProofDir keeps the review cache fresh when the proof store is edited
// outside this process (another tool, a git pull). Every write or remove of
// a proof file schedules a review sync; the pool dedups bursts.
//
// Blocks until ctx is canceled.
func (s *Service) WatchProofDir(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create proof watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.log.Info("watching proof store", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, proofs.FileSuffix) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.log.Debug("proof store changed", slog.String("file", ev.Name))
			s.pool.SyncReviews(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("proof watcher error", slog.Any("error", err))
		}
	}
}
