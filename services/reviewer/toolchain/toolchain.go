// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toolchain shells out to the developer's installed tools: the
// package build tool for dependency and verification listings, git for
// publishing the proof repository, and the configured editor and browser.
package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
)

// Runner executes toolchain subprocesses from a project directory.
type Runner struct {
	projectDir string
	log        *slog.Logger
}

// NewRunner creates a Runner rooted at projectDir.
func NewRunner(projectDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{projectDir: projectDir, log: logger}
}

// CargoPresent reports whether the build tool is on PATH.
func CargoPresent() bool {
	_, err := exec.LookPath("cargo")
	return err == nil
}

// run executes a command in the project directory and returns its combined
// stdout and stderr, which callers parse or display verbatim.
func (r *Runner) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.projectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// DependencyTree returns the project's dependency tree listing.
func (r *Runner) DependencyTree(ctx context.Context) (string, error) {
	return r.run(ctx, "cargo", "tree")
}

// verifyLine matches one data row of the verification listing: a status
// column, a my-review column, then the crate name and version at the end.
var verifyLine = regexp.MustCompile(`^(\S+)\s+(\S+)\s+.*?([a-z0-9_-]+)\s+(\d+\.\d+\.\d+\S*)\s*$`)

// VerifyProject runs the trust verification over the project dependencies
// and parses the per-crate rows. Header and summary lines are skipped.
func (r *Runner) VerifyProject(ctx context.Context) ([]records.VerifyItem, error) {
	out, err := r.run(ctx, "cargo", "crev", "crate", "verify")
	if err != nil {
		// The tool exits non-zero when any dependency fails verification,
		// which is exactly the case worth listing.
		if out == "" {
			return nil, err
		}
	}
	var items []records.VerifyItem
	for _, line := range strings.Split(out, "\n") {
		m := verifyLine.FindStringSubmatch(strings.TrimRight(line, " \t"))
		if m == nil {
			continue
		}
		items = append(items, records.VerifyItem{
			Status:       m[1],
			MyReview:     m[2],
			CrateName:    m[3],
			CrateVersion: m[4],
		})
	}
	return items, nil
}

// PublishProofs pushes the proof repository to its remote.
func (r *Runner) PublishProofs(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "push")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("publish proofs: %w: %s", err, out)
	}
	r.log.Info("proof repository published", slog.String("dir", repoDir))
	return string(out), nil
}

// OpenEditor launches the configured editor on a directory. The launcher
// process is given a moment to hand off to the editor daemon, then killed
// so no child lingers past the hand-off.
func (r *Runner) OpenEditor(editorPath, dir string) error {
	if _, err := r.launchTransient(editorPath, dir, time.Second); err != nil {
		return fmt.Errorf("start editor %s: %w", editorPath, err)
	}
	r.log.Info("editor opened", slog.String("dir", dir))
	return nil
}

// launchTransient starts a hand-off process and kills it after the grace
// period, reaping it so no zombie remains.
func (r *Runner) launchTransient(path, arg string, grace time.Duration) (*exec.Cmd, error) {
	cmd := exec.Command(path, arg)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		time.Sleep(grace)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	return cmd, nil
}

// OpenBrowser launches the configured browser on a URL.
func (r *Runner) OpenBrowser(browserPath, url string) error {
	cmd := exec.Command(browserPath, url)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser %s: %w", browserPath, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
