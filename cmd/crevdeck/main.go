// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// crevdeck is a local desktop companion for writing cryptographically signed
// code reviews of registry packages. It runs a loopback web server next to
// the project being audited and opens the browser UI on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/crevdeck/pkg/logging"
	"github.com/AleutianAI/crevdeck/services/reviewer"
	"github.com/AleutianAI/crevdeck/services/reviewer/identity"
	"github.com/AleutianAI/crevdeck/services/reviewer/migrate"
	"github.com/AleutianAI/crevdeck/services/reviewer/proofs"
	"github.com/AleutianAI/crevdeck/services/reviewer/registry"
	"github.com/AleutianAI/crevdeck/services/reviewer/sources"
	"github.com/AleutianAI/crevdeck/services/reviewer/store"
	"github.com/AleutianAI/crevdeck/services/reviewer/syncer"
	"github.com/AleutianAI/crevdeck/services/reviewer/toolchain"
)

// buildVersion is the application and index schema version.
const buildVersion = "0.3.0"

var (
	flagPort      int
	flagProofRepo string
	flagNoBrowser bool
)

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "crevdeck"), nil
}

func cargoHome() string {
	if v := os.Getenv("CARGO_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cargo"
	}
	return filepath.Join(home, ".cargo")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crevdeck",
		Short:         "signed code reviews for your project's dependencies",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&flagPort, "port", 8182, "loopback port for the web UI")
	root.PersistentFlags().StringVar(&flagProofRepo, "proof-repo", "", "proof repository working copy (default ~/.config/crevdeck/proofs)")
	root.AddCommand(newInitCmd(), newServeCmd())
	return root
}

func newInitCmd() *cobra.Command {
	var repoURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "create a new signing identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir, err := configDir()
			if err != nil {
				return err
			}
			idPath := filepath.Join(cfgDir, "identity.yaml")
			if _, err := os.Stat(idPath); err == nil {
				return fmt.Errorf("identity already exists at %s", idPath)
			}
			pass, err := identity.ReadPassphrase()
			if err != nil {
				return err
			}
			if err := identity.Create(idPath, repoURL, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity created at %s\n", idPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "proof-repo-url", "", "public URL of your proof repository")
	_ = cmd.MarkFlagRequired("proof-repo-url")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the local review server and open the browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&flagNoBrowser, "no-browser", false, "do not open the browser at startup")
	return cmd
}

// serve runs the whole application: preconditions, index, identity, sync
// pool, HTTP server. Returns when the context is canceled or startup fails.
func serve(ctx context.Context) error {
	cfgDir, err := configDir()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:   slog.LevelDebug,
		LogDir:  filepath.Join(cfgDir, "logs"),
		Service: "crevdeck",
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	// The server reviews the dependencies of the project it is started in.
	if _, err := os.Stat("Cargo.toml"); err != nil {
		return errors.New("no Cargo.toml here; start crevdeck from the root of the project you are auditing")
	}
	if !toolchain.CargoPresent() {
		return errors.New("cargo not found on PATH")
	}
	repoDir := flagProofRepo
	if repoDir == "" {
		repoDir = filepath.Join(cfgDir, "proofs")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s/", flagPort, reviewer.URLPrefix)
	db, err := store.Open(filepath.Join(cfgDir, "db"), logger)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyInUse) {
			return fmt.Errorf("another instance is already running; open %s", url)
		}
		return err
	}
	defer db.Close()

	if err := migrate.Run(db, buildVersion, logger); err != nil {
		return err
	}

	pass, err := identity.ReadPassphrase()
	if err != nil {
		return err
	}
	gate, err := identity.Unlock(filepath.Join(cfgDir, "identity.yaml"), repoDir, pass, logger)
	if err != nil {
		return err
	}

	proofStore := proofs.New(gate.ReviewsDir(), gate, gate, logger)
	srcIndex := sources.New(cargoHome(), filepath.Join(cfgDir, "tmp_src"), logger)
	regIndex, err := registry.OpenIndex(
		filepath.Join(cargoHome(), "registry", "index", sources.RegistrySegment))
	if err != nil {
		return err
	}
	client := registry.NewClient(logger)
	runner := toolchain.NewRunner(".", logger)
	pool := syncer.NewPool(db, client, proofStore, regIndex, runner, logger)
	svc := reviewer.NewService(db, proofStore, srcIndex, regIndex, runner, pool, gate, logger)

	handler := reviewer.NewHandler(svc, logger)
	router := reviewer.NewRouter(handler, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", flagPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	svc.SyncAll(ctx)
	go func() {
		if err := svc.WatchProofDir(ctx, gate.ReviewsDir()); err != nil {
			logger.Warn("proof watcher stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if flagNoBrowser {
			return
		}
		cfg, err := svc.GetConfig()
		if err != nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
		if err := runner.OpenBrowser(cfg.BrowserPath, url); err != nil {
			logger.Warn("could not open browser", slog.Any("error", err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", slog.String("url", url))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", slog.Any("error", err))
		}
		pool.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}
