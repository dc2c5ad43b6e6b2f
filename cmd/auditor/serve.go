// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAudit/pkg/extensions"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit HTTP API",
	Long: `Starts the HTTP API on server.addr. When the configuration comes from a
file, edits to that file are applied to new runs without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServeCommand,
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, server.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			a.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := a.withTelemetry(ctx); err != nil {
		return err
	}
	if err := a.withArchive(); err != nil {
		return err
	}
	if err := a.withService(ctx); err != nil {
		return err
	}

	if path := a.cfg.Source; path != "" {
		watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
			if err := a.reload(cfg); err != nil {
				a.logger.Warn("config reload rejected", "error", err)
			}
		}, a.logger.Slog(), config.DefaultReloadDebounce)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Stop()
	}

	var opts []server.Option
	if path := a.cfg.Server.TokenPath; path != "" {
		authn, err := extensions.LoadTokenAuthProvider(path, a.cfg.Server.TokenRoles...)
		if err != nil {
			return withExitCode(exitConfig, err)
		}
		opts = append(opts, server.WithAuth(authn, nil))
	} else {
		a.logger.Warn("server.token_path is empty: the API accepts unauthenticated requests")
	}

	srv := server.New(serverConfig(a.cfg), a.service, a.store, a.logger.Slog(), opts...)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:              cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
	}
}
