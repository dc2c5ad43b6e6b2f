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
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianAudit/pkg/logging"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/redact"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// =============================================================================
// Application Wiring
// =============================================================================

// app holds everything a command needs. Fields are populated on demand by
// the with* methods; close releases whatever was opened, in reverse order.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	store   *archive.Store
	client  llm.Client
	service *auditor.Service

	closers []func(context.Context) error
}

// newApp loads configuration and starts logging.
//
// # Inputs
//
//   - ctx: Context for configuration loading.
//   - service: Logical service name for log records.
//
// # Outputs
//
//   - *app: Wiring with cfg and logger populated.
//   - error: Configuration errors, wrapped in an exit code 2.
func newApp(ctx context.Context, service string) (*app, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, withExitCode(exitConfig, fmt.Errorf("load config: %w", err))
	}
	logger := logging.New(cfg.LoggingConfig(service))
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return logger.Close() })
	return a, nil
}

// withTelemetry installs the tracer and meter providers.
func (a *app) withTelemetry(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return withExitCode(exitConfig, fmt.Errorf("init telemetry: %w", err))
	}
	a.closers = append(a.closers, shutdown)
	return nil
}

// withArchive opens the badger run archive.
func (a *app) withArchive() error {
	dbCfg := a.cfg.Archive.DB
	dbCfg.Logger = a.logger.Slog()
	store, err := archive.Open(dbCfg, a.logger.Slog())
	if err != nil {
		return fmt.Errorf("open run archive: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

// withService builds the auditor service, including the LLM client, the
// archive sinks and run metrics.
func (a *app) withService(ctx context.Context) error {
	client, err := newLLMClient(a.cfg, a.logger.Slog())
	if err != nil {
		return err
	}
	a.client = client

	collab, err := auditor.CollaboratorsFromConfig(a.cfg, client, a.logger.Slog())
	if err != nil {
		return withExitCode(exitConfig, err)
	}

	var sinks []archive.Sink
	var opts []auditor.Option
	if a.store != nil {
		sinks = append(sinks, a.store)
		opts = append(opts, auditor.WithObservers(a.store.Journal()))
	}
	if a.cfg.Archive.GCS.Bucket != "" {
		gcs, err := archive.NewGCSSink(ctx, a.cfg.Archive.GCS, a.logger.Slog())
		if err != nil {
			return fmt.Errorf("create gcs sink: %w", err)
		}
		sinks = append(sinks, gcs)
		a.closers = append(a.closers, func(context.Context) error { return gcs.Close() })
	}
	if a.cfg.Archive.Redact && len(sinks) > 0 {
		engine, err := redact.NewEngine()
		if err != nil {
			return fmt.Errorf("load redaction patterns: %w", err)
		}
		for i, sink := range sinks {
			sinks[i] = redact.NewSink(sink, engine, a.logger.Slog())
		}
	}
	opts = append(opts, auditor.WithSinks(sinks...))
	metrics, err := telemetry.NewRunMetrics(otel.Meter("aleutian.auditor"))
	if err != nil {
		return fmt.Errorf("create run metrics: %w", err)
	}
	opts = append(opts, auditor.WithMetrics(metrics))

	svc, err := auditor.NewService(auditor.SettingsFromConfig(a.cfg), collab, a.logger.Slog(), opts...)
	if err != nil {
		return withExitCode(exitConfig, fmt.Errorf("build auditor: %w", err))
	}
	a.service = svc
	return nil
}

// reload applies a freshly loaded configuration to the running service.
// Logging, telemetry and the archive keep the settings they started with.
func (a *app) reload(cfg *config.Config) error {
	client := a.client
	if client == nil && cfg.UsesLLM() {
		c, err := newLLMClient(cfg, a.logger.Slog())
		if err != nil {
			return err
		}
		client = c
	}
	collab, err := auditor.CollaboratorsFromConfig(cfg, client, a.logger.Slog())
	if err != nil {
		return err
	}
	if err := a.service.Reload(auditor.SettingsFromConfig(cfg), collab); err != nil {
		return err
	}
	a.client = client
	a.cfg = cfg
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLLMClient returns nil when no component is configured for the llm
// backend.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	if !cfg.UsesLLM() {
		return nil, nil
	}
	key, err := llm.LoadAPIKey(cfg.LLM.SecretPath)
	if err != nil {
		return nil, withExitCode(exitConfig, fmt.Errorf("load llm api key: %w", err))
	}
	client, err := llm.NewOpenAIClient(cfg.OpenAIConfig(key), logger)
	if err != nil {
		return nil, withExitCode(exitConfig, fmt.Errorf("create llm client: %w", err))
	}
	return client, nil
}
