// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the auditor over HTTP.
//
// Routes:
//
//	GET  /health                  liveness
//	GET  /metrics                 Prometheus scrape endpoint
//	POST /v1/audit/runs           run an audit synchronously
//	GET  /v1/audit/runs           list archived runs, newest first
//	GET  /v1/audit/runs/:id       archived run record
//	GET  /v1/audit/runs/:id/waves wave journal of a run
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianAudit/pkg/extensions"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
)

// ServiceName labels the otelgin spans.
const ServiceName = "aleutian-auditor"

// Runner executes audits. *auditor.Service implements it.
type Runner interface {
	Run(ctx context.Context, inputs auditor.Inputs) (*auditor.Outcome, error)
}

// RunStore reads archived runs. *archive.Store implements it.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*archive.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]archive.RunSummary, error)
	Waves(ctx context.Context, runID string) ([]dag.WaveRecord, error)
}

// Config configures the listener and the run admission limit.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// MaxConcurrentRuns rejects runs beyond this many with 429. Zero
	// means unlimited.
	MaxConcurrentRuns int
}

// Server is the HTTP surface of the auditor.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	cfg    Config
	runner Runner
	store  RunStore
	slots  *semaphore.Weighted
	engine *gin.Engine
	logger *slog.Logger

	authn extensions.AuthProvider
	authz extensions.AuthorizationProvider
}

// Option configures a Server.
type Option func(*Server)

// WithAuth replaces the default local-admin authentication. A nil authz
// keeps the default role grants.
func WithAuth(authn extensions.AuthProvider, authz extensions.AuthorizationProvider) Option {
	return func(s *Server) {
		if authn != nil {
			s.authn = authn
		}
		if authz != nil {
			s.authz = authz
		}
	}
}

// New creates the server and registers its routes.
//
// Inputs:
//
//	cfg    - Listener settings.
//	runner - Executes audits. Must not be nil.
//	store  - Archive reader. Nil disables the lookup routes (503).
//	logger - Request and lifecycle logger. Nil means slog.Default().
//	opts   - WithAuth.
func New(cfg Config, runner Runner, store RunStore, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		runner: runner,
		store:  store,
		logger: logger,
		authn:  &extensions.NopAuthProvider{},
		authz:  extensions.DefaultRoleAuthorizer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.Use(requestLogger(logger))
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := s.engine.Group("/v1/audit", s.authenticate())
	{
		v1.POST("/runs", s.authorize(extensions.ActionRunAudit), s.handleCreateRun)
		v1.GET("/runs", s.authorize(extensions.ActionReadRuns), s.handleListRuns)
		v1.GET("/runs/:id", s.authorize(extensions.ActionReadRuns), s.handleGetRun)
		v1.GET("/runs/:id/waves", s.authorize(extensions.ActionReadRuns), s.handleGetWaves)
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("auditor server listening", slog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("auditor server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		telemetry.LoggerWithTrace(c.Request.Context(), logger).LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

const authInfoKey = "auth_info"

// authenticate resolves the bearer token into an identity. Failures answer
// 401 without detail.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		info, err := s.authn.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				s.logger.Error("authentication backend failed", slog.String("error", err.Error()))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

// authorize answers 403 when the caller's roles do not grant action.
func (s *Server) authorize(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, _ := c.Get(authInfoKey)
		user, _ := info.(*extensions.AuthInfo)
		if err := s.authz.Authorize(c.Request.Context(), user, action); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
