// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auditor is the run entry point of the forensic audit.
//
// A Service owns the settings and the collaborators (analyzers and judge
// evaluators). Each Run builds a fresh graph and executor, runs it from
// the supplied inputs and returns an Outcome holding either the verdict
// or the failure reason. Finished runs are published to the configured
// archive sinks.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Runs share no mutable state; a
//	Reload only affects runs started after it returns.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAudit/services/audit/arbitration"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/detectives"
	"github.com/AleutianAI/AleutianAudit/services/audit/judges"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
	"github.com/AleutianAI/AleutianAudit/services/audit/telemetry"
)

var tracer = otel.Tracer("aleutian.auditor")

var (
	// ErrInvalidSetup is returned when the service cannot build a graph.
	ErrInvalidSetup = errors.New("invalid auditor setup")

	// ErrNoPersona is returned when a roster role has no judge persona.
	ErrNoPersona = errors.New("no persona for roster role")
)

// Inputs names the artifacts to audit. At least one must be set for a
// verdict to be produced.
type Inputs struct {
	Repository string `json:"repository,omitempty"`
	Document   string `json:"document,omitempty"`
}

// Map returns the inputs keyed by the state input names.
func (in Inputs) Map() map[string]string {
	m := make(map[string]string, 2)
	if in.Repository != "" {
		m[state.InputRepository] = in.Repository
	}
	if in.Document != "" {
		m[state.InputDocument] = in.Document
	}
	return m
}

// Outcome is the result of one audit run. Exactly one of Verdict and
// FailureReason is set.
type Outcome struct {
	RunID         string              `json:"run_id"`
	Verdict       *state.Verdict      `json:"verdict,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	State         state.WorkflowState `json:"state"`
	Waves         []dag.WaveRecord    `json:"waves"`
	StartedAt     time.Time           `json:"started_at"`
	Duration      time.Duration       `json:"duration"`
}

// Settings are the knobs of the workflow itself.
type Settings struct {
	Arbitration        arbitration.Config
	Personas           []judges.Persona
	MaxParallel        int
	DefaultTimeout     time.Duration
	DetectiveTimeout   time.Duration
	JudgeTimeout       time.Duration
	SynthesizerTimeout time.Duration

	// RunTimeout bounds a whole run. Zero means no bound beyond ctx.
	RunTimeout time.Duration

	// CheckpointDir, when set, receives "<run-id>.json" checkpoints.
	CheckpointDir string
}

// DefaultSettings returns the default roster, personas and timeouts.
func DefaultSettings() Settings {
	return Settings{
		Arbitration:        arbitration.DefaultConfig(),
		Personas:           judges.DefaultPersonas(),
		DefaultTimeout:     dag.DefaultNodeTimeout,
		DetectiveTimeout:   2 * time.Minute,
		JudgeTimeout:       90 * time.Second,
		SynthesizerTimeout: 10 * time.Second,
	}
}

func (s Settings) personas() []judges.Persona {
	if len(s.Personas) == 0 {
		return judges.DefaultPersonas()
	}
	return s.Personas
}

// Collaborators are the analyzers and evaluators the nodes delegate to.
// A nil analyzer removes its detective from the graph.
type Collaborators struct {
	Repository detectives.RepositoryAnalyzer
	Document   detectives.DocumentAnalyzer
	Visual     detectives.VisualAnalyzer

	// Evaluator serves every role without an entry in Evaluators.
	Evaluator  judges.Evaluator
	Evaluators map[string]judges.Evaluator
}

func (c Collaborators) evaluatorFor(role string) judges.Evaluator {
	if ev, ok := c.Evaluators[role]; ok && ev != nil {
		return ev
	}
	return c.Evaluator
}

// Option configures a Service.
type Option func(*Service)

// WithSinks adds archive sinks that receive every finished run.
func WithSinks(sinks ...archive.Sink) Option {
	return func(s *Service) {
		for _, sink := range sinks {
			if sink != nil {
				s.sinks = append(s.sinks, sink)
			}
		}
	}
}

// WithObservers adds executor observers, e.g. an archive journal.
func WithObservers(obs ...dag.Observer) Option {
	return func(s *Service) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithMetrics records run-level metrics.
func WithMetrics(m *telemetry.RunMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service runs audits.
type Service struct {
	mu       sync.RWMutex
	settings Settings
	collab   Collaborators

	sinks     []archive.Sink
	observers []dag.Observer
	metrics   *telemetry.RunMetrics
	logger    *slog.Logger
}

// NewService validates the wiring and returns a Service.
//
// Inputs:
//
//	settings - Workflow settings.
//	collab   - Analyzers and evaluators. At least one analyzer and an
//	           evaluator for every roster role are required.
//	logger   - Logger. Nil means slog.Default().
//	opts     - Sinks, observers and metrics.
//
// Outputs:
//
//	*Service - The service.
//	error    - ErrInvalidSetup, ErrNoPersona or a roster ConfigError.
func NewService(settings Settings, collab Collaborators, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := buildGraph(settings, collab); err != nil {
		return nil, err
	}
	s := &Service{settings: settings, collab: collab, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reload swaps settings and collaborators after validating that they
// still produce a graph. On error the previous wiring stays in effect.
func (s *Service) Reload(settings Settings, collab Collaborators) error {
	if _, err := buildGraph(settings, collab); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings, s.collab = settings, collab
	s.mu.Unlock()
	s.logger.Info("auditor wiring reloaded",
		slog.Int("roster_size", len(settings.Arbitration.Roster)),
	)
	return nil
}

// Settings returns the current settings.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Run audits inputs and returns the outcome.
//
// Description:
//
//	Builds the graph, executes it and converts the executor result. A run
//	that reaches the failure terminal (no usable input) is an Outcome with
//	FailureReason set and a nil error. Only fatal configuration errors and
//	cancellation are returned as errors. Every outcome, including
//	failures, is published to the sinks; sink failures are logged and do
//	not fail the run.
//
// Inputs:
//
//	ctx    - Context for cancellation. Must not be nil.
//	inputs - The artifacts to audit.
//
// Outputs:
//
//	*Outcome - The run outcome.
//	error    - Fatal errors only.
func (s *Service) Run(ctx context.Context, inputs Inputs) (*Outcome, error) {
	s.mu.RLock()
	settings, collab := s.settings, s.collab
	s.mu.RUnlock()

	runID := uuid.NewString()
	logger := s.logger.With(slog.String("run_id", runID))

	ctx, span := tracer.Start(ctx, "auditor.Run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Bool("has_repository", inputs.Repository != ""),
			attribute.Bool("has_document", inputs.Document != ""),
		),
	)
	defer span.End()

	var finish func(string, int, float64)
	if s.metrics != nil {
		finish = s.metrics.Begin(ctx)
	}

	if settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.RunTimeout)
		defer cancel()
	}

	graph, err := buildGraph(settings, collab)
	if err != nil {
		return nil, s.fail(span, finish, fmt.Errorf("build graph: %w", err))
	}
	opts := []dag.Option{
		dag.WithMaxParallel(settings.MaxParallel),
		dag.WithDefaultTimeout(settings.DefaultTimeout),
	}
	for _, o := range s.observers {
		opts = append(opts, dag.WithObserver(o))
	}
	// The executor stamps run_id on its own records.
	exec, err := dag.NewExecutor(graph, s.logger, opts...)
	if err != nil {
		return nil, s.fail(span, finish, err)
	}

	startedAt := time.Now().UTC()
	logger.Info("audit started",
		slog.String("repository", inputs.Repository),
		slog.String("document", inputs.Document),
	)
	res, err := exec.Run(ctx, runID, state.New(inputs.Map()))
	if err != nil {
		return nil, s.fail(span, finish, fmt.Errorf("run %s: %w", runID, err))
	}

	out := &Outcome{
		RunID:     res.RunID,
		State:     *res.State,
		Waves:     res.Waves,
		StartedAt: startedAt,
		Duration:  res.Duration,
	}
	switch {
	case res.Aborted:
		out.FailureReason = res.AbortReason
	case res.State.Verdict == nil:
		out.FailureReason = "workflow ended without a verdict"
	default:
		v := *res.State.Verdict
		out.Verdict = &v
	}

	if settings.CheckpointDir != "" {
		path := filepath.Join(settings.CheckpointDir, res.RunID+".json")
		if err := os.MkdirAll(settings.CheckpointDir, 0o750); err != nil {
			logger.Warn("checkpoint dir not created", slog.String("dir", settings.CheckpointDir), slog.String("error", err.Error()))
		} else if err := dag.SaveCheckpoint(path, res); err != nil {
			logger.Warn("checkpoint not written", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	s.publish(ctx, logger, graph.Name(), out)

	if out.Verdict != nil {
		span.SetAttributes(
			attribute.Float64("weighted_score", out.Verdict.WeightedScore),
			attribute.Int("rung", out.Verdict.Rung),
		)
		logger.Info("audit finished",
			slog.Float64("weighted_score", out.Verdict.WeightedScore),
			slog.Int("rung", out.Verdict.Rung),
			slog.Duration("duration", out.Duration),
		)
		if finish != nil {
			finish(telemetry.ResultVerdict, out.Verdict.Rung, out.Verdict.WeightedScore)
		}
	} else {
		span.SetStatus(codes.Error, out.FailureReason)
		logger.Warn("audit ended without verdict", slog.String("reason", out.FailureReason))
		if finish != nil {
			finish(telemetry.ResultAborted, 0, 0)
		}
	}
	return out, nil
}

func (s *Service) fail(span trace.Span, finish func(string, int, float64), err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if finish != nil {
		finish(telemetry.ResultError, 0, 0)
	}
	return err
}

// publish sends the run record to every sink. Sinks get a context that
// survives the caller's cancellation so a finished run is not lost.
func (s *Service) publish(ctx context.Context, logger *slog.Logger, graph string, out *Outcome) {
	if len(s.sinks) == 0 {
		return
	}
	st := out.State
	rec := &archive.RunRecord{
		RunID:         out.RunID,
		Graph:         graph,
		Inputs:        st.Inputs,
		StartedAt:     out.StartedAt,
		Duration:      out.Duration,
		Verdict:       out.Verdict,
		FailureReason: out.FailureReason,
		State:         &st,
		Waves:         out.Waves,
	}
	pubCtx := context.WithoutCancel(ctx)
	for _, sink := range s.sinks {
		if err := sink.Publish(pubCtx, rec); err != nil {
			logger.Error("archive publish failed",
				slog.String("sink", sink.Name()),
				slog.String("error", err.Error()),
			)
			if s.metrics != nil {
				s.metrics.SinkFailed(ctx, sink.Name())
			}
		}
	}
}
