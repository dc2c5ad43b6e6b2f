// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

var (
	tracer = otel.Tracer("aleutian.audit.dag")
	meter  = otel.Meter("aleutian.audit.dag")
)

// Flag names set by the executor under a node's namespace.
const (
	FlagIncomplete       = "incomplete"
	FlagValidationFailed = "validation_failed"
)

// NodeOutcome summarizes how a node's contribution was obtained.
type NodeOutcome string

const (
	// OutcomeOK means the first attempt was valid.
	OutcomeOK NodeOutcome = "ok"

	// OutcomeCorrected means the self-correction attempt was valid.
	OutcomeCorrected NodeOutcome = "corrected"

	// OutcomeDefaulted means both attempts were invalid.
	OutcomeDefaulted NodeOutcome = "defaulted"

	// OutcomeFailed means the node errored, panicked or timed out.
	OutcomeFailed NodeOutcome = "failed"
)

// NodeReport describes one node's execution inside a wave.
type NodeReport struct {
	Node     string        `json:"node"`
	Kind     string        `json:"kind"`
	Outcome  NodeOutcome   `json:"outcome"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// WaveRecord describes one completed wave, after its barrier and fold.
type WaveRecord struct {
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	Nodes     []NodeReport  `json:"nodes"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Findings and Opinions are the merged totals after the fold.
	Findings int `json:"findings"`
	Opinions int `json:"opinions"`
}

// Observer is notified after every wave. OnWave runs on the executor
// goroutine between waves and must return promptly.
type Observer interface {
	OnWave(ctx context.Context, rec WaveRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec WaveRecord)

// OnWave calls f.
func (f ObserverFunc) OnWave(ctx context.Context, rec WaveRecord) { f(ctx, rec) }

// Result is the outcome of one run.
type Result struct {
	RunID       string               `json:"run_id"`
	Graph       string               `json:"graph"`
	State       *state.WorkflowState `json:"state"`
	Waves       []WaveRecord         `json:"waves"`
	Aborted     bool                 `json:"aborted"`
	AbortReason string               `json:"abort_reason,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// NodesRun returns the names of every node that executed, in wave order.
func (r *Result) NodesRun() []string {
	var out []string
	for _, w := range r.Waves {
		for _, n := range w.Nodes {
			out = append(out, n.Node)
		}
	}
	return out
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxParallel bounds the number of nodes running at once inside a
// wave. Values below 1 mean unbounded.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

// WithDefaultTimeout overrides DefaultNodeTimeout for nodes that report a
// zero timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithObserver registers an observer. May be repeated.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Executor runs a Graph wave by wave.
//
// Description:
//
//	The executor is the only component that mutates the run state. It
//	does so strictly between waves, after every member of the wave has
//	terminated.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Run owns its state; runs share nothing
//	but the graph and the metric instruments.
type Executor struct {
	graph          *Graph
	logger         *slog.Logger
	maxParallel    int
	defaultTimeout time.Duration
	observers      []Observer

	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeFailures metric.Int64Counter
	nodeRetries  metric.Int64Counter
	nodeDefaults metric.Int64Counter
	waves        metric.Int64Counter
	runLatency   metric.Float64Histogram
}

// NewExecutor creates an executor for graph.
//
// Inputs:
//
//	graph  - A built graph. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//	opts   - Optional settings.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error     - ErrInvalidInput when graph is nil.
func NewExecutor(graph *Graph, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if graph == nil {
		return nil, fmt.Errorf("%w: graph must not be nil", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		graph:          graph,
		logger:         logger,
		defaultTimeout: DefaultNodeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics lazily creates the instruments. Failures degrade
// observability only.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var failed []string
		var err error

		e.nodeLatency, err = meter.Float64Histogram("audit_node_duration_seconds",
			metric.WithDescription("Time spent executing each workflow node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "node_latency: "+err.Error())
		}
		e.nodeFailures, err = meter.Int64Counter("audit_node_failures_total",
			metric.WithDescription("Nodes replaced by a safe default after an error, panic or timeout"),
		)
		if err != nil {
			failed = append(failed, "node_failures: "+err.Error())
		}
		e.nodeRetries, err = meter.Int64Counter("audit_node_retries_total",
			metric.WithDescription("Self-correction attempts after a validation failure"),
		)
		if err != nil {
			failed = append(failed, "node_retries: "+err.Error())
		}
		e.nodeDefaults, err = meter.Int64Counter("audit_node_defaults_total",
			metric.WithDescription("Nodes replaced by a safe default after two invalid updates"),
		)
		if err != nil {
			failed = append(failed, "node_defaults: "+err.Error())
		}
		e.waves, err = meter.Int64Counter("audit_waves_total",
			metric.WithDescription("Completed waves"),
		)
		if err != nil {
			failed = append(failed, "waves: "+err.Error())
		}
		e.runLatency, err = meter.Float64Histogram("audit_run_duration_seconds",
			metric.WithDescription("Total run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "run_latency: "+err.Error())
		}

		if len(failed) > 0 {
			e.logger.Error("failed to initialize some workflow metrics (observability degraded)",
				slog.Int("failed_count", len(failed)),
				slog.Any("errors", failed),
			)
		}
	})
}

// Run executes the graph from Start until no node is triggered or a
// router aborts.
//
// Description:
//
//	The initial state is cloned; the caller's value is never modified.
//	Collaborator failures, timeouts and invalid updates degrade the run
//	but never fail it. Only configuration errors (a second verdict write,
//	a router returning an undeclared target, a node returning a
//	*state.ConfigError) and context cancellation return a non-nil error.
//
// Inputs:
//
//	ctx     - Context for cancellation. Must not be nil.
//	runID   - Identifier for logs and spans. Generated when empty.
//	initial - The initial state. Must not be nil.
//
// Outputs:
//
//	*Result - Final state and per-wave reports. Returned alongside errors
//	          whenever execution started.
//	error   - Fatal errors only.
func (e *Executor) Run(ctx context.Context, runID string, initial *state.WorkflowState) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if initial == nil {
		return nil, ErrNilState
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "audit.Run",
		trace.WithAttributes(
			attribute.String("dag.name", e.graph.Name()),
			attribute.String("audit.run_id", runID),
			attribute.Int("dag.node_count", e.graph.NodeCount()),
		),
	)
	defer span.End()

	start := time.Now()
	current := initial.Clone()
	result := &Result{RunID: runID, Graph: e.graph.Name(), State: &current}
	finish := func(err error) (*Result, error) {
		result.Duration = time.Since(start)
		if e.runLatency != nil {
			e.runLatency.Record(ctx, result.Duration.Seconds(),
				metric.WithAttributes(
					attribute.String("dag", e.graph.Name()),
					attribute.Bool("aborted", result.Aborted),
				),
			)
		}
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("run failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		case result.Aborted:
			span.SetStatus(codes.Error, result.AbortReason)
			e.logger.Warn("run aborted",
				slog.String("run_id", runID),
				slog.String("reason", result.AbortReason),
				slog.Int("waves", len(result.Waves)),
			)
		default:
			span.SetStatus(codes.Ok, "")
			e.logger.Info("run completed",
				slog.String("run_id", runID),
				slog.Duration("duration", result.Duration),
				slog.Int("waves", len(result.Waves)),
				slog.Int("findings", len(current.Findings)),
				slog.Int("opinions", len(current.Opinions)),
			)
		}
		return result, err
	}

	e.logger.Info("run started",
		slog.String("dag", e.graph.Name()),
		slog.String("run_id", runID),
		slog.Any("inputs", sortedKeys(current.Inputs)),
	)

	entry, err := e.graph.route(Start, &current)
	if err != nil {
		return finish(err)
	}
	if entry.Abort != "" {
		result.Aborted, result.AbortReason = true, entry.Abort
		return finish(nil)
	}

	frontier := newFrontier()
	for _, name := range entry.Next {
		if name != End {
			frontier.add(name)
		}
	}
	if frontier.empty() {
		result.Aborted, result.AbortReason = true, "no node was activated from start"
		return finish(nil)
	}

	completed := make(map[string]bool)
	for index := 0; !frontier.empty(); index++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		wave := e.nextWave(frontier)
		if len(wave) == 0 {
			return finish(fmt.Errorf("%w: triggered %v", ErrNoProgress, frontier.names))
		}
		for _, n := range wave {
			frontier.remove(n.Name())
		}

		record, err := e.runWave(ctx, runID, index, wave, &current)
		if err != nil {
			return finish(err)
		}
		result.Waves = append(result.Waves, record)
		for _, o := range e.observers {
			o.OnWave(ctx, record)
		}

		for _, n := range wave {
			completed[n.Name()] = true
		}
		for _, n := range wave {
			r, err := e.graph.route(n.Name(), &current)
			if err != nil {
				return finish(err)
			}
			if r.Abort != "" {
				result.Aborted, result.AbortReason = true, r.Abort
				return finish(nil)
			}
			for _, next := range r.Next {
				if next != End && !completed[next] {
					frontier.add(next)
				}
			}
		}
	}

	return finish(nil)
}

// nextWave selects every triggered node with no triggered ancestor, in
// registration order.
func (e *Executor) nextWave(f *frontier) []Node {
	var wave []Node
	for _, name := range e.graph.order {
		if !f.has(name) {
			continue
		}
		blocked := false
		for _, other := range f.names {
			if other != name && e.graph.IsAncestor(other, name) {
				blocked = true
				break
			}
		}
		if !blocked {
			node, _ := e.graph.Node(name)
			wave = append(wave, node)
		}
	}
	return wave
}

// nodeResult carries one node's contribution to the barrier.
type nodeResult struct {
	update *state.Update
	report NodeReport
	fatal  error
}

// runWave executes wave members concurrently against one snapshot, waits
// for all of them, then folds their updates into current in completion
// order.
func (e *Executor) runWave(ctx context.Context, runID string, index int, wave []Node, current *state.WorkflowState) (WaveRecord, error) {
	names := make([]string, len(wave))
	for i, n := range wave {
		names[i] = n.Name()
	}

	ctx, span := tracer.Start(ctx, fmt.Sprintf("audit.Wave.%d", index),
		trace.WithAttributes(
			attribute.Int("dag.wave", index),
			attribute.StringSlice("dag.nodes", names),
		),
	)
	defer span.End()

	e.logger.Debug("wave starting",
		slog.String("run_id", runID),
		slog.Int("wave", index),
		slog.Any("nodes", names),
	)

	started := time.Now()
	snapshot := current.Clone()
	results := make(chan nodeResult, len(wave))

	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, node := range wave {
		g.Go(func() error {
			results <- e.runNode(ctx, runID, node, &snapshot)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	record := WaveRecord{
		RunID:     runID,
		Index:     index,
		StartedAt: started,
		Nodes:     make([]NodeReport, 0, len(wave)),
	}
	var fatal error
	for r := range results {
		if r.fatal != nil {
			if fatal == nil {
				fatal = NewNodeError(r.report.Node, r.fatal)
			}
			continue
		}
		if err := current.Apply(r.update); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return record, NewNodeError(r.report.Node, err)
		}
		record.Nodes = append(record.Nodes, r.report)
	}
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
		return record, fatal
	}
	record.Duration = time.Since(started)
	record.Findings = len(current.Findings)
	record.Opinions = len(current.Opinions)

	if e.waves != nil {
		e.waves.Add(ctx, 1, metric.WithAttributes(attribute.String("dag", e.graph.Name())))
	}
	e.logger.Debug("wave completed",
		slog.String("run_id", runID),
		slog.Int("wave", index),
		slog.Duration("duration", record.Duration),
		slog.Int("findings", record.Findings),
		slog.Int("opinions", record.Opinions),
	)
	return record, nil
}

// runNode produces a node's contribution. Every failure mode except a
// configuration error is converted into a safe default here.
func (e *Executor) runNode(ctx context.Context, runID string, node Node, snapshot *state.WorkflowState) nodeResult {
	name := node.Name()
	attrs := metric.WithAttributes(
		attribute.String("node", name),
		attribute.String("kind", node.Kind().String()),
	)

	ctx, span := tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("dag.node", name),
			attribute.String("dag.kind", node.Kind().String()),
			attribute.String("audit.run_id", runID),
		),
	)
	defer span.End()

	start := time.Now()
	report := NodeReport{Node: name, Kind: node.Kind().String()}
	done := func(u *state.Update) nodeResult {
		report.Duration = time.Since(start)
		if e.nodeLatency != nil {
			e.nodeLatency.Record(ctx, report.Duration.Seconds(), attrs)
		}
		return nodeResult{update: u, report: report}
	}

	fail := func(err error) nodeResult {
		report.Outcome = OutcomeFailed
		report.Error = err.Error()
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("node failed, continuing with degraded evidence",
			slog.String("run_id", runID),
			slog.String("node", name),
			slog.String("error", err.Error()),
		)
		u := safeDefault(node, fmt.Sprintf("%s failed: %v", name, err))
		u.SetFlag(name, FlagIncomplete, state.FlagTrue)
		return done(u)
	}

	in := Input{State: snapshot.Clone(), Attempt: 1}
	for {
		report.Attempts = in.Attempt
		e.logger.Debug("node starting",
			slog.String("run_id", runID),
			slog.String("node", name),
			slog.Int("attempt", in.Attempt),
		)

		u, err := e.invoke(ctx, node, in)
		if state.IsConfigError(err) {
			report.Outcome = OutcomeFailed
			report.Error = err.Error()
			r := done(nil)
			r.fatal = err
			return r
		}
		if err != nil {
			return fail(err)
		}
		stampOrigin(name, u)

		verr := state.ValidateUpdate(name, snapshot, u)
		if verr == nil {
			report.Outcome = OutcomeOK
			if in.Attempt > 1 {
				report.Outcome = OutcomeCorrected
			}
			span.SetStatus(codes.Ok, "")
			return done(u)
		}

		if in.Attempt > 1 {
			report.Outcome = OutcomeDefaulted
			report.Error = verr.Error()
			if e.nodeDefaults != nil {
				e.nodeDefaults.Add(ctx, 1, attrs)
			}
			span.SetStatus(codes.Error, "validation failed twice")
			e.logger.Warn("node output rejected twice, using safe default",
				slog.String("run_id", runID),
				slog.String("node", name),
				slog.String("error", verr.Error()),
			)
			d := safeDefault(node, "validation failed: "+verr.Error())
			d.SetFlag(name, FlagValidationFailed, state.FlagTrue)
			return done(d)
		}

		if e.nodeRetries != nil {
			e.nodeRetries.Add(ctx, 1, attrs)
		}
		e.logger.Warn("node output rejected, retrying with correction",
			slog.String("run_id", runID),
			slog.String("node", name),
			slog.String("error", verr.Error()),
		)
		in = Input{State: snapshot.Clone(), Correction: verr.Error(), Attempt: 2}
	}
}

// invoke calls Execute under the node's timeout. A node that ignores its
// context is abandoned when the timeout fires.
func (e *Executor) invoke(ctx context.Context, node Node, in Input) (*state.Update, error) {
	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		update *state.Update
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrNodePanicked, r)}
			}
		}()
		u, err := node.Execute(nodeCtx, in)
		ch <- outcome{update: u, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrNodeTimeout, timeout, out.err)
		}
		return out.update, out.err
	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, timeout)
	}
}

func safeDefault(node Node, reason string) *state.Update {
	if d, ok := node.(Defaulter); ok {
		if u := d.SafeDefault(reason); u != nil {
			return u
		}
	}
	return &state.Update{}
}

// stampOrigin fills missing origins with the node name.
func stampOrigin(name string, u *state.Update) {
	if u == nil {
		return
	}
	for i := range u.Findings {
		if u.Findings[i].Origin == "" {
			u.Findings[i].Origin = name
		}
	}
	for i := range u.Opinions {
		if u.Opinions[i].Origin == "" {
			u.Opinions[i].Origin = name
		}
	}
}

// frontier is the ordered set of triggered nodes.
type frontier struct {
	names []string
}

func newFrontier() *frontier { return &frontier{} }

func (f *frontier) add(name string) {
	if !f.has(name) {
		f.names = append(f.names, name)
	}
}

func (f *frontier) has(name string) bool { return slices.Contains(f.names, name) }

func (f *frontier) remove(name string) {
	if i := slices.Index(f.names, name); i >= 0 {
		f.names = slices.Delete(f.names, i, i+1)
	}
}

func (f *frontier) empty() bool { return len(f.names) == 0 }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
