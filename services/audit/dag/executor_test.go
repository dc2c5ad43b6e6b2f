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
	"math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// detective returns a node that reports one supported finding after delay.
func detective(name string, delay time.Duration) *FuncNode {
	return NewFuncNode(name, KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		u := &state.Update{Findings: []state.Finding{state.NewFinding(name, "claim from "+name, true, "", 0.9)}}
		u.SetFlag(name, "done", state.FlagTrue)
		return u, nil
	})
}

// judge returns a node that scores the number of findings it observes and
// cites all of them.
func judge(name string, seen *sync.Map) *FuncNode {
	return NewFuncNode(name, KindJudge, func(ctx context.Context, in Input) (*state.Update, error) {
		if seen != nil {
			seen.Store(name, len(in.State.Findings))
		}
		var cited []string
		for _, f := range in.State.Findings {
			cited = append(cited, f.Ref())
		}
		score := min(max(len(in.State.Findings), state.MinScore), state.MaxScore)
		return &state.Update{Opinions: []state.Opinion{{
			Role: name, Score: score, Argument: "observed findings", Cited: cited,
		}}}, nil
	}).WithRole(name)
}

func mustBuild(t *testing.T, b *Builder) *Graph {
	t.Helper()
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func mustRun(t *testing.T, g *Graph, initial *state.WorkflowState, opts ...Option) *Result {
	t.Helper()
	exec, err := NewExecutor(g, nil, opts...)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	res, err := exec.Run(context.Background(), "test-run", initial)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func waveNames(res *Result) [][]string {
	var out [][]string
	for _, w := range res.Waves {
		var names []string
		for _, n := range w.Nodes {
			names = append(names, n.Node)
		}
		slices.Sort(names)
		out = append(out, names)
	}
	return out
}

// fanGraph is Start -> {a, b} -> agg -> {j1, j2} -> End.
func fanGraph(t *testing.T, a, b Node, seen *sync.Map) *Graph {
	agg := NewFuncNode("agg", KindAggregator, func(ctx context.Context, in Input) (*state.Update, error) {
		u := &state.Update{}
		if len(in.State.Findings) < 2 {
			u.SetFlag("agg", "incomplete_evidence", state.FlagTrue)
		}
		return u, nil
	})
	return mustBuild(t, NewBuilder("fan").
		AddNode(a).AddNode(b).AddNode(agg).
		AddNode(judge("j1", seen)).AddNode(judge("j2", seen)).
		AddEdge(Start, a.Name()).AddEdge(Start, b.Name()).
		AddEdge(a.Name(), "agg").AddEdge(b.Name(), "agg").
		AddConditionalEdges("agg", func(state.WorkflowState) Route { return Goto("j1", "j2") }, "j1", "j2").
		AddEdge("j1", End).AddEdge("j2", End))
}

func TestExecutor_NewExecutor_NilGraph(t *testing.T) {
	if _, err := NewExecutor(nil, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("NewExecutor(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestExecutor_Run_InvalidArgs(t *testing.T) {
	g := mustBuild(t, NewBuilder("g").AddNode(noop("a")).AddEdge(Start, "a"))
	exec, _ := NewExecutor(g, nil)

	//nolint:staticcheck // exercising the nil-context guard
	if _, err := exec.Run(nil, "", state.New(nil)); !errors.Is(err, ErrNilContext) {
		t.Errorf("Run(nil ctx) error = %v, want ErrNilContext", err)
	}
	if _, err := exec.Run(context.Background(), "", nil); !errors.Is(err, ErrNilState) {
		t.Errorf("Run(nil state) error = %v, want ErrNilState", err)
	}
}

func TestExecutor_WaveStructure(t *testing.T) {
	g := fanGraph(t, detective("a", 0), detective("b", 0), nil)
	res := mustRun(t, g, state.New(nil))

	want := [][]string{{"a", "b"}, {"agg"}, {"j1", "j2"}}
	if diff := cmp.Diff(want, waveNames(res)); diff != "" {
		t.Errorf("waves mismatch (-want +got):\n%s", diff)
	}
	if res.Aborted {
		t.Errorf("Aborted = true, reason %q", res.AbortReason)
	}
	if res.RunID != "test-run" {
		t.Errorf("RunID = %q, want test-run", res.RunID)
	}
	if len(res.State.Findings) != 2 || len(res.State.Opinions) != 2 {
		t.Errorf("findings=%d opinions=%d, want 2 and 2", len(res.State.Findings), len(res.State.Opinions))
	}
}

func TestExecutor_FanInWaitsForLongerBranch(t *testing.T) {
	// Start -> {a, b}; a -> c -> d; b -> d. d must not run before c.
	g := mustBuild(t, NewBuilder("uneven").
		AddNode(detective("a", 0)).AddNode(detective("b", 0)).
		AddNode(detective("c", 0)).AddNode(judge("d", nil)).
		AddEdge(Start, "a").AddEdge(Start, "b").
		AddEdge("a", "c").AddEdge("c", "d").AddEdge("b", "d").AddEdge("d", End))

	res := mustRun(t, g, state.New(nil))

	want := [][]string{{"a", "b"}, {"c"}, {"d"}}
	if diff := cmp.Diff(want, waveNames(res)); diff != "" {
		t.Errorf("waves mismatch (-want +got):\n%s", diff)
	}
	if got := res.State.Opinions[0].Score; got != 3 {
		t.Errorf("d observed %d findings, want 3", got)
	}
}

func TestExecutor_WaveRunsConcurrently(t *testing.T) {
	const delay = 150 * time.Millisecond
	g := fanGraph(t, detective("a", delay), detective("b", delay), nil)

	start := time.Now()
	mustRun(t, g, state.New(nil))
	if elapsed := time.Since(start); elapsed >= 2*delay {
		t.Errorf("run took %v, wave members did not overlap", elapsed)
	}
}

func TestExecutor_MaxParallelSerializes(t *testing.T) {
	var running, peak atomic.Int32
	track := func(name string) *FuncNode {
		return NewFuncNode(name, KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})
	}
	g := mustBuild(t, NewBuilder("limited").
		AddNode(track("a")).AddNode(track("b")).AddNode(track("c")).
		AddEdge(Start, "a").AddEdge(Start, "b").AddEdge(Start, "c"))

	mustRun(t, g, state.New(nil), WithMaxParallel(1))
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestExecutor_BarrierCompleteness(t *testing.T) {
	var seen sync.Map
	failing := NewFuncNode("b", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, errors.New("clone failed")
	})
	g := fanGraph(t, detective("a", 60*time.Millisecond), failing, &seen)

	res := mustRun(t, g, state.New(nil))

	for _, j := range []string{"j1", "j2"} {
		v, ok := seen.Load(j)
		if !ok {
			t.Fatalf("judge %s never ran", j)
		}
		if v.(int) != 2 {
			t.Errorf("judge %s observed %d findings, want 2 (one degraded)", j, v.(int))
		}
	}

	degraded := res.State.FindingsFrom("b")
	if len(degraded) != 1 || degraded[0].Supported || degraded[0].Confidence != 0 {
		t.Fatalf("degraded finding = %+v", degraded)
	}
	if !strings.Contains(degraded[0].Rationale, "clone failed") {
		t.Errorf("rationale %q does not identify the failure", degraded[0].Rationale)
	}
	if !res.State.FlagSet("b.incomplete") {
		t.Error("flag b.incomplete not set")
	}
	if res.State.FlagSet("agg.incomplete_evidence") {
		t.Error("aggregator should see both contributions")
	}
}

func TestExecutor_TimeoutIsCaughtFailure(t *testing.T) {
	stuck := NewFuncNode("slow", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		time.Sleep(2 * time.Second) // ignores ctx on purpose
		return nil, nil
	}).WithTimeout(50 * time.Millisecond)
	g := fanGraph(t, detective("a", 0), stuck, nil)

	start := time.Now()
	res := mustRun(t, g, state.New(nil))
	if time.Since(start) > time.Second {
		t.Error("executor waited for an abandoned node")
	}

	report := res.Waves[0].Nodes[slices.IndexFunc(res.Waves[0].Nodes, func(r NodeReport) bool { return r.Node == "slow" })]
	if report.Outcome != OutcomeFailed || !strings.Contains(report.Error, ErrNodeTimeout.Error()) {
		t.Errorf("report = %+v, want timeout failure", report)
	}
	if !res.State.FlagSet("slow.incomplete") {
		t.Error("flag slow.incomplete not set")
	}
	if len(res.State.Opinions) != 2 {
		t.Errorf("opinions = %d, run did not proceed past the timeout", len(res.State.Opinions))
	}
}

func TestExecutor_PanicIsCaughtFailure(t *testing.T) {
	boom := NewFuncNode("boom", KindJudge, func(ctx context.Context, in Input) (*state.Update, error) {
		panic("nil collaborator")
	}).WithRole("prosecutor")
	g := mustBuild(t, NewBuilder("panic").AddNode(boom).AddEdge(Start, "boom"))

	res := mustRun(t, g, state.New(nil))

	if len(res.State.Opinions) != 1 {
		t.Fatalf("opinions = %+v", res.State.Opinions)
	}
	op := res.State.Opinions[0]
	if op.Score != state.MinScore || op.Role != "prosecutor" || !strings.Contains(op.Argument, "panicked") {
		t.Errorf("default opinion = %+v", op)
	}
	if !res.State.FlagSet("boom.incomplete") {
		t.Error("flag boom.incomplete not set")
	}
}

func TestExecutor_ValidationRetryCorrects(t *testing.T) {
	var attempts []Input
	var mu sync.Mutex
	node := NewFuncNode("doc", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		mu.Lock()
		attempts = append(attempts, in)
		mu.Unlock()
		conf := 1.7
		if in.Correction != "" {
			conf = 0.7
		}
		return &state.Update{Findings: []state.Finding{{Claim: "c", Supported: true, Confidence: conf}}}, nil
	})
	g := mustBuild(t, NewBuilder("retry").AddNode(node).AddEdge(Start, "doc"))

	res := mustRun(t, g, state.New(nil))

	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Attempt != 1 || attempts[0].Correction != "" {
		t.Errorf("first attempt = %+v", attempts[0])
	}
	if attempts[1].Attempt != 2 || !strings.Contains(attempts[1].Correction, "confidence=1.7") {
		t.Errorf("second attempt correction = %q", attempts[1].Correction)
	}
	if got := res.Waves[0].Nodes[0].Outcome; got != OutcomeCorrected {
		t.Errorf("outcome = %s, want corrected", got)
	}
	if f := res.State.Findings[0]; f.Confidence != 0.7 || f.Origin != "doc" {
		t.Errorf("finding = %+v", f)
	}
}

func TestExecutor_ValidationRetryFallsBackToSafeDefault(t *testing.T) {
	var calls atomic.Int32
	node := NewFuncNode("doc", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		calls.Add(1)
		return &state.Update{Findings: []state.Finding{{Claim: "c", Supported: true, Confidence: 1.7}}}, nil
	})
	g := mustBuild(t, NewBuilder("retry").AddNode(node).AddEdge(Start, "doc").AddEdge("doc", End))

	res := mustRun(t, g, state.New(nil))

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want exactly one retry", calls.Load())
	}
	if res.Aborted {
		t.Fatalf("run aborted: %s", res.AbortReason)
	}
	f := res.State.Findings
	if len(f) != 1 || f[0].Confidence != 0 || f[0].Supported || !strings.HasPrefix(f[0].Rationale, "validation failed") {
		t.Errorf("findings = %+v, want safe default", f)
	}
	if !res.State.FlagSet("doc.validation_failed") {
		t.Error("flag doc.validation_failed not set")
	}
	if got := res.Waves[0].Nodes[0].Outcome; got != OutcomeDefaulted {
		t.Errorf("outcome = %s, want defaulted", got)
	}
}

func TestExecutor_DanglingCitationIsRejected(t *testing.T) {
	j := NewFuncNode("j", KindJudge, func(ctx context.Context, in Input) (*state.Update, error) {
		return &state.Update{Opinions: []state.Opinion{{Role: "defense", Score: 4, Argument: "a", Cited: []string{"000000000000"}}}}, nil
	}).WithRole("defense")
	g := mustBuild(t, NewBuilder("cite").AddNode(j).AddEdge(Start, "j"))

	res := mustRun(t, g, state.New(nil))

	op := res.State.Opinions[0]
	if op.Score != state.MinScore || len(op.Cited) != 0 {
		t.Errorf("opinion = %+v, want default", op)
	}
}

func TestExecutor_ConditionalSkip(t *testing.T) {
	var ranB atomic.Bool
	b := NewFuncNode("b", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		ranB.Store(true)
		return nil, nil
	})
	router := func(s state.WorkflowState) Route {
		if _, ok := s.Input("only_a"); ok {
			return Goto("a")
		}
		return Goto("a", "b")
	}
	g := mustBuild(t, NewBuilder("skip").
		AddNode(detective("a", 0)).AddNode(b).AddNode(judge("j", nil)).
		AddConditionalEdges(Start, router, "a", "b").
		AddEdge("a", "j").AddEdge("b", "j"))

	res := mustRun(t, g, state.New(map[string]string{"only_a": "yes"}))

	if ranB.Load() {
		t.Error("skipped node ran")
	}
	want := [][]string{{"a"}, {"j"}}
	if diff := cmp.Diff(want, waveNames(res)); diff != "" {
		t.Errorf("waves mismatch (-want +got):\n%s", diff)
	}
	if len(res.State.FindingsFrom("b")) != 0 {
		t.Error("skipped node contributed findings")
	}
}

func TestExecutor_AbortFromStart(t *testing.T) {
	var ran atomic.Bool
	a := NewFuncNode("a", KindDetective, func(ctx context.Context, in Input) (*state.Update, error) {
		ran.Store(true)
		return nil, nil
	})
	g := mustBuild(t, NewBuilder("abort").
		AddNode(a).
		AddConditionalEdges(Start, func(state.WorkflowState) Route { return AbortWith("no inputs") }, "a"))

	res := mustRun(t, g, state.New(nil))

	if !res.Aborted || res.AbortReason != "no inputs" {
		t.Errorf("Aborted=%v reason=%q", res.Aborted, res.AbortReason)
	}
	if ran.Load() || len(res.Waves) != 0 {
		t.Error("no node may run on the failure path")
	}
}

func TestExecutor_EmptyStartRouteAborts(t *testing.T) {
	g := mustBuild(t, NewBuilder("empty").
		AddNode(noop("a")).
		AddConditionalEdges(Start, func(state.WorkflowState) Route { return Goto() }, "a"))

	res := mustRun(t, g, state.New(nil))
	if !res.Aborted {
		t.Error("empty activation set must reach the failure terminal")
	}
}

func TestExecutor_SecondVerdictIsFatal(t *testing.T) {
	synth := func(name string) *FuncNode {
		return NewFuncNode(name, KindSynthesizer, func(ctx context.Context, in Input) (*state.Update, error) {
			return &state.Update{Verdict: &state.Verdict{WeightedScore: 3, Rung: 3}}, nil
		})
	}
	g := mustBuild(t, NewBuilder("twice").
		AddNode(synth("s1")).AddNode(synth("s2")).
		AddEdge(Start, "s1").AddEdge(Start, "s2"))

	exec, _ := NewExecutor(g, nil)
	res, err := exec.Run(context.Background(), "", state.New(nil))

	if !state.IsConfigError(err) || !errors.Is(err, state.ErrVerdictAlreadyWritten) {
		t.Fatalf("Run() error = %v, want config error", err)
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		t.Errorf("error %v does not name the node", err)
	}
	if res == nil || res.State.Verdict == nil {
		t.Error("first verdict should be kept in the partial result")
	}
}

func TestExecutor_ObserverSeesEveryWave(t *testing.T) {
	var records []WaveRecord
	obs := ObserverFunc(func(ctx context.Context, rec WaveRecord) { records = append(records, rec) })
	g := fanGraph(t, detective("a", 0), detective("b", 0), nil)

	res := mustRun(t, g, state.New(nil), WithObserver(obs))

	if len(records) != 3 {
		t.Fatalf("observer saw %d waves, want 3", len(records))
	}
	if records[0].Findings != 2 || records[2].Opinions != 2 {
		t.Errorf("records = %+v", records)
	}
	if records[1].RunID != res.RunID {
		t.Errorf("RunID = %q, want %q", records[1].RunID, res.RunID)
	}
}

func TestExecutor_CancelledContext(t *testing.T) {
	g := fanGraph(t, detective("a", 0), detective("b", 0), nil)
	exec, _ := NewExecutor(g, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := exec.Run(ctx, "", state.New(nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestExecutor_OrderInvariance(t *testing.T) {
	jitter := func(name string, rng *rand.Rand) *FuncNode {
		d := time.Duration(rng.Intn(15)) * time.Millisecond
		return detective(name, d)
	}

	sortFindings := cmpopts.SortSlices(func(a, b state.Finding) bool { return a.Ref() < b.Ref() })
	sortOpinions := cmpopts.SortSlices(func(a, b state.Opinion) bool { return a.Origin < b.Origin })
	sortRefs := cmpopts.SortSlices(func(a, b string) bool { return a < b })

	var want *state.WorkflowState
	for i := 0; i < 12; i++ {
		rng := rand.New(rand.NewSource(int64(i)))
		g := fanGraph(t, jitter("a", rng), jitter("b", rng), nil)
		res := mustRun(t, g, state.New(map[string]string{"repository": "r"}))
		if want == nil {
			want = res.State
			continue
		}
		if diff := cmp.Diff(want, res.State, sortFindings, sortOpinions, sortRefs); diff != "" {
			t.Fatalf("iteration %d merged state differs (-want +got):\n%s", i, diff)
		}
	}
}

func TestExecutor_InitialStateUntouched(t *testing.T) {
	initial := state.New(map[string]string{"repository": "r"})
	g := fanGraph(t, detective("a", 0), detective("b", 0), nil)

	mustRun(t, g, initial)

	if len(initial.Findings) != 0 || len(initial.Flags) != 0 {
		t.Errorf("caller state was mutated: %+v", initial)
	}
}

func TestExecutor_NodeConfigErrorIsFatal(t *testing.T) {
	bad := NewFuncNode("chief", KindSynthesizer, func(ctx context.Context, in Input) (*state.Update, error) {
		return nil, &state.ConfigError{Op: "roster", Err: state.ErrInvalidRoster}
	})
	g := mustBuild(t, NewBuilder("fatal").AddNode(bad).AddNode(detective("a", 0)).
		AddEdge(Start, "chief").AddEdge(Start, "a"))

	exec, _ := NewExecutor(g, nil)
	res, err := exec.Run(context.Background(), "", state.New(nil))

	if !errors.Is(err, state.ErrInvalidRoster) {
		t.Fatalf("Run() error = %v, want ErrInvalidRoster", err)
	}
	if len(res.Waves) != 0 {
		t.Error("a wave with a fatal member must not be recorded as complete")
	}
}
