// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package judges

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/services/audit/arbitration"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// fakeClient records requests and replays canned responses in order.
type fakeClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []llm.ChatRequest
}

func (f *fakeClient) Chat(_ context.Context, req llm.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no canned response")
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleFindings() []state.Finding {
	return []state.Finding{
		state.NewFinding("repo_investigator", "Verify State Reducers", true, "", 0.9),
		state.NewFinding("doc_analyst", "Theoretical Depth: metacognition", false, "term absent", 0.9),
	}
}

func TestJudge_EmptyEvidenceSkipsEvaluator(t *testing.T) {
	called := false
	j := NewJudge(Prosecutor(), EvaluatorFunc(func(context.Context, EvaluationRequest) (state.Opinion, error) {
		called = true
		return state.Opinion{}, nil
	}), 0)

	u, err := j.Execute(context.Background(), dag.Input{State: state.New(nil).Clone(), Attempt: 1})
	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, u.Opinions, 1)
	op := u.Opinions[0]
	assert.Equal(t, 1, op.Score)
	assert.Equal(t, "complete lack of forensic proof", op.Argument)
	assert.Equal(t, arbitration.RoleProsecutor, op.Role)
	assert.Equal(t, arbitration.RoleProsecutor, op.Origin)
}

func TestJudge_StampsOriginAndRole(t *testing.T) {
	j := NewJudge(TechLead(), EvaluatorFunc(func(_ context.Context, req EvaluationRequest) (state.Opinion, error) {
		assert.Len(t, req.Findings, 2)
		assert.Equal(t, arbitration.RoleTechLead, req.Persona.Role)
		return state.Opinion{Origin: "x", Role: "y", Score: 4, Argument: "solid"}, nil
	}), 0)
	s := state.New(nil)
	s.Findings = sampleFindings()

	u, err := j.Execute(context.Background(), dag.Input{State: s.Clone(), Attempt: 1})
	require.NoError(t, err)
	require.Len(t, u.Opinions, 1)
	assert.Equal(t, arbitration.RoleTechLead, u.Opinions[0].Origin)
	assert.Equal(t, arbitration.RoleTechLead, u.Opinions[0].Role)
	assert.Equal(t, dag.KindJudge, j.Kind())
}

func TestJudge_EvaluatorError(t *testing.T) {
	boom := errors.New("upstream 503")
	j := NewJudge(Defense(), EvaluatorFunc(func(context.Context, EvaluationRequest) (state.Opinion, error) {
		return state.Opinion{}, boom
	}), 0)
	s := state.New(nil)
	s.Findings = sampleFindings()

	_, err := j.Execute(context.Background(), dag.Input{State: s.Clone(), Attempt: 1})
	assert.ErrorIs(t, err, boom)
}

func TestJudge_SafeDefaultCarriesRole(t *testing.T) {
	p := Persona{Name: "bench_2", Role: arbitration.RoleDefense}
	j := NewJudge(p, HeuristicEvaluator{}, 0)

	u := j.SafeDefault("timed out")
	require.Len(t, u.Opinions, 1)
	assert.Equal(t, arbitration.RoleDefense, u.Opinions[0].Role)
	assert.Equal(t, "bench_2", u.Opinions[0].Origin)
	assert.Equal(t, state.MinScore, u.Opinions[0].Score)
}

// runJudged runs one detective reporting findings into judge j.
func runJudged(t *testing.T, j *Judge, findings []state.Finding) *dag.Result {
	t.Helper()
	detective := dag.NewFuncNode("repo_investigator", dag.KindDetective,
		func(context.Context, dag.Input) (*state.Update, error) {
			return &state.Update{Findings: findings}, nil
		})
	g, err := dag.NewBuilder("judged").
		AddNode(detective).
		AddNode(j).
		AddEdge(dag.Start, "repo_investigator").
		AddEdge("repo_investigator", j.Name()).
		AddEdge(j.Name(), dag.End).
		Build()
	require.NoError(t, err)
	exec, err := dag.NewExecutor(g, quietLogger())
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), "", state.New(nil))
	require.NoError(t, err)
	return res
}

func TestJudge_CorrectedThroughExecutor(t *testing.T) {
	findings := sampleFindings()[:1]

	var attempts []string
	j := NewJudge(Prosecutor(), EvaluatorFunc(func(_ context.Context, req EvaluationRequest) (state.Opinion, error) {
		attempts = append(attempts, req.Correction)
		if req.Correction == "" {
			return state.Opinion{Score: 7, Argument: "overwhelming", Cited: []string{"deadbeef0000"}}, nil
		}
		return state.Opinion{Score: 4, Argument: "strong", Cited: []string{findings[0].Ref()}}, nil
	}), 0)

	res := runJudged(t, j, findings)
	require.Len(t, attempts, 2)
	assert.Empty(t, attempts[0])
	assert.Contains(t, attempts[1], "score=7")

	require.Len(t, res.State.Opinions, 1)
	op := res.State.Opinions[0]
	assert.Equal(t, 4, op.Score)
	assert.Equal(t, []string{findings[0].Ref()}, op.Cited)
	assert.Equal(t, dag.OutcomeCorrected, res.Waves[1].Nodes[0].Outcome)
	assert.False(t, res.State.FlagSet(state.FlagKey(j.Name(), dag.FlagValidationFailed)))
}

func TestJudge_RepeatedInvalidOpinionDefaults(t *testing.T) {
	calls := 0
	j := NewJudge(Defense(), EvaluatorFunc(func(context.Context, EvaluationRequest) (state.Opinion, error) {
		calls++
		return state.Opinion{Score: 99, Argument: "garbage"}, nil
	}), 0)

	res := runJudged(t, j, sampleFindings()[:1])
	assert.Equal(t, 2, calls)

	require.Len(t, res.State.Opinions, 1)
	op := res.State.Opinions[0]
	assert.Equal(t, state.MinScore, op.Score)
	assert.Equal(t, arbitration.RoleDefense, op.Role)
	assert.Contains(t, op.Argument, "validation failed")
	assert.Equal(t, dag.OutcomeDefaulted, res.Waves[1].Nodes[0].Outcome)
	assert.True(t, res.State.FlagSet(state.FlagKey(j.Name(), dag.FlagValidationFailed)))
}

func TestJudge_SecondAttemptIsNotRepaired(t *testing.T) {
	j := NewJudge(TechLead(), EvaluatorFunc(func(context.Context, EvaluationRequest) (state.Opinion, error) {
		return state.Opinion{Score: 0, Argument: " ", Cited: []string{"deadbeef0000"}}, nil
	}), 0)
	s := state.New(nil)
	s.Findings = sampleFindings()

	u, err := j.Execute(context.Background(), dag.Input{State: s.Clone(), Correction: "opinions[0].score=0 violates gte=1", Attempt: 2})
	require.NoError(t, err)
	require.Len(t, u.Opinions, 1)
	assert.Equal(t, 0, u.Opinions[0].Score)
	assert.Equal(t, []string{"deadbeef0000"}, u.Opinions[0].Cited)
	assert.Error(t, state.ValidateUpdate(j.Name(), s, u))
}

func TestLLMEvaluator_Evaluate(t *testing.T) {
	findings := sampleFindings()
	client := &fakeClient{responses: []string{
		"```json\n{\"score\": 3.6, \"argument\": \" reducers exist \", \"cited\": [\"" + findings[0].Ref() + "\"]}\n```",
	}}
	ev := NewLLMEvaluator(client, 256, quietLogger())

	op, err := ev.Evaluate(context.Background(), EvaluationRequest{Persona: TechLead(), Findings: findings})
	require.NoError(t, err)
	assert.Equal(t, 4, op.Score)
	assert.Equal(t, "reducers exist", op.Argument)
	assert.Equal(t, []string{findings[0].Ref()}, op.Cited)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.True(t, req.JSON)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, float32(0), *req.Temperature)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Contains(t, req.System, "tech_lead")
	assert.Contains(t, req.User, findings[1].Ref())
	assert.NotContains(t, req.User, "previous answer was rejected")
}

func TestLLMEvaluator_CorrectionInPrompt(t *testing.T) {
	client := &fakeClient{responses: []string{`{"score": 2, "argument": "gaps", "cited": []}`}}
	ev := NewLLMEvaluator(client, 0, nil)

	_, err := ev.Evaluate(context.Background(), EvaluationRequest{
		Persona:    Prosecutor(),
		Findings:   sampleFindings(),
		Correction: "opinions[0].score=9 violates lte=5",
	})
	require.NoError(t, err)
	require.Len(t, client.requests, 1)
	assert.True(t, strings.Contains(client.requests[0].User, "opinions[0].score=9 violates lte=5"))
}

func TestLLMEvaluator_Errors(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		ev := NewLLMEvaluator(&fakeClient{responses: []string{"I think it is a 4"}}, 0, nil)
		_, err := ev.Evaluate(context.Background(), EvaluationRequest{Persona: Defense(), Findings: sampleFindings()})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
	t.Run("client", func(t *testing.T) {
		boom := errors.New("rate limited")
		ev := NewLLMEvaluator(&fakeClient{err: boom}, 0, nil)
		_, err := ev.Evaluate(context.Background(), EvaluationRequest{Persona: Defense(), Findings: sampleFindings()})
		assert.ErrorIs(t, err, boom)
	})
}

func TestHeuristicEvaluator(t *testing.T) {
	mixed := sampleFindings()
	supportedRef, unsupportedRef := mixed[0].Ref(), mixed[1].Ref()

	allSupported := []state.Finding{
		state.NewFinding("repo_investigator", "a", true, "", 0.95),
		state.NewFinding("doc_analyst", "b", true, "", 0.8),
	}
	unconfident := []state.Finding{
		state.NewFinding("repo_investigator", "a", true, "", 0),
		state.NewFinding("doc_analyst", "b", false, "absent", 0),
	}
	duplicated := []state.Finding{
		state.NewFinding("repo_investigator", "Verify Git History", true, "", 0.9),
		state.NewFinding("repo_investigator", "Verify Git History", true, "", 0.9),
	}

	tests := []struct {
		name      string
		persona   Persona
		findings  []state.Finding
		wantScore int
		wantCited []string
	}{
		{"prosecutor mixed", Prosecutor(), mixed, 2, []string{unsupportedRef}},
		{"defense mixed", Defense(), mixed, 4, []string{supportedRef}},
		{"tech lead mixed", TechLead(), mixed, 3, []string{supportedRef, unsupportedRef}},
		{"defense capped", Defense(), allSupported, 5, []string{allSupported[0].Ref(), allSupported[1].Ref()}},
		{"prosecutor all supported", Prosecutor(), allSupported, 5, []string{allSupported[0].Ref(), allSupported[1].Ref()}},
		{"zero confidence uses counts", TechLead(), unconfident, 3, []string{unconfident[0].Ref(), unconfident[1].Ref()}},
		{"identical findings cited once", TechLead(), duplicated, 5, []string{duplicated[0].Ref()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := HeuristicEvaluator{}.Evaluate(context.Background(), EvaluationRequest{Persona: tt.persona, Findings: tt.findings})
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, op.Score)
			assert.Equal(t, tt.wantCited, op.Cited)
			assert.NotEmpty(t, op.Argument)
			assert.NoError(t, state.ValidateOpinion(state.Opinion{
				Origin: tt.persona.Name, Role: tt.persona.Role, Score: op.Score, Argument: op.Argument, Cited: op.Cited,
			}))
		})
	}
}

func TestDefaultPersonas(t *testing.T) {
	ps := DefaultPersonas()
	roles := make([]string, len(ps))
	for i, p := range ps {
		roles[i] = p.Role
		assert.NotEmpty(t, p.Instructions)
	}
	assert.ElementsMatch(t, arbitration.DefaultRoster().Roles(), roles)
}
