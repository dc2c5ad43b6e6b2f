// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auditor

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianAudit/services/audit/arbitration"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/detectives"
	"github.com/AleutianAI/AleutianAudit/services/audit/judges"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// GraphName identifies the audit workflow in results and archives.
const GraphName = "forensic_audit"

// NoArtifactReason is the failure reason when no detective can run.
const NoArtifactReason = "no analyzable artifact supplied: need repository or document locator"

// buildGraph wires detectives -> aggregator -> judges -> chief_justice.
//
// Description:
//
//	Start routes conditionally to the detectives whose input is present.
//	Every detective feeds the evidence aggregator, which is the fan-in
//	barrier before the judicial wave. The aggregator activates every judge
//	and the judges feed the synthesizer, the only writer of the verdict.
func buildGraph(s Settings, c Collaborators) (*dag.Graph, error) {
	dets := detectiveNodes(s, c)
	if len(dets) == 0 {
		return nil, fmt.Errorf("%w: no detective collaborators configured", ErrInvalidSetup)
	}
	js, err := judgeNodes(s, c)
	if err != nil {
		return nil, err
	}
	chief, err := arbitration.NewNode(s.Arbitration)
	if err != nil {
		return nil, err
	}
	if s.SynthesizerTimeout > 0 {
		chief.NodeTimeout = s.SynthesizerTimeout
	}

	detNames := make([]string, len(dets))
	for i, d := range dets {
		detNames[i] = d.Name()
	}
	judgeNames := make([]string, len(js))
	for i, j := range js {
		judgeNames[i] = j.Name()
	}

	aggregator := detectives.NewAggregator(func(snapshot state.WorkflowState) []string {
		return activeDetectives(dets, snapshot)
	})

	b := dag.NewBuilder(GraphName)
	for _, d := range dets {
		b.AddNode(d).AddEdge(d.Name(), aggregator.Name())
	}
	b.AddNode(aggregator)
	for _, j := range js {
		b.AddNode(j).AddEdge(j.Name(), chief.Name())
	}
	b.AddNode(chief).AddEdge(chief.Name(), dag.End)

	b.AddConditionalEdges(dag.Start, startRouter(dets), detNames...)
	b.AddConditionalEdges(aggregator.Name(), judgeRouter(judgeNames), judgeNames...)
	return b.Build()
}

// startRouter activates the detectives whose required input is present.
func startRouter(dets []*detectives.Detective) dag.RouteFunc {
	return func(snapshot state.WorkflowState) dag.Route {
		active := activeDetectives(dets, snapshot)
		if len(active) == 0 {
			return dag.AbortWith(NoArtifactReason)
		}
		return dag.Goto(active...)
	}
}

// judgeRouter activates every judge.
func judgeRouter(names []string) dag.RouteFunc {
	return func(state.WorkflowState) dag.Route {
		return dag.Goto(slices.Clone(names)...)
	}
}

func activeDetectives(dets []*detectives.Detective, snapshot state.WorkflowState) []string {
	var out []string
	for _, d := range dets {
		if _, ok := snapshot.Input(d.RequiredInput()); ok {
			out = append(out, d.Name())
		}
	}
	return out
}

func detectiveNodes(s Settings, c Collaborators) []*detectives.Detective {
	var out []*detectives.Detective
	if c.Repository != nil {
		out = append(out, detectives.NewRepoInvestigator(c.Repository, s.DetectiveTimeout))
	}
	if c.Document != nil {
		out = append(out, detectives.NewDocAnalyst(c.Document, s.DetectiveTimeout))
	}
	if c.Visual != nil {
		out = append(out, detectives.NewVisionInspector(c.Visual, s.DetectiveTimeout))
	}
	return out
}

// judgeNodes creates one judge per roster role, in roster order.
func judgeNodes(s Settings, c Collaborators) ([]*judges.Judge, error) {
	personas := make(map[string]judges.Persona)
	for _, p := range s.personas() {
		personas[p.Role] = p
	}
	var out []*judges.Judge
	for _, role := range s.Arbitration.Roster.Roles() {
		p, ok := personas[role]
		if !ok {
			return nil, &state.ConfigError{Op: "judge wiring", Err: fmt.Errorf("%w: %q", ErrNoPersona, role)}
		}
		ev := c.evaluatorFor(role)
		if ev == nil {
			return nil, fmt.Errorf("%w: no evaluator for role %q", ErrInvalidSetup, role)
		}
		out = append(out, judges.NewJudge(p, ev, s.JudgeTimeout))
	}
	return out, nil
}
