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
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// EmptyEvidenceArgument is the argument of the opinion given when there
// are no findings at all.
const EmptyEvidenceArgument = "complete lack of forensic proof"

// EvaluationRequest is what a judge hands its evaluator.
type EvaluationRequest struct {
	Persona  Persona
	Findings []state.Finding

	// Correction is the validation message from a rejected first attempt.
	Correction string
}

// Evaluator turns evidence into a scored opinion.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (state.Opinion, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req EvaluationRequest) (state.Opinion, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req EvaluationRequest) (state.Opinion, error) {
	return f(ctx, req)
}

// Judge is a judicial node.
//
// Thread Safety:
//
//	Safe for concurrent use if the evaluator is.
type Judge struct {
	dag.BaseNode
	persona   Persona
	evaluator Evaluator
}

// NewJudge creates a judge node for persona.
func NewJudge(persona Persona, evaluator Evaluator, timeout time.Duration) *Judge {
	return &Judge{
		BaseNode: dag.BaseNode{
			NodeName:    persona.Name,
			NodeKind:    dag.KindJudge,
			NodeTimeout: timeout,
			NodeRole:    persona.Role,
		},
		persona:   persona,
		evaluator: evaluator,
	}
}

// Persona returns the judge's persona.
func (j *Judge) Persona() Persona {
	return j.persona
}

// Execute scores the merged findings.
//
// Description:
//
//	With no findings the judge returns the lowest score and
//	EmptyEvidenceArgument without consulting the evaluator. Otherwise the
//	evaluator's opinion is stamped with this judge's origin and role and
//	returned as is. On a correction attempt the evaluator receives the
//	validation message; a second invalid opinion is left for the executor
//	to replace with the safe default.
//
// Outputs:
//
//	*state.Update - Exactly one opinion.
//	error - The evaluator's error.
func (j *Judge) Execute(ctx context.Context, in dag.Input) (*state.Update, error) {
	if len(in.State.Findings) == 0 {
		return &state.Update{Opinions: []state.Opinion{{
			Origin:   j.NodeName,
			Role:     j.persona.Role,
			Score:    state.MinScore,
			Argument: EmptyEvidenceArgument,
		}}}, nil
	}

	op, err := j.evaluator.Evaluate(ctx, EvaluationRequest{
		Persona:    j.persona,
		Findings:   slices.Clone(in.State.Findings),
		Correction: in.Correction,
	})
	if err != nil {
		return nil, fmt.Errorf("%s evaluate: %w", j.NodeName, err)
	}
	op.Origin = j.NodeName
	op.Role = j.persona.Role
	return &state.Update{Opinions: []state.Opinion{op}}, nil
}

var (
	_ dag.Node      = (*Judge)(nil)
	_ dag.Defaulter = (*Judge)(nil)
)
