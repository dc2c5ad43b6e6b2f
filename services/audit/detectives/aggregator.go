// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detectives

import (
	"context"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// EvidenceAggregator is the name of the fan-in node.
const EvidenceAggregator = "evidence_aggregator"

// Aggregator flag names, under the evidence_aggregator namespace.
const (
	FlagIncompleteEvidence = "incomplete_evidence"
	FlagMissingPrefix      = "missing."
)

// Aggregator is the fan-in node between detectives and judges.
//
// Description:
//
//	It runs after every activated detective and inspects the merged
//	findings. A detective in the expected set that contributed nothing is
//	flagged as missing; a detective flagged incomplete by the executor
//	counts towards incomplete_evidence too. Expected detectives are the
//	ones the start router activated for this run, so a skipped detective
//	is not missing.
type Aggregator struct {
	dag.BaseNode
	expected func(state.WorkflowState) []string
}

// NewAggregator creates the aggregator. expected returns the detectives
// that should have reported for the given state.
func NewAggregator(expected func(state.WorkflowState) []string) *Aggregator {
	return &Aggregator{
		BaseNode: dag.BaseNode{
			NodeName:    EvidenceAggregator,
			NodeKind:    dag.KindAggregator,
			NodeTimeout: time.Second,
		},
		expected: expected,
	}
}

// Execute sets the missing and incomplete flags.
func (a *Aggregator) Execute(_ context.Context, in dag.Input) (*state.Update, error) {
	u := &state.Update{}
	if a.expected == nil {
		return u, nil
	}

	incomplete := false
	expected := a.expected(in.State)
	slices.Sort(expected)
	for _, name := range expected {
		if len(in.State.FindingsFrom(name)) == 0 {
			u.SetFlag(a.NodeName, FlagMissingPrefix+name, state.FlagTrue)
			incomplete = true
			continue
		}
		if in.State.FlagSet(state.FlagKey(name, dag.FlagIncomplete)) ||
			in.State.FlagSet(state.FlagKey(name, dag.FlagValidationFailed)) {
			incomplete = true
		}
	}
	value := state.FlagFalse
	if incomplete {
		value = state.FlagTrue
	}
	u.SetFlag(a.NodeName, FlagIncompleteEvidence, value)
	return u, nil
}

var _ dag.Node = (*Aggregator)(nil)
