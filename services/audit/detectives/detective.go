// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detectives provides the evidence-gathering nodes of the audit
// graph and the aggregator that joins them.
//
// Each detective reads one input locator from the state snapshot, hands it
// to a collaborator analyzer, and returns the analyzer's findings as a
// delta. Detectives never see each other's output; the aggregator runs
// after all of them and only sets flags.
package detectives

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Node names.
const (
	RepoInvestigator = "repo_investigator"
	DocAnalyst       = "doc_analyst"
	VisionInspector  = "vision_inspector"
)

// RepositoryAnalyzer inspects a source repository.
type RepositoryAnalyzer interface {
	AnalyzeRepository(ctx context.Context, locator string) ([]state.Finding, error)
}

// DocumentAnalyzer inspects a report document. Missing or unreadable
// documents yield unsupported findings, not errors.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, locator string) ([]state.Finding, error)
}

// VisualAnalyzer inspects diagrams embedded in or referenced by a document.
type VisualAnalyzer interface {
	AnalyzeVisuals(ctx context.Context, locator string) ([]state.Finding, error)
}

// RepositoryFunc adapts a function to RepositoryAnalyzer.
type RepositoryFunc func(ctx context.Context, locator string) ([]state.Finding, error)

// AnalyzeRepository calls f.
func (f RepositoryFunc) AnalyzeRepository(ctx context.Context, locator string) ([]state.Finding, error) {
	return f(ctx, locator)
}

// DocumentFunc adapts a function to DocumentAnalyzer.
type DocumentFunc func(ctx context.Context, locator string) ([]state.Finding, error)

// AnalyzeDocument calls f.
func (f DocumentFunc) AnalyzeDocument(ctx context.Context, locator string) ([]state.Finding, error) {
	return f(ctx, locator)
}

// VisualFunc adapts a function to VisualAnalyzer.
type VisualFunc func(ctx context.Context, locator string) ([]state.Finding, error)

// AnalyzeVisuals calls f.
func (f VisualFunc) AnalyzeVisuals(ctx context.Context, locator string) ([]state.Finding, error) {
	return f(ctx, locator)
}

// Detective is a node that turns one input locator into findings.
//
// Thread Safety:
//
//	Safe for concurrent use if the wrapped analyzer is.
type Detective struct {
	dag.BaseNode
	input   string
	analyze func(ctx context.Context, locator string) ([]state.Finding, error)
}

// NewRepoInvestigator creates the repository detective. It reads the
// "repository" input.
func NewRepoInvestigator(a RepositoryAnalyzer, timeout time.Duration) *Detective {
	return newDetective(RepoInvestigator, state.InputRepository, timeout, a.AnalyzeRepository)
}

// NewDocAnalyst creates the document detective. It reads the "document"
// input.
func NewDocAnalyst(a DocumentAnalyzer, timeout time.Duration) *Detective {
	return newDetective(DocAnalyst, state.InputDocument, timeout, a.AnalyzeDocument)
}

// NewVisionInspector creates the diagram detective. It reads the
// "document" input.
func NewVisionInspector(a VisualAnalyzer, timeout time.Duration) *Detective {
	return newDetective(VisionInspector, state.InputDocument, timeout, a.AnalyzeVisuals)
}

func newDetective(name, input string, timeout time.Duration, fn func(context.Context, string) ([]state.Finding, error)) *Detective {
	return &Detective{
		BaseNode: dag.BaseNode{NodeName: name, NodeKind: dag.KindDetective, NodeTimeout: timeout},
		input:    input,
		analyze:  fn,
	}
}

// RequiredInput names the input key this detective consumes.
func (d *Detective) RequiredInput() string {
	return d.input
}

// Execute runs the analyzer against the node's input locator.
//
// Description:
//
//	Findings are stamped with this node as origin and otherwise returned
//	as the analyzer produced them. An analyzer that returns nothing yields
//	an empty update; the aggregator reports the gap. A correction attempt
//	re-runs the analyzer.
//
// Outputs:
//
//	*state.Update - Findings only, possibly none.
//	error - ErrMissingInput, or the analyzer's error.
func (d *Detective) Execute(ctx context.Context, in dag.Input) (*state.Update, error) {
	locator, ok := in.State.Input(d.input)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs %q", ErrMissingInput, d.NodeName, d.input)
	}

	findings, err := d.analyze(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.NodeName, err)
	}
	if len(findings) == 0 {
		return &state.Update{}, nil
	}

	out := make([]state.Finding, len(findings))
	for i, f := range findings {
		f.Origin = d.NodeName
		out[i] = f
	}
	return &state.Update{Findings: out}, nil
}

var (
	_ dag.Node      = (*Detective)(nil)
	_ dag.Defaulter = (*Detective)(nil)
)
