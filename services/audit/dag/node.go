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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// DefaultNodeTimeout applies to nodes that don't specify one.
const DefaultNodeTimeout = 30 * time.Second

// NodeKind classifies a node. It selects the shape of the node's safe
// default and labels metrics.
type NodeKind int

const (
	// KindGeneric nodes default to an empty update.
	KindGeneric NodeKind = iota

	// KindDetective nodes produce findings.
	KindDetective

	// KindAggregator nodes inspect merged findings and set flags.
	KindAggregator

	// KindJudge nodes produce opinions.
	KindJudge

	// KindSynthesizer nodes produce the verdict.
	KindSynthesizer
)

// String returns the lower-case kind name.
func (k NodeKind) String() string {
	switch k {
	case KindDetective:
		return "detective"
	case KindAggregator:
		return "aggregator"
	case KindJudge:
		return "judge"
	case KindSynthesizer:
		return "synthesizer"
	default:
		return "generic"
	}
}

// Input is what a node receives for one attempt.
type Input struct {
	// State is the node's private copy of the wave-start snapshot.
	State state.WorkflowState

	// Correction describes why the previous attempt was rejected. Empty on
	// the first attempt.
	Correction string

	// Attempt is 1 for the first call and 2 for the self-correction call.
	Attempt int
}

// Node is a named, pure unit of work.
//
// Description:
//
//	Execute must not touch process-wide state; collaborators are passed to
//	the node at construction. It returns a delta, never a full state.
//
// Thread Safety:
//
//	Execute may be called concurrently with other nodes of the same wave.
//	A single node is never executed concurrently with itself within a run.
type Node interface {
	Name() string
	Kind() NodeKind
	Timeout() time.Duration
	Execute(ctx context.Context, in Input) (*state.Update, error)
}

// Defaulter is implemented by nodes that provide their own replacement
// update for failed or rejected attempts.
type Defaulter interface {
	SafeDefault(reason string) *state.Update
}

// BaseNode implements the bookkeeping part of Node.
//
// Example:
//
//	type RepoNode struct {
//	    dag.BaseNode
//	    analyzer RepositoryAnalyzer
//	}
//
//	func (n *RepoNode) Execute(ctx context.Context, in dag.Input) (*state.Update, error) {
//	    ...
//	}
type BaseNode struct {
	NodeName    string
	NodeKind    NodeKind
	NodeTimeout time.Duration

	// NodeRole is the judicial role stamped on a judge's default opinion.
	// Falls back to NodeName.
	NodeRole string
}

// Name returns the node's unique identifier.
func (n *BaseNode) Name() string {
	return n.NodeName
}

// Kind returns the node kind.
func (n *BaseNode) Kind() NodeKind {
	return n.NodeKind
}

// Timeout returns the node's execution bound.
func (n *BaseNode) Timeout() time.Duration {
	if n.NodeTimeout <= 0 {
		return DefaultNodeTimeout
	}
	return n.NodeTimeout
}

// Execute returns an error if called directly.
func (n *BaseNode) Execute(_ context.Context, _ Input) (*state.Update, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden", ErrInvalidInput)
}

// SafeDefault returns the kind-appropriate replacement update.
//
// Description:
//
//	Detectives get one unsupported finding with confidence 0. Judges get
//	one opinion at the lowest score. Other kinds get an empty update. The
//	reason becomes the rationale or argument.
func (n *BaseNode) SafeDefault(reason string) *state.Update {
	switch n.NodeKind {
	case KindDetective:
		return &state.Update{Findings: []state.Finding{{
			Origin:     n.NodeName,
			Claim:      n.NodeName + " evidence",
			Supported:  false,
			Rationale:  reason,
			Confidence: 0,
		}}}
	case KindJudge:
		role := n.NodeRole
		if role == "" {
			role = n.NodeName
		}
		return &state.Update{Opinions: []state.Opinion{{
			Origin:   n.NodeName,
			Role:     role,
			Score:    state.MinScore,
			Argument: reason,
		}}}
	default:
		return &state.Update{}
	}
}

// FuncNode adapts a function to the Node interface.
type FuncNode struct {
	BaseNode
	fn func(ctx context.Context, in Input) (*state.Update, error)
}

// NewFuncNode creates a node that runs fn.
func NewFuncNode(name string, kind NodeKind, fn func(ctx context.Context, in Input) (*state.Update, error)) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{NodeName: name, NodeKind: kind},
		fn:       fn,
	}
}

// WithTimeout sets the node timeout.
func (n *FuncNode) WithTimeout(d time.Duration) *FuncNode {
	n.NodeTimeout = d
	return n
}

// WithRole sets the role used by a judge's default opinion.
func (n *FuncNode) WithRole(role string) *FuncNode {
	n.NodeRole = role
	return n
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, in Input) (*state.Update, error) {
	if n.fn == nil {
		return nil, fmt.Errorf("%w: FuncNode %q has no function", ErrInvalidInput, n.NodeName)
	}
	return n.fn(ctx, in)
}

var (
	_ Node      = (*FuncNode)(nil)
	_ Defaulter = (*FuncNode)(nil)
)
