// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arbitration

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// NodeName is the graph name of the synthesizer.
const NodeName = "chief_justice"

// Node is the synthesizer as a workflow node. It writes the verdict.
type Node struct {
	dag.BaseNode
	cfg Config
}

// NewNode validates cfg and returns the synthesizer node.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.Roster.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		BaseNode: dag.BaseNode{NodeName: NodeName, NodeKind: dag.KindSynthesizer, NodeTimeout: 5 * time.Second},
		cfg:      cfg,
	}, nil
}

// Execute synthesizes the verdict from the snapshot's opinions.
func (n *Node) Execute(_ context.Context, in dag.Input) (*state.Update, error) {
	v, err := Synthesize(n.cfg, in.State.Opinions, in.State.Findings)
	if err != nil {
		return nil, err
	}
	u := &state.Update{Verdict: &v}
	if v.Dissent != "" {
		u.SetFlag(n.NodeName, "dissent", state.FlagTrue)
	}
	if v.LowVariance {
		u.SetFlag(n.NodeName, "low_variance", state.FlagTrue)
	}
	return u, nil
}
