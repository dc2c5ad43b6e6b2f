// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"
)

// Input names understood by the auditor's start router.
const (
	InputRepository = "repository"
	InputDocument   = "document"
)

// Flag values. Any other short status word is also allowed.
const (
	FlagTrue  = "true"
	FlagFalse = "false"
)

// Score bounds of the judicial scale.
const (
	MinScore = 1
	MaxScore = 5
)

// Finding is a confidence-scored claim produced by a detective node.
type Finding struct {
	// Origin is the name of the node that produced the finding.
	Origin string `json:"origin" validate:"required"`

	// Claim is what was checked, e.g. "Verify State Reducers".
	Claim string `json:"claim" validate:"required"`

	// Supported reports whether the evidence backs the claim.
	Supported bool `json:"supported"`

	// Rationale explains the outcome. Required when Supported is false.
	Rationale string `json:"rationale,omitempty" validate:"required_if=Supported false"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// Location points at the evidence: a file path, page or URL.
	Location string `json:"location,omitempty"`

	// Content is a short excerpt of the evidence.
	Content string `json:"content,omitempty"`
}

// NewFinding builds a Finding with confidence clamped to [0,1].
func NewFinding(origin, claim string, supported bool, rationale string, confidence float64) Finding {
	return Finding{
		Origin:     origin,
		Claim:      claim,
		Supported:  supported,
		Rationale:  rationale,
		Confidence: ClampConfidence(confidence),
	}
}

// ClampConfidence limits c to [0,1]. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case c != c:
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Ref returns the content-derived identity of the finding. Opinions cite
// findings by Ref, and remediation deduplicates on it.
func (f Finding) Ref() string {
	h := sha256.New()
	for _, part := range []string{f.Origin, f.Claim, f.Location, f.Content} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Opinion is a scored evaluation produced by a judge node.
type Opinion struct {
	// Origin is the judge node name.
	Origin string `json:"origin" validate:"required"`

	// Role is the judicial role used for weighting, e.g. "prosecutor".
	Role string `json:"role" validate:"required"`

	// Score is on the 1..5 scale.
	Score int `json:"score" validate:"gte=1,lte=5"`

	// Argument is the judge's reasoning.
	Argument string `json:"argument" validate:"required"`

	// Cited holds finding refs. Treated as a set.
	Cited []string `json:"cited,omitempty" validate:"dive,required"`
}

// Contribution is one role's share of the weighted score.
type Contribution struct {
	Role     string  `json:"role"`
	Origin   string  `json:"origin,omitempty"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Verdict is the synthesized outcome of a run.
type Verdict struct {
	WeightedScore float64        `json:"weighted_score"`
	Rung          int            `json:"rung"`
	Contributions []Contribution `json:"contributions"`
	Dissent       string         `json:"dissent,omitempty"`
	Remediation   []string       `json:"remediation"`
	Rationale     string         `json:"rationale,omitempty"`
	LowVariance   bool           `json:"low_variance,omitempty"`
	Notes         []string       `json:"notes,omitempty"`
}

// Update is the delta a node returns. Nil and zero-value fields are no-ops.
type Update struct {
	Findings []Finding        `json:"findings,omitempty"`
	Opinions []Opinion        `json:"opinions,omitempty"`
	Flags    map[string]string `json:"flags,omitempty"`
	Verdict  *Verdict          `json:"verdict,omitempty"`
}

// IsEmpty reports whether applying u would change nothing.
func (u *Update) IsEmpty() bool {
	return u == nil || (len(u.Findings) == 0 && len(u.Opinions) == 0 && len(u.Flags) == 0 && u.Verdict == nil)
}

// SetFlag records flag name under the node's namespace.
func (u *Update) SetFlag(node, name, value string) {
	if u.Flags == nil {
		u.Flags = make(map[string]string)
	}
	u.Flags[FlagKey(node, name)] = value
}

// FlagKey returns the namespaced flag key "<node>.<name>".
func FlagKey(node, name string) string {
	return node + "." + name
}

// WorkflowState is the state threaded through one audit run.
type WorkflowState struct {
	Inputs   map[string]string `json:"inputs"`
	Findings []Finding         `json:"findings"`
	Opinions []Opinion         `json:"opinions"`
	Flags    map[string]string `json:"flags"`
	Verdict  *Verdict          `json:"verdict,omitempty"`
}

// New creates the initial state for a run. Blank inputs are dropped so that
// routing can treat presence as "non-empty".
func New(inputs map[string]string) *WorkflowState {
	in := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if v = strings.TrimSpace(v); v != "" {
			in[k] = v
		}
	}
	return &WorkflowState{
		Inputs: in,
		Flags:  make(map[string]string),
	}
}

// Clone returns a deep copy usable as an immutable snapshot.
func (s *WorkflowState) Clone() WorkflowState {
	out := WorkflowState{
		Inputs:   maps.Clone(s.Inputs),
		Findings: slices.Clone(s.Findings),
		Opinions: make([]Opinion, len(s.Opinions)),
		Flags:    maps.Clone(s.Flags),
	}
	for i, o := range s.Opinions {
		o.Cited = slices.Clone(o.Cited)
		out.Opinions[i] = o
	}
	if out.Inputs == nil {
		out.Inputs = map[string]string{}
	}
	if out.Flags == nil {
		out.Flags = map[string]string{}
	}
	if s.Verdict != nil {
		v := *s.Verdict
		v.Contributions = slices.Clone(v.Contributions)
		v.Remediation = slices.Clone(v.Remediation)
		v.Notes = slices.Clone(v.Notes)
		out.Verdict = &v
	}
	return out
}

// Input returns the named input and whether it is present.
func (s *WorkflowState) Input(name string) (string, bool) {
	v, ok := s.Inputs[name]
	return v, ok && v != ""
}

// FindingByRef looks up a finding by its Ref.
func (s *WorkflowState) FindingByRef(ref string) (Finding, bool) {
	for _, f := range s.Findings {
		if f.Ref() == ref {
			return f, true
		}
	}
	return Finding{}, false
}

// FindingsFrom returns the findings produced by origin.
func (s *WorkflowState) FindingsFrom(origin string) []Finding {
	var out []Finding
	for _, f := range s.Findings {
		if f.Origin == origin {
			out = append(out, f)
		}
	}
	return out
}

// FlagSet reports whether key is set to FlagTrue.
func (s *WorkflowState) FlagSet(key string) bool {
	return s.Flags[key] == FlagTrue
}
