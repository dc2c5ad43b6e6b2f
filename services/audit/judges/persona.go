// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package judges provides the judicial nodes of the audit graph.
//
// Every judge sees the same merged evidence and scores it on the 1..5
// scale through an Evaluator, from the stance of its Persona. Two
// evaluators are provided: one backed by an LLM chat completion and a
// deterministic heuristic used offline and in tests.
package judges

import "github.com/AleutianAI/AleutianAudit/services/audit/arbitration"

// Persona is the stance a judge argues from.
type Persona struct {
	// Name is the node name. Unique within a graph.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Role is the judicial role used for weighting.
	Role string `yaml:"role" json:"role" validate:"required"`

	// Stance is a one-line description of the persona.
	Stance string `yaml:"stance" json:"stance"`

	// Instructions are the evaluation rules handed to the evaluator.
	Instructions string `yaml:"instructions" json:"instructions"`
}

// Prosecutor hunts for gaps and overstated claims.
func Prosecutor() Persona {
	return Persona{
		Name:   arbitration.RoleProsecutor,
		Role:   arbitration.RoleProsecutor,
		Stance: "adversarial; trusts nothing the evidence does not prove",
		Instructions: "Assume the work is incomplete until proven otherwise. " +
			"Every unsupported or low-confidence finding is a defect. " +
			"Score 5 only when every claim is backed by high-confidence evidence.",
	}
}

// Defense credits effort and intent.
func Defense() Persona {
	return Persona{
		Name:   arbitration.RoleDefense,
		Role:   arbitration.RoleDefense,
		Stance: "adversarial; argues for the work and credits partial progress",
		Instructions: "Highlight what the evidence does show. " +
			"Partial implementations and iterative history count in favour. " +
			"Score 1 only when nothing supports the work.",
	}
}

// TechLead weighs both sides and judges practical soundness.
func TechLead() Persona {
	return Persona{
		Name:   arbitration.RoleTechLead,
		Role:   arbitration.RoleTechLead,
		Stance: "pragmatic; decides whether the architecture would hold up in production",
		Instructions: "Weigh supported and unsupported findings by their confidence. " +
			"Prefer structural evidence (graph wiring, reducers, safety) over prose. " +
			"Give a score that a reviewer could defend.",
	}
}

// DefaultPersonas returns the three standard judges.
func DefaultPersonas() []Persona {
	return []Persona{Prosecutor(), Defense(), TechLead()}
}
