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
	"math"
	"slices"

	"github.com/AleutianAI/AleutianAudit/services/audit/arbitration"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// HeuristicEvaluator scores evidence without a model.
//
// Description:
//
//	The base score maps the confidence-weighted share of supported
//	findings onto 1..5. The prosecutor loses a point for any confident
//	unsupported finding, the defense gains a point for any confident
//	supported finding, and the tech lead keeps the base. Each persona
//	cites the findings that moved its score.
type HeuristicEvaluator struct {
	// ConfidentAt is the confidence at which a finding moves an
	// adversarial score. Defaults to 0.5.
	ConfidentAt float64
}

// Evaluate scores req deterministically.
func (h HeuristicEvaluator) Evaluate(_ context.Context, req EvaluationRequest) (state.Opinion, error) {
	confident := h.ConfidentAt
	if confident <= 0 {
		confident = 0.5
	}

	var supportedWeight, totalWeight float64
	var supported, strongFor, strongAgainst []string
	all := make([]string, 0, len(req.Findings))
	for _, f := range req.Findings {
		ref := f.Ref()
		all = append(all, ref)
		totalWeight += f.Confidence
		if f.Supported {
			supportedWeight += f.Confidence
			supported = append(supported, ref)
			if f.Confidence >= confident {
				strongFor = append(strongFor, ref)
			}
		} else if f.Confidence >= confident {
			strongAgainst = append(strongAgainst, ref)
		}
	}

	ratio := 0.0
	switch {
	case totalWeight > 0:
		ratio = supportedWeight / totalWeight
	case len(req.Findings) > 0:
		ratio = float64(len(supported)) / float64(len(req.Findings))
	}
	base := int(math.Floor(1 + 4*ratio + 0.5))

	score := base
	cited := all
	switch req.Persona.Role {
	case arbitration.RoleProsecutor:
		if len(strongAgainst) > 0 {
			score--
			cited = strongAgainst
		}
	case arbitration.RoleDefense:
		if len(strongFor) > 0 {
			score++
			cited = strongFor
		}
	}
	score = min(max(score, state.MinScore), state.MaxScore)

	return state.Opinion{
		Score: score,
		Argument: fmt.Sprintf("%s: %d of %d findings supported (weighted %.2f); %d confident against, %d confident for",
			req.Persona.Role, len(supported), len(req.Findings), ratio, len(strongAgainst), len(strongFor)),
		Cited: uniqueRefs(cited),
	}, nil
}

// uniqueRefs drops repeated refs, keeping first-seen order. Content-identical
// findings share a ref.
func uniqueRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !slices.Contains(out, ref) {
			out = append(out, ref)
		}
	}
	return out
}

var _ Evaluator = HeuristicEvaluator{}
