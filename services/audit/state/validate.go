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
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateFinding checks the schema of a single finding.
func ValidateFinding(f Finding) error {
	return validate.Struct(f)
}

// ValidateOpinion checks the schema of a single opinion. Citations are not
// resolved here; see ValidateUpdate.
func ValidateOpinion(o Opinion) error {
	return validate.Struct(o)
}

// ValidateUpdate checks an update returned by node against the snapshot the
// node was given.
//
// Description:
//
//	Every finding and opinion must pass struct validation and carry the
//	node's name as Origin. Every citation must resolve to a finding in
//	snapshot. Every flag key must live in the node's namespace. A verdict
//	must be on the judicial scale.
//
// Inputs:
//
//	node     - Name of the node that produced u.
//	snapshot - The state the node was executed against.
//	u        - The update. Nil is valid.
//
// Outputs:
//
//	error - *ValidationError listing every problem, or nil.
func ValidateUpdate(node string, snapshot *WorkflowState, u *Update) error {
	if u == nil {
		return nil
	}
	var problems []string

	for i, f := range u.Findings {
		prefix := fmt.Sprintf("findings[%d]", i)
		problems = append(problems, describe(prefix, ValidateFinding(f))...)
		if f.Origin != "" && f.Origin != node {
			problems = append(problems, fmt.Sprintf("%s.origin %q does not match node", prefix, f.Origin))
		}
	}

	known := make(map[string]struct{}, len(snapshot.Findings))
	for _, f := range snapshot.Findings {
		known[f.Ref()] = struct{}{}
	}
	for i, o := range u.Opinions {
		prefix := fmt.Sprintf("opinions[%d]", i)
		problems = append(problems, describe(prefix, ValidateOpinion(o))...)
		if o.Origin != "" && o.Origin != node {
			problems = append(problems, fmt.Sprintf("%s.origin %q does not match node", prefix, o.Origin))
		}
		for _, ref := range o.Cited {
			if _, ok := known[ref]; !ok && ref != "" {
				problems = append(problems, fmt.Sprintf("%s cites unknown finding %q", prefix, ref))
			}
		}
	}

	for k, v := range u.Flags {
		if !strings.HasPrefix(k, node+".") || len(k) == len(node)+1 {
			problems = append(problems, fmt.Sprintf("flag %q is outside namespace %q", k, node+"."))
		}
		if v == "" {
			problems = append(problems, fmt.Sprintf("flag %q has an empty value", k))
		}
	}

	if v := u.Verdict; v != nil {
		if v.WeightedScore < MinScore || v.WeightedScore > MaxScore {
			problems = append(problems, fmt.Sprintf("verdict.weighted_score %.3f is outside [%d,%d]", v.WeightedScore, MinScore, MaxScore))
		}
		if v.Rung < MinScore || v.Rung > MaxScore {
			problems = append(problems, fmt.Sprintf("verdict.rung %d is outside [%d,%d]", v.Rung, MinScore, MaxScore))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Node: node, Problems: problems}
}

// describe turns validator output into short human readable problems that
// can be fed back to a node on its self-correction attempt.
func describe(prefix string, err error) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required", "required_if":
			out = append(out, fmt.Sprintf("%s.%s is required", prefix, field))
		case "gte", "lte":
			out = append(out, fmt.Sprintf("%s.%s=%v violates %s=%s", prefix, field, fe.Value(), fe.Tag(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s.%s failed %s", prefix, field, fe.Tag()))
		}
	}
	return out
}
