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

// Apply folds u into s. Sequence fields are appended, flags are unioned and
// the verdict is set at most once.
//
// Description:
//
//	Apply is the only mutator of a WorkflowState used by the executor. It
//	is called between waves, once per node update, in completion order.
//	The verdict check runs first so that a rejected update leaves s
//	unchanged.
//
// Outputs:
//
//	error - *ConfigError wrapping ErrVerdictAlreadyWritten on a second
//	        verdict write.
//
// Thread Safety:
//
//	Not safe for concurrent use; the executor serializes calls.
func (s *WorkflowState) Apply(u *Update) error {
	if u == nil {
		return nil
	}
	if u.Verdict != nil {
		if err := s.SetVerdict(*u.Verdict); err != nil {
			return err
		}
	}
	s.Findings = AppendFindings(s.Findings, u.Findings)
	s.Opinions = AppendOpinions(s.Opinions, u.Opinions)
	s.Flags = UnionFlags(s.Flags, u.Flags)
	return nil
}

// AppendFindings is the findings reducer.
func AppendFindings(acc, delta []Finding) []Finding {
	if len(delta) == 0 {
		return acc
	}
	return append(acc, delta...)
}

// AppendOpinions is the opinions reducer. Cited slices are copied so the
// accumulator never aliases a node's return value.
func AppendOpinions(acc, delta []Opinion) []Opinion {
	for _, o := range delta {
		o.Cited = append([]string(nil), o.Cited...)
		acc = append(acc, o)
	}
	return acc
}

// UnionFlags is the flags reducer. Keys present in delta override acc.
func UnionFlags(acc, delta map[string]string) map[string]string {
	if acc == nil {
		acc = make(map[string]string, len(delta))
	}
	for k, v := range delta {
		acc[k] = v
	}
	return acc
}

// SetVerdict is the scalar-once reducer.
func (s *WorkflowState) SetVerdict(v Verdict) error {
	if s.Verdict != nil {
		return &ConfigError{Op: "SetVerdict", Err: ErrVerdictAlreadyWritten}
	}
	s.Verdict = &v
	return nil
}
