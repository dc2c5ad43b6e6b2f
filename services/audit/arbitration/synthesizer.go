// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arbitration turns judicial opinions into a single weighted verdict.
//
// The synthesizer is deterministic. It weights each role's score by a
// static roster, renormalizes when roles are missing, reports dissent when
// any two roles are more than DissentThreshold apart, annotates
// low-variance consensus independently of dissent, and builds remediation
// from the findings the judges cited.
package arbitration

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Judicial roles of the reference roster.
const (
	RoleTechLead   = "tech_lead"
	RoleProsecutor = "prosecutor"
	RoleDefense    = "defense"
)

// NoOpinionsRationale is recorded when no judge produced output.
const NoOpinionsRationale = "no judicial opinions available"

// weightTolerance bounds float error when checking that weights sum to 1.
const weightTolerance = 1e-9

// RoleWeight is one roster entry.
type RoleWeight struct {
	Role   string  `yaml:"role" json:"role" validate:"required"`
	Weight float64 `yaml:"weight" json:"weight" validate:"gt=0,lte=1"`
}

// Roster is the fixed weighting of judicial roles.
type Roster []RoleWeight

// DefaultRoster returns tech_lead 0.4, prosecutor 0.3, defense 0.3.
func DefaultRoster() Roster {
	return Roster{
		{Role: RoleTechLead, Weight: 0.4},
		{Role: RoleProsecutor, Weight: 0.3},
		{Role: RoleDefense, Weight: 0.3},
	}
}

// Validate checks that roles are unique and non-empty and that weights are
// positive and sum to 1.0.
func (r Roster) Validate() error {
	if len(r) == 0 {
		return configError(errors.New("roster is empty"))
	}
	seen := make(map[string]bool, len(r))
	sum := 0.0
	for _, rw := range r {
		if rw.Role == "" {
			return configError(errors.New("roster entry without role"))
		}
		if seen[rw.Role] {
			return configError(fmt.Errorf("role %q listed twice", rw.Role))
		}
		seen[rw.Role] = true
		if !(rw.Weight > 0) {
			return configError(fmt.Errorf("role %q has non-positive weight %v", rw.Role, rw.Weight))
		}
		sum += rw.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return configError(fmt.Errorf("weights sum to %v, want 1.0", sum))
	}
	return nil
}

// Weight returns the configured weight of role.
func (r Roster) Weight(role string) (float64, bool) {
	for _, rw := range r {
		if rw.Role == role {
			return rw.Weight, true
		}
	}
	return 0, false
}

// Roles returns the roster roles in order.
func (r Roster) Roles() []string {
	out := make([]string, len(r))
	for i, rw := range r {
		out[i] = rw.Role
	}
	return out
}

func configError(err error) error {
	return &state.ConfigError{Op: "arbitration roster", Err: fmt.Errorf("%w: %v", state.ErrInvalidRoster, err)}
}

// Config parameterizes the synthesizer.
type Config struct {
	Roster Roster `yaml:"roster" json:"roster" validate:"required,min=1,dive"`

	// DissentThreshold: a pairwise score gap strictly greater than this
	// produces a dissent summary.
	DissentThreshold float64 `yaml:"dissent_threshold" json:"dissent_threshold" validate:"gte=0"`

	// LowVarianceThreshold: a population variance strictly below this, with
	// at least two roles present, marks the verdict for latent-flaw review.
	// Zero disables the rule.
	LowVarianceThreshold float64 `yaml:"low_variance_threshold" json:"low_variance_threshold" validate:"gte=0"`
}

// DefaultConfig returns the reference roster, dissent threshold 2 and
// low-variance threshold 0.5.
func DefaultConfig() Config {
	return Config{
		Roster:               DefaultRoster(),
		DissentThreshold:     2,
		LowVarianceThreshold: 0.5,
	}
}

// roleScore is the mean score of one role's opinions.
type roleScore struct {
	role    string
	origins []string
	score   float64
}

// Synthesize combines opinions into a verdict.
//
// Description:
//
//	Opinions are grouped by role in roster order; a role with several
//	opinions contributes their mean. Roles outside the roster are ignored
//	and noted. Weights of present roles are renormalized to sum to 1.
//	Empty findings are not special-cased: whatever scores the judges
//	returned are used as-is.
//
// Inputs:
//
//	cfg      - Synthesizer configuration. The roster is validated.
//	opinions - All opinions of the run, in any order.
//	findings - All findings of the run, used to resolve citations.
//
// Outputs:
//
//	state.Verdict - The verdict. Never partially filled.
//	error         - *state.ConfigError for roster misconfiguration.
func Synthesize(cfg Config, opinions []state.Opinion, findings []state.Finding) (state.Verdict, error) {
	if err := cfg.Roster.Validate(); err != nil {
		return state.Verdict{}, err
	}

	present, notes := groupByRole(cfg.Roster, opinions)
	v := state.Verdict{
		Contributions: make([]state.Contribution, 0, len(present)),
		Remediation:   Remediation(opinions, findings),
		Notes:         notes,
	}

	if len(present) == 0 {
		v.WeightedScore = state.MinScore
		v.Rung = state.MinScore
		v.Rationale = NoOpinionsRationale
		return v, nil
	}

	total := 0.0
	for _, rs := range present {
		w, _ := cfg.Roster.Weight(rs.role)
		total += w
	}
	for _, rs := range present {
		w, _ := cfg.Roster.Weight(rs.role)
		norm := w / total
		v.Contributions = append(v.Contributions, state.Contribution{
			Role:     rs.role,
			Origin:   strings.Join(rs.origins, ","),
			Score:    rs.score,
			Weight:   norm,
			Weighted: norm * rs.score,
		})
		v.WeightedScore += norm * rs.score
	}
	v.WeightedScore = roundTo(v.WeightedScore, 6)
	v.Rung = rung(v.WeightedScore)
	v.Dissent = dissent(present, cfg.DissentThreshold)

	if cfg.LowVarianceThreshold > 0 && len(present) >= 2 {
		if variance := populationVariance(present); variance < cfg.LowVarianceThreshold {
			v.LowVariance = true
			v.Notes = append(v.Notes, fmt.Sprintf(
				"score variance %.2f is below %.2f: tech lead should probe for latent flaws before accepting consensus",
				variance, cfg.LowVarianceThreshold))
		}
	}

	if missing := missingRoles(cfg.Roster, present); len(missing) > 0 {
		v.Notes = append(v.Notes, fmt.Sprintf("weights renormalized; missing roles: %s", strings.Join(missing, ", ")))
	}
	v.Rationale = fmt.Sprintf("weighted score %.2f from %d of %d roles", v.WeightedScore, len(present), len(cfg.Roster))
	return v, nil
}

func groupByRole(roster Roster, opinions []state.Opinion) ([]roleScore, []string) {
	var notes []string
	sums := make(map[string]int)
	counts := make(map[string]int)
	origins := make(map[string][]string)
	for _, o := range opinions {
		if _, ok := roster.Weight(o.Role); !ok {
			notes = append(notes, fmt.Sprintf("ignored opinion from %s: role %q is not in the roster", o.Origin, o.Role))
			continue
		}
		sums[o.Role] += o.Score
		counts[o.Role]++
		if !slices.Contains(origins[o.Role], o.Origin) {
			origins[o.Role] = append(origins[o.Role], o.Origin)
		}
	}

	var present []roleScore
	for _, role := range roster.Roles() {
		if counts[role] == 0 {
			continue
		}
		o := slices.Clone(origins[role])
		slices.Sort(o)
		present = append(present, roleScore{
			role:    role,
			origins: o,
			score:   float64(sums[role]) / float64(counts[role]),
		})
	}
	return present, notes
}

// dissent reports every role pair whose scores differ by more than
// threshold. Empty means consensus.
func dissent(present []roleScore, threshold float64) string {
	var parts []string
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			a, b := present[i], present[j]
			if math.Abs(a.score-b.score) > threshold {
				parts = append(parts, fmt.Sprintf("%s (%s) vs %s (%s): gap %s exceeds %s",
					a.role, trim(a.score), b.role, trim(b.score), trim(math.Abs(a.score-b.score)), trim(threshold)))
			}
		}
	}
	return strings.Join(parts, "; ")
}

// Remediation walks opinions and their citations in order and renders one
// action item per distinct cited finding.
func Remediation(opinions []state.Opinion, findings []state.Finding) []string {
	byRef := make(map[string]state.Finding, len(findings))
	for _, f := range findings {
		if _, dup := byRef[f.Ref()]; !dup {
			byRef[f.Ref()] = f
		}
	}

	seen := make(map[string]bool)
	out := []string{}
	for _, o := range opinions {
		for _, ref := range o.Cited {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			f, ok := byRef[ref]
			if !ok {
				continue
			}
			out = append(out, ActionItem(f))
		}
	}
	return out
}

// ActionItem renders a cited finding as a remediation line.
func ActionItem(f state.Finding) string {
	where := ""
	if f.Location != "" {
		where = " [" + f.Location + "]"
	}
	if f.Supported {
		return fmt.Sprintf("Preserve %s%s", f.Claim, where)
	}
	return fmt.Sprintf("Remediate %s%s: %s", f.Claim, where, f.Rationale)
}

func populationVariance(present []roleScore) float64 {
	mean := 0.0
	for _, rs := range present {
		mean += rs.score
	}
	mean /= float64(len(present))
	v := 0.0
	for _, rs := range present {
		d := rs.score - mean
		v += d * d
	}
	return v / float64(len(present))
}

func missingRoles(roster Roster, present []roleScore) []string {
	var out []string
	for _, role := range roster.Roles() {
		if !slices.ContainsFunc(present, func(rs roleScore) bool { return rs.role == role }) {
			out = append(out, role)
		}
	}
	return out
}

// rung maps a weighted score onto the integer 1..5 scale, rounding half up.
func rung(score float64) int {
	r := int(math.Floor(score + 0.5))
	return min(max(r, state.MinScore), state.MaxScore)
}

func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

func trim(x float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", x), "0"), ".")
}
