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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

func op(role string, score int, cited ...string) state.Opinion {
	return state.Opinion{Origin: role, Role: role, Score: score, Argument: "because", Cited: cited}
}

func TestRoster_Validate(t *testing.T) {
	tests := []struct {
		name    string
		roster  Roster
		wantErr bool
	}{
		{"default", DefaultRoster(), false},
		{"two roles", Roster{{"a", 0.5}, {"b", 0.5}}, false},
		{"empty", Roster{}, true},
		{"sum below one", Roster{{"a", 0.4}, {"b", 0.3}}, true},
		{"sum above one", Roster{{"a", 0.7}, {"b", 0.7}}, true},
		{"duplicate", Roster{{"a", 0.5}, {"a", 0.5}}, true},
		{"zero weight", Roster{{"a", 1}, {"b", 0}}, true},
		{"missing role", Roster{{"", 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.roster.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, state.IsConfigError(err))
			assert.ErrorIs(t, err, state.ErrInvalidRoster)
		})
	}
}

func TestSynthesize_WeightedArithmetic(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), []state.Opinion{
		op(RoleTechLead, 4), op(RoleProsecutor, 2), op(RoleDefense, 2),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2.8, v.WeightedScore)
	assert.Equal(t, 3, v.Rung)
	require.Len(t, v.Contributions, 3)
	assert.Equal(t, RoleTechLead, v.Contributions[0].Role)
	assert.InDelta(t, 1.6, v.Contributions[0].Weighted, 1e-9)
	assert.Empty(t, v.Dissent)
}

func TestSynthesize_Dissent(t *testing.T) {
	t.Run("5,5,2 dissents", func(t *testing.T) {
		v, err := Synthesize(DefaultConfig(), []state.Opinion{
			op(RoleTechLead, 5), op(RoleDefense, 5), op(RoleProsecutor, 2),
		}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, v.Dissent)
		assert.Contains(t, v.Dissent, "tech_lead (5) vs prosecutor (2)")
		assert.Contains(t, v.Dissent, "prosecutor (2) vs defense (5)")
	})

	t.Run("4,3,3 agrees", func(t *testing.T) {
		v, err := Synthesize(DefaultConfig(), []state.Opinion{
			op(RoleTechLead, 4), op(RoleDefense, 3), op(RoleProsecutor, 3),
		}, nil)
		require.NoError(t, err)
		assert.Empty(t, v.Dissent)
	})

	t.Run("gap of exactly the threshold agrees", func(t *testing.T) {
		v, err := Synthesize(DefaultConfig(), []state.Opinion{
			op(RoleTechLead, 3), op(RoleDefense, 5), op(RoleProsecutor, 3),
		}, nil)
		require.NoError(t, err)
		assert.Empty(t, v.Dissent)
	})
}

func TestSynthesize_RenormalizesMissingRole(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), []state.Opinion{
		op(RoleTechLead, 4), op(RoleDefense, 2),
	}, nil)
	require.NoError(t, err)

	// 0.4/0.7*4 + 0.3/0.7*2 = 22/7
	assert.InDelta(t, 22.0/7.0, v.WeightedScore, 1e-6)
	sum := 0.0
	for _, c := range v.Contributions {
		sum += c.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Contains(t, v.Notes[len(v.Notes)-1], "missing roles: prosecutor")
}

func TestSynthesize_NoOpinions(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), nil, []state.Finding{state.NewFinding("d", "c", true, "", 1)})
	require.NoError(t, err)

	assert.Equal(t, float64(state.MinScore), v.WeightedScore)
	assert.Equal(t, state.MinScore, v.Rung)
	assert.Equal(t, NoOpinionsRationale, v.Rationale)
	assert.Empty(t, v.Contributions)
	assert.Empty(t, v.Remediation)
}

func TestSynthesize_LowVarianceIsIndependentOfDissent(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), []state.Opinion{
		op(RoleTechLead, 4), op(RoleDefense, 4), op(RoleProsecutor, 4),
	}, nil)
	require.NoError(t, err)
	assert.True(t, v.LowVariance)
	assert.Empty(t, v.Dissent)
	assert.Equal(t, 4.0, v.WeightedScore, "the low-variance rule never alters the score")

	v, err = Synthesize(DefaultConfig(), []state.Opinion{
		op(RoleTechLead, 4), op(RoleDefense, 3), op(RoleProsecutor, 3),
	}, nil)
	require.NoError(t, err)
	assert.True(t, v.LowVariance, "variance 0.22 < 0.5")

	cfg := DefaultConfig()
	cfg.LowVarianceThreshold = 0
	v, err = Synthesize(cfg, []state.Opinion{op(RoleTechLead, 4), op(RoleDefense, 4)}, nil)
	require.NoError(t, err)
	assert.False(t, v.LowVariance, "threshold 0 disables the rule")

	v, err = Synthesize(DefaultConfig(), []state.Opinion{op(RoleTechLead, 4)}, nil)
	require.NoError(t, err)
	assert.False(t, v.LowVariance, "a single role has no variance to judge")
}

func TestSynthesize_UnknownRoleIgnored(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), []state.Opinion{
		op(RoleTechLead, 2), op("bailiff", 5),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.WeightedScore)
	assert.Contains(t, v.Notes[0], `role "bailiff" is not in the roster`)
}

func TestSynthesize_MeanOfDuplicateRole(t *testing.T) {
	v, err := Synthesize(DefaultConfig(), []state.Opinion{
		{Origin: "p1", Role: RoleProsecutor, Score: 1, Argument: "a"},
		{Origin: "p2", Role: RoleProsecutor, Score: 3, Argument: "b"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.WeightedScore)
	assert.Equal(t, "p1,p2", v.Contributions[0].Origin)
}

func TestRemediation_DedupFirstSeenOrder(t *testing.T) {
	missing := state.NewFinding("doc_analyst", "Locate Document", false, "file not found", 1)
	missing.Location = "report.pdf"
	history := state.NewFinding("repo_investigator", "Verify Development Narrative", true, "", 0.95)
	unsafe := state.NewFinding("repo_investigator", "Verify Tool Safety", false, "os.system call", 0.9)
	findings := []state.Finding{missing, history, unsafe}

	got := Remediation([]state.Opinion{
		op(RoleProsecutor, 2, unsafe.Ref(), missing.Ref()),
		op(RoleDefense, 4, missing.Ref(), history.Ref(), "ffffffffffff"),
		op(RoleTechLead, 3, unsafe.Ref()),
	}, findings)

	assert.Equal(t, []string{
		"Remediate Verify Tool Safety: os.system call",
		"Remediate Locate Document [report.pdf]: file not found",
		"Preserve Verify Development Narrative",
	}, got)
}

func TestSynthesize_InvalidRosterIsConfigError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Roster = Roster{{RoleTechLead, 0.5}}
	_, err := Synthesize(cfg, nil, nil)
	assert.True(t, state.IsConfigError(err))
}

func TestNode_WritesVerdictAndFlags(t *testing.T) {
	n, err := NewNode(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, NodeName, n.Name())
	assert.Equal(t, dag.KindSynthesizer, n.Kind())

	snap := state.New(nil)
	snap.Opinions = []state.Opinion{op(RoleTechLead, 5), op(RoleDefense, 5), op(RoleProsecutor, 2)}

	u, err := n.Execute(context.Background(), dag.Input{State: snap.Clone()})
	require.NoError(t, err)
	require.NotNil(t, u.Verdict)
	assert.Equal(t, state.FlagTrue, u.Flags["chief_justice.dissent"])
	assert.NoError(t, state.ValidateUpdate(NodeName, snap, u))
}

func TestNewNode_RejectsBadRoster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Roster = append(cfg.Roster, RoleWeight{Role: "extra", Weight: 0.1})
	_, err := NewNode(cfg)
	assert.True(t, errors.Is(err, state.ErrInvalidRoster))
}
