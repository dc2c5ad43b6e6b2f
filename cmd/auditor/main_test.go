// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAudit/pkg/validation"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
)

// =============================================================================
// Helpers
// =============================================================================

type workspace struct {
	dir         string
	configPath  string
	checkpoints string
}

// newWorkspace writes a config that keeps everything inside a temp dir and
// disables the prometheus exporter, which can only register once per process.
func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:         dir,
		configPath:  filepath.Join(dir, "auditor.yaml"),
		checkpoints: filepath.Join(dir, "checkpoints"),
	}
	cfg := fmt.Sprintf(`logging:
  level: error
  quiet: true
archive:
  db:
    path: %s
    gc_interval: 0s
checkpoint_dir: %s
telemetry:
  trace_exporter: none
  metric_exporter: none
`, filepath.Join(dir, "runs"), ws.checkpoints)
	require.NoError(t, os.WriteFile(ws.configPath, []byte(cfg), 0o600))
	return ws
}

func (ws workspace) writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(ws.dir, "report.md")
	body := "# Architecture\n\nDetectives run in a fan-in fan-out topology and the judges " +
		"perform dialectical synthesis before the chief justice rules.\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func resetFlags() {
	configPath, outputMode = "", ""
	runRepo, runDoc, runReport = "", "", ""
	runJSON, runNoArchive = false, false
	runsLimit, runsJSON, runsMarkdown = 20, false, ""
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append(args, "--output", "machine"))
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

var runIDPattern = regexp.MustCompile(`run_id=(\S+)`)

// =============================================================================
// Tests
// =============================================================================

func TestExitCode(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", base, exitFailure},
		{"config", withExitCode(exitConfig, base), exitConfig},
		{"wrapped", fmt.Errorf("outer: %w", withExitCode(exitNoVerdict, base)), exitNoVerdict},
		{"first code wins", withExitCode(exitFailure, withExitCode(exitConfig, base)), exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
	assert.NoError(t, withExitCode(exitConfig, nil))
	assert.ErrorIs(t, withExitCode(exitConfig, base), base)
}

// TestRun_ArchiveRoundTrip audits a document, then reads the run back
// through runs list, runs show and checkpoint verify.
func TestRun_ArchiveRoundTrip(t *testing.T) {
	ws := newWorkspace(t)
	doc := ws.writeDoc(t)
	reportPath := filepath.Join(ws.dir, "out.md")

	out, err := execute(t, "run", "--config", ws.configPath, "--doc", doc, "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "status=ok")
	assert.Contains(t, out, "contribution role=tech_lead")

	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2)
	runID := m[1]

	md, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "# Forensic Audit Report")
	assert.Contains(t, string(md), runID)

	out, err = execute(t, "runs", "list", "--config", ws.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, runID)

	out, err = execute(t, "runs", "show", runID, "--config", ws.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "run_id="+runID)
	assert.Contains(t, out, "status=ok")

	out, err = execute(t, "checkpoint", "verify", filepath.Join(ws.checkpoints, runID+".json"))
	require.NoError(t, err)
	assert.Contains(t, out, "intact")
	assert.Contains(t, out, auditor.GraphName)
}

func TestRun_NoInputsExitsWithNoVerdict(t *testing.T) {
	ws := newWorkspace(t)

	out, err := execute(t, "run", "--config", ws.configPath, "--no-archive")
	require.Error(t, err)
	assert.Equal(t, exitNoVerdict, exitCode(err))
	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, auditor.NoArtifactReason)
}

func TestRun_RejectsInjectedLocator(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, "run", "--config", ws.configPath, "--repo=--upload-pack=touch /tmp/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, validation.ErrInvalidLocator)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestRun_JSON(t *testing.T) {
	ws := newWorkspace(t)
	doc := ws.writeDoc(t)

	out, err := execute(t, "run", "--config", ws.configPath, "--doc", doc, "--json", "--no-archive")
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id"`)
	assert.Contains(t, out, `"weighted_score"`)
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("judges:\n  evaluatr: heuristic\n"), 0o600))

	_, err := execute(t, "run", "--config", path, "--doc", "x.md")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestRun_LLMWithoutKey(t *testing.T) {
	ws := newWorkspace(t)
	t.Setenv("OPENAI_API_KEY", "")
	extra := fmt.Sprintf("judges:\n  evaluator: llm\nllm:\n  secret_path: %s\n", filepath.Join(ws.dir, "missing"))
	f, err := os.OpenFile(ws.configPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(extra)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = execute(t, "run", "--config", ws.configPath, "--no-archive")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestRunsShow_NotFound(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, "runs", "show", "no-such-run", "--config", ws.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRunsList_RejectsBadLimit(t *testing.T) {
	ws := newWorkspace(t)

	_, err := execute(t, "runs", "list", "--limit", "0", "--config", ws.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit")
}

func TestCheckpointVerify_Tampered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cp.json")
	res := &dag.Result{RunID: "r1", Graph: auditor.GraphName}
	require.NoError(t, dag.SaveCheckpoint(path, res))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"r1"`), []byte(`"r2"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = execute(t, "checkpoint", "verify", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, dag.ErrCheckpointCorrupt)
}
