// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const report = `# Automaton Auditor Report

We rely on dialectical synthesis between three judges.

## Architecture

The graph uses fan-in and fan-out of detective nodes.
`

func newAnalyst() *Analyst {
	return New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAnalyzeDocument_Markdown(t *testing.T) {
	path := writeFile(t, "report.md", report)

	findings, err := newAnalyst().AnalyzeDocument(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, findings, 4)

	byClaim := map[string]int{}
	for i, f := range findings {
		byClaim[f.Claim] = i
	}

	synth := findings[byClaim[ClaimPrefix+"dialectical synthesis"]]
	assert.True(t, synth.Supported)
	assert.InDelta(t, 0.85, synth.Confidence, 1e-9)
	assert.Equal(t, path+":chunk1", synth.Location)
	assert.Contains(t, synth.Content, "dialectical synthesis")

	fan := findings[byClaim[ClaimPrefix+"fan-in fan-out"]]
	assert.True(t, fan.Supported)

	meta := findings[byClaim[ClaimPrefix+"metacognition"]]
	assert.False(t, meta.Supported)
	assert.InDelta(t, BaseConfidence, meta.Confidence, 1e-9)
	assert.NotEmpty(t, meta.Rationale)
}

func TestAnalyzeDocument_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.pdf")

	findings, err := newAnalyst().AnalyzeDocument(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ClaimLocate, findings[0].Claim)
	assert.False(t, findings[0].Supported)
	assert.Equal(t, 1.0, findings[0].Confidence)
	assert.Equal(t, path, findings[0].Location)
}

func TestAnalyzeDocument_CorruptPDF(t *testing.T) {
	path := writeFile(t, "report.pdf", "this is not a pdf")

	findings, err := newAnalyst().AnalyzeDocument(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ClaimLocate, findings[0].Claim)
	assert.Contains(t, findings[0].Rationale, "unreadable document")
}

func TestAnalyzeDocument_Empty(t *testing.T) {
	path := writeFile(t, "empty.txt", "   \n")

	findings, err := newAnalyst().AnalyzeDocument(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ClaimLocate, findings[0].Claim)
}

func TestAnalyzeDocument_TooLarge(t *testing.T) {
	path := writeFile(t, "big.txt", report)
	a := New(Config{MaxFileSize: 10}, nil)

	findings, err := a.AnalyzeDocument(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Rationale, "limit 10")
}

func TestQuery(t *testing.T) {
	chunks := []Chunk{
		{Index: 1, Content: "metacognition and planning"},
		{Index: 2, Content: "the state only"},
		{Index: 3, Page: 4, Content: "State Synchronization happens here"},
		{Index: 4, Content: "more state"},
	}

	got := Query("state synchronization", chunks, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Index)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-9)
	assert.Equal(t, 2, got[1].Index, "ties keep document order")
	assert.InDelta(t, 0.725, got[1].Confidence, 1e-9)
	assert.Equal(t, "p4", cite(got[0].Chunk))

	assert.Empty(t, Query("dialectical", chunks, 3))
	assert.Empty(t, Query("   ", chunks, 3))
}
