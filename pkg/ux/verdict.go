// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Report is everything the renderers need from one audit run.
type Report struct {
	RunID         string
	Inputs        map[string]string
	StartedAt     time.Time
	Duration      time.Duration
	Verdict       *state.Verdict
	FailureReason string
	Findings      []state.Finding
	Opinions      []state.Opinion
}

// RunRow is one line of a run listing.
type RunRow struct {
	RunID         string
	StartedAt     time.Time
	Duration      time.Duration
	WeightedScore float64
	Rung          int
	Dissent       bool
	FailureReason string
}

// rungLabels name the judicial scale.
var rungLabels = map[int]string{
	1: "failing",
	2: "weak",
	3: "adequate",
	4: "strong",
	5: "exemplary",
}

// RungLabel names a rung on the 1..5 scale.
func RungLabel(rung int) string {
	if l, ok := rungLabels[rung]; ok {
		return l
	}
	return "unrated"
}

// RenderReport writes a run report for the terminal, honoring the
// personality level.
func RenderReport(w io.Writer, r Report) {
	if GetPersonality().Level == PersonalityMachine {
		renderMachine(w, r)
		return
	}

	Title(w, fmt.Sprintf("%s Forensic audit %s", IconScale, r.RunID))
	for _, k := range sortedKeys(r.Inputs) {
		Info(w, fmt.Sprintf("%s: %s", k, r.Inputs[k]))
	}
	if r.Duration > 0 {
		Info(w, fmt.Sprintf("duration: %s", r.Duration.Round(time.Millisecond)))
	}
	fmt.Fprintln(w)

	if r.Verdict == nil {
		Box(w, Styles.ErrorBox, "No verdict", r.FailureReason)
		return
	}
	v := r.Verdict

	headline := fmt.Sprintf("Weighted score %.2f  rung %d/5 (%s)", v.WeightedScore, v.Rung, RungLabel(v.Rung))
	Box(w, Styles.Box, "Verdict", style(Styles.Highlight, headline))
	fmt.Fprintln(w, contributionTable(v, table.StyleRounded).Render())

	if len(r.Findings) > 0 {
		fmt.Fprintln(w, findingTable(r.Findings, table.StyleRounded).Render())
	}
	if v.Dissent != "" {
		Box(w, Styles.WarningBox, "Dissent", v.Dissent)
	}
	for _, n := range v.Notes {
		Warning(w, n)
	}
	if GetPersonality().ShowRationale {
		for _, o := range r.Opinions {
			Info(w, fmt.Sprintf("%s (%d): %s", o.Role, o.Score, o.Argument))
		}
	}
	if len(v.Remediation) > 0 {
		fmt.Fprintln(w)
		Title(w, "Remediation")
		for _, item := range v.Remediation {
			fmt.Fprintf(w, "  %s %s\n", IconBullet, item)
		}
	}
}

func renderMachine(w io.Writer, r Report) {
	if r.Verdict == nil {
		fmt.Fprintf(w, "run_id=%s status=failed reason=%q\n", r.RunID, r.FailureReason)
		return
	}
	v := r.Verdict
	fmt.Fprintf(w, "run_id=%s status=ok score=%.2f rung=%d low_variance=%t\n",
		r.RunID, v.WeightedScore, v.Rung, v.LowVariance)
	for _, c := range v.Contributions {
		fmt.Fprintf(w, "contribution role=%s score=%.2f weight=%.2f weighted=%.2f\n",
			c.Role, c.Score, c.Weight, c.Weighted)
	}
	if v.Dissent != "" {
		fmt.Fprintf(w, "dissent=%q\n", v.Dissent)
	}
	for _, item := range v.Remediation {
		fmt.Fprintf(w, "remediation=%q\n", item)
	}
}

// RenderMarkdown writes the run report as a Markdown document.
func RenderMarkdown(w io.Writer, r Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Forensic Audit Report\n\n")
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	for _, k := range sortedKeys(r.Inputs) {
		fmt.Fprintf(&b, "- %s: `%s`\n", k, r.Inputs[k])
	}
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	if r.Verdict == nil {
		fmt.Fprintf(&b, "## Outcome\n\nNo verdict: %s\n", r.FailureReason)
		_, err := io.WriteString(w, b.String())
		return err
	}
	v := r.Verdict

	fmt.Fprintf(&b, "## Verdict\n\n**%.2f / 5** (rung %d, %s)\n\n", v.WeightedScore, v.Rung, RungLabel(v.Rung))
	if v.Rationale != "" {
		fmt.Fprintf(&b, "%s\n\n", v.Rationale)
	}
	b.WriteString(contributionTable(v, table.StyleDefault).RenderMarkdown())
	b.WriteString("\n\n")

	if v.Dissent != "" {
		fmt.Fprintf(&b, "### Dissent\n\n%s\n\n", v.Dissent)
	}
	for _, n := range v.Notes {
		fmt.Fprintf(&b, "> %s\n\n", n)
	}

	if len(r.Opinions) > 0 {
		b.WriteString("## Judicial Opinions\n\n")
		for _, o := range r.Opinions {
			fmt.Fprintf(&b, "### %s (%d/5)\n\n%s\n\n", o.Role, o.Score, o.Argument)
		}
	}

	if len(r.Findings) > 0 {
		b.WriteString("## Evidence\n\n")
		b.WriteString(findingTable(r.Findings, table.StyleDefault).RenderMarkdown())
		b.WriteString("\n\n")
	}

	if len(v.Remediation) > 0 {
		b.WriteString("## Remediation\n\n")
		for _, item := range v.Remediation {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderRuns writes a run listing.
func RenderRuns(w io.Writer, rows []RunRow) {
	if GetPersonality().Level == PersonalityMachine {
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\n",
				r.RunID, r.StartedAt.UTC().Format(time.RFC3339), r.WeightedScore, r.Rung, r.FailureReason)
		}
		return
	}
	if len(rows) == 0 {
		Info(w, "no archived runs")
		return
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Run", "Started", "Duration", "Score", "Rung", "Dissent", "Failure"})
	for _, r := range rows {
		score, rung := fmt.Sprintf("%.2f", r.WeightedScore), fmt.Sprint(r.Rung)
		if r.FailureReason != "" {
			score, rung = "-", "-"
		}
		t.AppendRow(table.Row{
			r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Duration.Round(time.Millisecond),
			score,
			rung,
			yesNo(r.Dissent),
			r.FailureReason,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 7, WidthMax: 40},
	})
	fmt.Fprintln(w, t.Render())
}

func contributionTable(v *state.Verdict, s table.Style) table.Writer {
	t := table.NewWriter()
	t.SetStyle(s)
	t.AppendHeader(table.Row{"Role", "Judge", "Score", "Weight", "Weighted"})
	for _, c := range v.Contributions {
		t.AppendRow(table.Row{
			c.Role,
			c.Origin,
			fmt.Sprintf("%.2f", c.Score),
			fmt.Sprintf("%.2f", c.Weight),
			fmt.Sprintf("%.2f", c.Weighted),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", fmt.Sprintf("%.2f", v.WeightedScore)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return t
}

func findingTable(findings []state.Finding, s table.Style) table.Writer {
	t := table.NewWriter()
	t.SetStyle(s)
	t.AppendHeader(table.Row{"Ref", "Origin", "Claim", "Supported", "Confidence", "Location"})
	for _, f := range findings {
		t.AppendRow(table.Row{
			f.Ref(),
			f.Origin,
			f.Claim,
			yesNo(f.Supported),
			fmt.Sprintf("%.2f", f.Confidence),
			f.Location,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 48},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, WidthMax: 40},
	})
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
