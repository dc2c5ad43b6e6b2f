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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
)

var (
	runsLimit    int
	runsJSON     bool
	runsMarkdown string

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived runs",
	}

	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE:  runRunsListCommand,
	}

	runsShowCmd = &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the verdict and evidence of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShowCommand,
	}
)

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	runsShowCmd.Flags().BoolVar(&runsJSON, "json", false, "print the archived record as JSON")
	runsShowCmd.Flags().StringVar(&runsMarkdown, "markdown", "", "write a markdown report to this path")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
}

// openArchiveApp loads config and opens the archive without building the
// workflow.
func openArchiveApp(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd.Context(), "auditor-cli")
	if err != nil {
		return nil, err
	}
	if err := a.withArchive(); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func runRunsListCommand(cmd *cobra.Command, _ []string) error {
	if runsLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", runsLimit)
	}
	a, err := openArchiveApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	summaries, err := a.store.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	rows := make([]ux.RunRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, ux.RunRow{
			RunID:         s.RunID,
			StartedAt:     s.StartedAt,
			Duration:      s.Duration,
			WeightedScore: s.WeightedScore,
			Rung:          s.Rung,
			Dissent:       s.Dissent,
			FailureReason: s.FailureReason,
		})
	}
	ux.RenderRuns(cmd.OutOrStdout(), rows)
	return nil
}

func runRunsShowCommand(cmd *cobra.Command, args []string) error {
	a, err := openArchiveApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	rec, err := a.store.GetRun(cmd.Context(), args[0])
	if errors.Is(err, archive.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	if runsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
	} else {
		ux.RenderReport(cmd.OutOrStdout(), reportFromRecord(rec))
	}
	if runsMarkdown != "" {
		return writeMarkdownReport(runsMarkdown, reportFromRecord(rec))
	}
	return nil
}

func reportFromRecord(rec *archive.RunRecord) ux.Report {
	r := ux.Report{
		RunID:         rec.RunID,
		Inputs:        rec.Inputs,
		StartedAt:     rec.StartedAt,
		Duration:      rec.Duration,
		Verdict:       rec.Verdict,
		FailureReason: rec.FailureReason,
	}
	if rec.State != nil {
		r.Findings = rec.State.Findings
		r.Opinions = rec.State.Opinions
	}
	return r
}
