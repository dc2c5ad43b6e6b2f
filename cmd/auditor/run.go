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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
	"github.com/AleutianAI/AleutianAudit/pkg/validation"
	"github.com/AleutianAI/AleutianAudit/services/audit/auditor"
)

var (
	runRepo      string
	runDoc       string
	runReport    string
	runJSON      bool
	runNoArchive bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Audit a repository and/or a document",
		Long: `Runs one audit and prints the verdict.

At least one of --repo and --doc should be given. With neither the run
ends in its failure terminal and the command exits with status 3.`,
		Args: cobra.NoArgs,
		RunE: runAuditCommand,
	}
)

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", "git URL or local path of the repository to audit")
	runCmd.Flags().StringVar(&runDoc, "doc", "", "path of the PDF or markdown report to audit")
	runCmd.Flags().StringVar(&runReport, "report", "", "also write a markdown report to this path")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full outcome as JSON")
	runCmd.Flags().BoolVar(&runNoArchive, "no-archive", false, "do not record the run in the archive")
}

func runAuditCommand(cmd *cobra.Command, _ []string) error {
	repo, err := validation.SanitizeLocator(runRepo, validation.ValidateRepositoryLocator)
	if err != nil {
		return fmt.Errorf("--repo: %w", err)
	}
	doc, err := validation.SanitizeLocator(runDoc, validation.ValidateDocumentPath)
	if err != nil {
		return fmt.Errorf("--doc: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, "auditor-cli")
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			a.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := a.withTelemetry(ctx); err != nil {
		return err
	}
	if !runNoArchive {
		if err := a.withArchive(); err != nil {
			return err
		}
	}
	if err := a.withService(ctx); err != nil {
		return err
	}

	inputs := auditor.Inputs{Repository: repo, Document: doc}
	spin := ux.NewSpinner(cmd.ErrOrStderr(), "Auditing evidence")
	spin.Start()
	out, err := a.service.Run(ctx, inputs)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode outcome: %w", err)
		}
	} else {
		ux.RenderReport(cmd.OutOrStdout(), reportFromOutcome(out))
	}

	if runReport != "" {
		if err := writeMarkdownReport(runReport, reportFromOutcome(out)); err != nil {
			return err
		}
		if !runJSON {
			ux.Info(cmd.ErrOrStderr(), "report written to "+runReport)
		}
	}

	if out.FailureReason != "" {
		return withExitCode(exitNoVerdict, errors.New(out.FailureReason))
	}
	return nil
}

func reportFromOutcome(out *auditor.Outcome) ux.Report {
	return ux.Report{
		RunID:         out.RunID,
		Inputs:        out.State.Inputs,
		StartedAt:     out.StartedAt,
		Duration:      out.Duration,
		Verdict:       out.Verdict,
		FailureReason: out.FailureReason,
		Findings:      out.State.Findings,
		Opinions:      out.State.Opinions,
	}
}

func writeMarkdownReport(path string, r ux.Report) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close report: %w", cerr)
		}
	}()
	if err := ux.RenderMarkdown(f, r); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
