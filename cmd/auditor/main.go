// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command auditor runs forensic audits of repositories and documents.
//
// Usage:
//
//	auditor run --repo https://github.com/org/project --doc report.pdf
//	auditor serve
//	auditor runs list --limit 10
//	auditor runs show <run-id>
//	auditor checkpoint verify ~/.aleutian/auditor/checkpoints/<run-id>.json
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
)

var (
	configPath string
	outputMode string

	rootCmd = &cobra.Command{
		Use:   "auditor",
		Short: "Forensic audit of repositories and documents",
		Long: `Runs a panel of detectives over a repository and a document, lets a
bench of judges argue about the evidence and has a chief justice
synthesize a weighted verdict on a 1..5 scale.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ux.InitPersonality()
			if outputMode != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(outputMode))
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config overlay (default: $AUDITOR_CONFIG, then built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "",
		"output style: full, minimal or machine (default: $AUDITOR_PERSONALITY or auto)")

	rootCmd.AddCommand(runCmd, serveCmd, runsCmd, checkpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.Error(os.Stderr, err.Error())
		os.Exit(exitCode(err))
	}
}
