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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
	"github.com/AleutianAI/AleutianAudit/services/audit/dag"
)

var (
	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Work with run checkpoints",
	}

	checkpointVerifyCmd = &cobra.Command{
		Use:   "verify <path>",
		Short: "Check a checkpoint's version and checksum",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointVerifyCommand,
	}
)

func init() {
	checkpointCmd.AddCommand(checkpointVerifyCmd)
}

func runCheckpointVerifyCommand(cmd *cobra.Command, args []string) error {
	cp, err := dag.LoadCheckpoint(args[0])
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", args[0], err)
	}
	res := cp.Result
	ux.Success(cmd.OutOrStdout(), fmt.Sprintf("checkpoint %s is intact", args[0]))
	ux.Info(cmd.OutOrStdout(), fmt.Sprintf("run %s, graph %s, %d waves, version %s, written %s",
		res.RunID, res.Graph, len(res.Waves), cp.Version, cp.Timestamp.Format("2006-01-02 15:04:05Z07:00")))
	if res.Aborted {
		ux.Warning(cmd.OutOrStdout(), "run aborted: "+res.AbortReason)
	} else if res.State != nil && res.State.Verdict != nil {
		v := res.State.Verdict
		ux.Info(cmd.OutOrStdout(), fmt.Sprintf("verdict %.2f, rung %d (%s)", v.WeightedScore, v.Rung, ux.RungLabel(v.Rung)))
	}
	return nil
}
