// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag provides the wave-based workflow engine that runs an audit.
//
// # Overview
//
// A Graph is a set of named nodes connected by static edges and
// conditional edges. Execution proceeds in waves. A wave is every triggered
// node that has no other triggered node upstream of it, so the members of a
// wave never depend on each other's output.
//
// Each wave member receives its own copy of the state as it was when the
// wave began and returns a *state.Update. After every member has terminated
// (the barrier) the executor folds the updates into the canonical state and
// evaluates the members' outgoing edges to trigger the next wave.
//
// # Node contract
//
//   - A node never mutates the snapshot it receives.
//   - An update that fails validation is retried once with Input.Correction
//     describing the problem; a second failure is replaced by the node's
//     safe default and the flag "<node>.validation_failed" is set.
//   - An error, a panic or a timeout is replaced by the safe default and the
//     flag "<node>.incomplete" is set. The wave still completes.
//   - Folding an update that writes a second verdict is fatal.
//
// # Example
//
//	graph, err := dag.NewBuilder("audit").
//	    AddNode(repo).
//	    AddNode(judge).
//	    AddConditionalEdges(dag.Start, startRouter, "repo_investigator").
//	    AddEdge("repo_investigator", "prosecutor").
//	    AddEdge("prosecutor", dag.End).
//	    Build()
//	exec, err := dag.NewExecutor(graph, logger)
//	result, err := exec.Run(ctx, "", state.New(inputs))
package dag
