// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dag package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilNode is returned when a nil node is provided.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when adding a node with an existing name.
	ErrDuplicateNode = errors.New("node with this name already exists")

	// ErrReservedName is returned when a node uses Start or End as its name.
	ErrReservedName = errors.New("node name is reserved")

	// ErrNodeNotFound is returned when an edge references an unknown node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateRouter is returned when a node gets two conditional edges.
	ErrDuplicateRouter = errors.New("node already has a conditional edge")

	// ErrNoEntry is returned when nothing leaves Start.
	ErrNoEntry = errors.New("graph has no edge leaving start")

	// ErrUnreachableNode is returned when a node cannot be reached from Start.
	ErrUnreachableNode = errors.New("node is unreachable from start")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrUndeclaredTarget is returned when a router picks a node it did not
	// declare at build time.
	ErrUndeclaredTarget = errors.New("router returned an undeclared target")

	// ErrNoProgress is returned when triggered nodes exist but none can run.
	ErrNoProgress = errors.New("no progress possible")

	// ErrNodeTimeout marks a node that exceeded its timeout.
	ErrNodeTimeout = errors.New("node execution timed out")

	// ErrNodePanicked marks a node that panicked.
	ErrNodePanicked = errors.New("node panicked")

	// ErrNilState is returned when Run receives a nil initial state.
	ErrNilState = errors.New("initial state must not be nil")

	// ErrCheckpointCorrupt is returned when a checkpoint fails verification.
	ErrCheckpointCorrupt = errors.New("checkpoint data is corrupt")

	// ErrCheckpointVersionMismatch is returned when the checkpoint version
	// differs from CheckpointVersion.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalidInput is returned when argument validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// NodeError wraps an error with the node that caused it.
type NodeError struct {
	NodeName string
	Err      error
}

// Error returns the error message.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeName, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError.
func NewNodeError(nodeName string, err error) *NodeError {
	return &NodeError{NodeName: nodeName, Err: err}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
