// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for state operations.
var (
	// ErrVerdictAlreadyWritten is returned when a second verdict is folded
	// into a state that already holds one.
	ErrVerdictAlreadyWritten = errors.New("verdict already written")

	// ErrInvalidRoster is returned for weight misconfiguration.
	ErrInvalidRoster = errors.New("invalid judge roster")

	// ErrInvalidUpdate is returned when a node update fails validation.
	ErrInvalidUpdate = errors.New("invalid node update")
)

// ConfigError is the fatal error class. It signals an engine or wiring bug,
// never a data-quality problem, and aborts the run.
type ConfigError struct {
	// Op names the operation that detected the problem.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError lists every problem found in one node update.
type ValidationError struct {
	Node     string
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %s returned an invalid update: %s", e.Node, strings.Join(e.Problems, "; "))
}

// Unwrap returns ErrInvalidUpdate.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidUpdate
}
