// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders auditor output for terminals and scripts.
//
// Output adapts to a personality level: styled for interactive terminals,
// plain key/value lines for pipes and CI. The level is picked once at
// startup by InitPersonality and can be overridden with
// AUDITOR_PERSONALITY or the CLI's --output flag.
package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// EnvPersonality overrides the detected personality level.
const EnvPersonality = "AUDITOR_PERSONALITY"

// PersonalityLevel defines the verbosity and richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, boxes and tables.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons and tables but drops boxes and color.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain lines suitable for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

// Personality holds the current output configuration.
type Personality struct {
	// Level controls overall verbosity.
	Level PersonalityLevel

	// ShowRationale prints each role's argument under the contribution
	// table.
	ShowRationale bool
}

var (
	currentPersonality = DefaultPersonality()
	personalityMu      sync.RWMutex
)

// GetPersonality returns the current personality settings.
func GetPersonality() Personality {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentPersonality
}

// SetPersonality updates the current personality settings.
func SetPersonality(p Personality) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality = p
}

// SetPersonalityLevel updates just the personality level.
func SetPersonalityLevel(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentPersonality.Level = level
}

// ParsePersonalityLevel converts a string to a PersonalityLevel. Unknown
// values map to PersonalityFull.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "plain", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// InitPersonality picks the level from the environment, then from
// whether stdout is a terminal.
func InitPersonality() {
	if envLevel := os.Getenv(EnvPersonality); envLevel != "" {
		SetPersonalityLevel(ParsePersonalityLevel(envLevel))
		return
	}
	if !isTerminal(os.Stdout) {
		SetPersonalityLevel(PersonalityMachine)
		return
	}
	SetPersonalityLevel(PersonalityFull)
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether progress animation makes sense.
func IsInteractive() bool {
	return GetPersonality().Level != PersonalityMachine && isTerminal(os.Stderr)
}

// ShouldShowColors reports whether styled output is enabled.
func ShouldShowColors() bool {
	return GetPersonality().Level == PersonalityFull
}

// DefaultPersonality returns the default personality settings.
func DefaultPersonality() Personality {
	return Personality{Level: PersonalityFull, ShowRationale: true}
}
