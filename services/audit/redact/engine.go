// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact scrubs credentials and personal data from evidence before
// it is archived or uploaded.
//
// Detectives copy raw snippets out of repositories and documents into
// Finding.Content. Those snippets can hold API keys or email addresses.
// The Engine classifies text against an embedded set of regex patterns and
// replaces every match with a "[REDACTED:<pattern id>]" marker. Sink applies
// it to a run record on its way to an archive.Sink.
//
// Finding refs and opinion citations are left untouched, so an archived
// record still cites findings by the identity they had during the run.
package redact

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClassPublic is returned by Classify when nothing matches.
const ClassPublic = "public"

//go:embed patterns.yaml
var defaultPatterns []byte

// ConfidenceLevel is how likely a pattern match is a true positive.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := ConfidenceLevel(s); level {
	case High, Medium, Low:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns under one label such as "secret".
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one detection rule.
type Pattern struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	compiled *regexp.Regexp
}

// Match is one detected span.
type Match struct {
	Line           int             `json:"line"`
	Classification string          `json:"classification"`
	PatternID      string          `json:"pattern_id"`
	Confidence     ConfidenceLevel `json:"confidence"`
	Text           string          `json:"-"`
}

// Engine classifies and redacts text.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Engine struct {
	classes []Classification
}

// NewEngine builds an engine from the embedded patterns.
func NewEngine() (*Engine, error) {
	return NewEngineFromYAML(defaultPatterns)
}

// NewEngineFromYAML builds an engine from a pattern file.
//
// Inputs:
//
//	data - YAML with a top-level "classifications" list.
//
// Outputs:
//
//	*Engine - Engine with classifications sorted by descending priority.
//	error   - Decode errors or an invalid regex.
func NewEngineFromYAML(data []byte) (*Engine, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal redaction patterns: %w", err)
	}
	for i := range file.Classifications {
		c := &file.Classifications[i]
		for j := range c.Patterns {
			p := &c.Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %s: %w", p.ID, err)
			}
			p.compiled = re
		}
	}
	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	return &Engine{classes: file.Classifications}, nil
}

// Classify returns the name of the highest priority classification with a
// matching pattern, or ClassPublic.
func (e *Engine) Classify(text string) string {
	for _, c := range e.classes {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return c.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every match, line by line.
func (e *Engine) Scan(text string) []Match {
	var out []Match
	for i, line := range strings.Split(text, "\n") {
		for _, c := range e.classes {
			for _, p := range c.Patterns {
				for _, m := range p.compiled.FindAllString(line, -1) {
					out = append(out, Match{
						Line:           i + 1,
						Classification: c.Name,
						PatternID:      p.ID,
						Confidence:     p.Confidence,
						Text:           strings.TrimSpace(m),
					})
				}
			}
		}
	}
	return out
}

// Redact replaces every match with a marker and reports what it replaced.
// Higher priority classifications are applied first, so a credential that
// also looks like an email is reported as a secret.
func (e *Engine) Redact(text string) (string, []Match) {
	if text == "" {
		return text, nil
	}
	matches := e.Scan(text)
	if len(matches) == 0 {
		return text, nil
	}
	out := text
	for _, c := range e.classes {
		for _, p := range c.Patterns {
			out = p.compiled.ReplaceAllString(out, "[REDACTED:"+p.ID+"]")
		}
	}
	return out, matches
}
