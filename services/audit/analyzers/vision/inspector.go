// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vision implements the visual analyzer. It pulls candidate
// diagrams out of a report and checks whether any of them depicts the
// agent's state graph.
package vision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Claims produced by the visual analyzer.
const (
	ClaimDiagram = "Verify Architectural Diagram"
	ClaimLocate  = "Locate Architectural Diagram"
)

// MaxDiagramConfidence caps every diagram finding.
const MaxDiagramConfidence = 0.8

var (
	// ErrNotImage is returned for references that are not image files.
	ErrNotImage = errors.New("not an image")

	// ErrTooLarge is returned for files over the size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrMalformedClassification is returned for unparseable model replies.
	ErrMalformedClassification = errors.New("malformed diagram classification")
)

// Config tunes the analyzer.
type Config struct {
	MaxImages   int   `yaml:"max_images" validate:"gte=0"`
	MaxFileSize int64 `yaml:"max_file_size" validate:"gte=0"`
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{MaxImages: 3, MaxFileSize: 50 << 20}
}

// Inspector implements the visual analyzer.
type Inspector struct {
	cfg        Config
	classifier DiagramClassifier
	logger     *slog.Logger
}

// New creates an Inspector. A nil classifier means HeuristicClassifier.
func New(cfg Config, classifier DiagramClassifier, logger *slog.Logger) *Inspector {
	def := DefaultConfig()
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = def.MaxImages
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{cfg: cfg, classifier: classifier, logger: logger}
}

// AnalyzeVisuals classifies up to MaxImages diagrams found via locator.
//
// Description:
//
//	A locator that yields no images produces one unsupported ClaimLocate
//	finding. Each classified image produces one ClaimDiagram finding,
//	supported only for a state graph with START and END, with confidence
//	capped at MaxDiagramConfidence. Images the classifier fails on are
//	skipped; if all fail the first error is returned.
func (in *Inspector) AnalyzeVisuals(ctx context.Context, locator string) ([]state.Finding, error) {
	images, err := in.loadImages(locator)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return []state.Finding{locateFailure(locator, "document missing; no diagrams to inspect", 1)}, nil
	case err != nil:
		return []state.Finding{locateFailure(locator, "cannot read diagrams: "+err.Error(), 1)}, nil
	case len(images) == 0:
		return []state.Finding{locateFailure(locator, "no embedded or referenced images found", 0.9)}, nil
	}

	var findings []state.Finding
	var firstErr error
	for _, img := range images {
		c, err := in.classifier.Classify(ctx, img)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			in.logger.Warn("diagram classification failed",
				slog.String("source", img.Source),
				slog.String("error", err.Error()),
			)
			continue
		}
		findings = append(findings, diagramFinding(img, c))
	}
	if len(findings) == 0 {
		return nil, firstErr
	}
	return findings, nil
}

func diagramFinding(img Image, c Classification) state.Finding {
	rationale := fmt.Sprintf("Type: %s. START/END: %t/%t. Fan-out from START: %d.",
		c.Type, c.HasStart, c.HasEnd, c.StartFanOut)
	f := state.NewFinding("", ClaimDiagram, c.IsStateGraph(), rationale, min(MaxDiagramConfidence, c.Confidence))
	f.Location = img.Source
	f.Content = c.Description
	return f
}

func locateFailure(locator, rationale string, confidence float64) state.Finding {
	f := state.NewFinding("", ClaimLocate, false, rationale, confidence)
	f.Location = locator
	return f
}
