// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// Diagram types.
const (
	TypeStateGraph = "state_graph"
	TypeFlowchart  = "flowchart"
	TypeSequence   = "sequence"
	TypeGeneric    = "generic"
	TypeNone       = "not_diagram"
)

// HeuristicConfidence is the confidence of an unanalyzed image.
const HeuristicConfidence = 0.5

// Classification describes one image.
type Classification struct {
	Type        string  `json:"diagram_type"`
	HasStart    bool    `json:"contains_start"`
	HasEnd      bool    `json:"contains_end"`
	StartFanOut int     `json:"start_outgoing_count"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// IsStateGraph reports whether the image shows a state graph with both
// terminals.
func (c Classification) IsStateGraph() bool {
	return c.Type == TypeStateGraph && c.HasStart && c.HasEnd
}

// DiagramClassifier labels an image.
type DiagramClassifier interface {
	Classify(ctx context.Context, img Image) (Classification, error)
}

// HeuristicClassifier labels every image generic at HeuristicConfidence.
// It stands in when no vision model is configured.
type HeuristicClassifier struct{}

// Classify returns a generic classification.
func (HeuristicClassifier) Classify(_ context.Context, img Image) (Classification, error) {
	return Classification{
		Type:        TypeGeneric,
		Confidence:  HeuristicConfidence,
		Description: fmt.Sprintf("%s (%d bytes) not analyzed: no vision model configured", img.MIME, len(img.Data)),
	}, nil
}

const classifyPrompt = `You inspect architecture diagrams from software reports.
Classify the image. Use "state_graph" only when the diagram is a state
machine or agent graph with visible START and END nodes. Count the arrows
leaving START. Respond with one JSON object:
{"diagram_type": "state_graph|flowchart|sequence|generic|not_diagram",
 "contains_start": bool, "contains_end": bool, "start_outgoing_count": int,
 "confidence": number 0-1, "description": "<one sentence>"}`

// LLMClassifier labels images with a vision-capable chat model.
type LLMClassifier struct {
	client llm.Client
	logger *slog.Logger
}

// NewLLMClassifier creates a classifier backed by client.
func NewLLMClassifier(client llm.Client, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{client: client, logger: logger}
}

// Classify sends the image inline and parses the JSON reply. A state_graph
// answer without both terminals is downgraded to flowchart.
func (c *LLMClassifier) Classify(ctx context.Context, img Image) (Classification, error) {
	temperature := float32(0)
	raw, err := c.client.Chat(ctx, llm.ChatRequest{
		System:      classifyPrompt,
		User:        "Classify this diagram.",
		Images:      []llm.Image{{MIME: img.MIME, Data: img.Data}},
		JSON:        true,
		Temperature: &temperature,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classify %s: %w", img.Source, err)
	}

	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(raw, "```json"), "```"), "```")
	var out Classification
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformedClassification, err)
	}
	out.Type = strings.ToLower(strings.TrimSpace(out.Type))
	if out.Type == "" {
		out.Type = TypeGeneric
	}
	if out.Type == TypeStateGraph && !(out.HasStart && out.HasEnd) {
		out.Type = TypeFlowchart
	}
	out.Confidence = state.ClampConfidence(out.Confidence)
	c.logger.Debug("diagram classified",
		slog.String("source", img.Source),
		slog.String("type", out.Type),
		slog.Float64("confidence", out.Confidence),
	)
	return out, nil
}

var (
	_ DiagramClassifier = HeuristicClassifier{}
	_ DiagramClassifier = (*LLMClassifier)(nil)
)
