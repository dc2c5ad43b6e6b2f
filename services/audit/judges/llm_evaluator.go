// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package judges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// ErrMalformedResponse is returned when the model's reply is not the
// expected JSON object.
var ErrMalformedResponse = errors.New("malformed evaluator response")

const systemPromptTemplate = `You are the %s on a forensic audit bench.
Stance: %s
%s

Score the evidence on a 1 to 5 scale where 1 means no credible proof and 5
means fully proven. Cite findings only by the ref values given to you.
Respond with a single JSON object:
{"score": <integer 1-5>, "argument": "<reasoning>", "cited": ["<ref>", ...]}`

// LLMEvaluator scores evidence with a chat completion in JSON mode.
//
// Thread Safety:
//
//	Safe for concurrent use if the client is.
type LLMEvaluator struct {
	client    llm.Client
	maxTokens int
	logger    *slog.Logger
}

// NewLLMEvaluator creates an evaluator backed by client.
func NewLLMEvaluator(client llm.Client, maxTokens int, logger *slog.Logger) *LLMEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMEvaluator{client: client, maxTokens: maxTokens, logger: logger}
}

type promptFinding struct {
	Ref        string  `json:"ref"`
	Origin     string  `json:"origin"`
	Claim      string  `json:"claim"`
	Supported  bool    `json:"supported"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	Location   string  `json:"location,omitempty"`
	Content    string  `json:"content,omitempty"`
}

type llmOpinion struct {
	Score    float64  `json:"score"`
	Argument string   `json:"argument"`
	Cited    []string `json:"cited"`
}

// Evaluate asks the model for an opinion.
//
// Description:
//
//	The findings are serialized with their refs. Temperature is fixed at 0
//	so repeated runs over the same evidence agree. On a retry the
//	correction is appended to the user prompt. The score is rounded to the
//	nearest integer but not clamped; range problems surface through
//	validation.
func (e *LLMEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (state.Opinion, error) {
	evidence := make([]promptFinding, len(req.Findings))
	for i, f := range req.Findings {
		evidence[i] = promptFinding{
			Ref:        f.Ref(),
			Origin:     f.Origin,
			Claim:      f.Claim,
			Supported:  f.Supported,
			Confidence: f.Confidence,
			Rationale:  f.Rationale,
			Location:   f.Location,
			Content:    truncate(f.Content, 400),
		}
	}
	payload, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return state.Opinion{}, fmt.Errorf("encode evidence: %w", err)
	}

	var user strings.Builder
	user.WriteString("Evidence:\n")
	user.Write(payload)
	if req.Correction != "" {
		user.WriteString("\n\nYour previous answer was rejected: ")
		user.WriteString(req.Correction)
		user.WriteString("\nReturn a corrected JSON object.")
	}

	temperature := float32(0)
	e.logger.Debug("requesting judicial opinion",
		slog.String("role", req.Persona.Role),
		slog.Int("findings", len(req.Findings)),
		slog.Bool("correction", req.Correction != ""),
	)
	raw, err := e.client.Chat(ctx, llm.ChatRequest{
		System:      fmt.Sprintf(systemPromptTemplate, req.Persona.Role, req.Persona.Stance, req.Persona.Instructions),
		User:        user.String(),
		JSON:        true,
		Temperature: &temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return state.Opinion{}, err
	}
	return parseOpinion(raw)
}

func parseOpinion(raw string) (state.Opinion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out llmOpinion
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return state.Opinion{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return state.Opinion{
		Score:    int(math.Round(out.Score)),
		Argument: strings.TrimSpace(out.Argument),
		Cited:    out.Cited,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Evaluator = (*LLMEvaluator)(nil)
