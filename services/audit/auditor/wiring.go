// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auditor

import (
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/doc"
	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/repo"
	"github.com/AleutianAI/AleutianAudit/services/audit/analyzers/vision"
	"github.com/AleutianAI/AleutianAudit/services/audit/config"
	"github.com/AleutianAI/AleutianAudit/services/audit/judges"
	"github.com/AleutianAI/AleutianAudit/services/llm"
)

// ErrLLMRequired is returned when the configuration selects an LLM
// backend but no client was supplied.
var ErrLLMRequired = errors.New("configuration selects an llm backend but no llm client is available")

// SettingsFromConfig maps the executor, arbitration and checkpoint
// sections onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Arbitration:        cfg.Arbitration,
		Personas:           judges.DefaultPersonas(),
		MaxParallel:        cfg.Executor.MaxParallel,
		DefaultTimeout:     cfg.Executor.DefaultTimeout,
		DetectiveTimeout:   cfg.Executor.DetectiveTimeout,
		JudgeTimeout:       cfg.Executor.JudgeTimeout,
		SynthesizerTimeout: cfg.Executor.SynthesizerTimeout,
		RunTimeout:         cfg.Executor.RunTimeout,
		CheckpointDir:      cfg.CheckpointDir,
	}
}

// CollaboratorsFromConfig builds the analyzers and the judge evaluator.
//
// Inputs:
//
//	cfg    - Validated configuration.
//	client - LLM client. Required only when cfg.UsesLLM().
//	logger - Logger passed to every collaborator.
//
// Outputs:
//
//	Collaborators - The wired collaborators.
//	error         - ErrLLMRequired when an llm backend lacks a client.
func CollaboratorsFromConfig(cfg *config.Config, client llm.Client, logger *slog.Logger) (Collaborators, error) {
	if cfg.UsesLLM() && client == nil {
		return Collaborators{}, ErrLLMRequired
	}

	var classifier vision.DiagramClassifier
	if cfg.Vision.Classifier == config.BackendLLM {
		classifier = vision.NewLLMClassifier(client, logger)
	}

	var evaluator judges.Evaluator = judges.HeuristicEvaluator{ConfidentAt: cfg.Judges.ConfidentAt}
	if cfg.Judges.Evaluator == config.BackendLLM {
		evaluator = judges.NewLLMEvaluator(client, cfg.Judges.MaxTokens, logger)
	}

	return Collaborators{
		Repository: repo.New(cfg.Repo, logger),
		Document:   doc.New(cfg.Doc, logger),
		Visual:     vision.New(cfg.Vision.Config, classifier, logger),
		Evaluator:  evaluator,
	}, nil
}
