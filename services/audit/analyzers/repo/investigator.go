// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repo implements the repository analyzer.
//
// It checks out a repository (a local directory is used in place, a remote
// URL is cloned into a temporary directory), parses every Python source
// with tree-sitter and reads the git history. The result is four findings:
// graph wiring, state reducers, tool safety and development narrative.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAudit/pkg/validation"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// Claims produced by the repository analyzer.
const (
	ClaimGraph    = "Verify Graph Parallelism"
	ClaimReducers = "Verify Reducer Robustness"
	ClaimSafety   = "Verify Tool Safety"
	ClaimHistory  = "Verify Development Narrative"
)

// HistoryConfidence is the fixed confidence of the history finding.
const HistoryConfidence = 0.95

// Config tunes the analyzer.
type Config struct {
	GitBinary      string        `yaml:"git_binary"`
	CloneTimeout   time.Duration `yaml:"clone_timeout" validate:"gte=0"`
	MaxFiles       int           `yaml:"max_files" validate:"gte=0"`
	MaxFileSize    int64         `yaml:"max_file_size" validate:"gte=0"`
	Parallelism    int           `yaml:"parallelism" validate:"gte=0"`
	MaxDiffCommits int           `yaml:"max_diff_commits" validate:"gte=0"`
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		GitBinary:      "git",
		CloneTimeout:   30 * time.Second,
		MaxFiles:       2000,
		MaxFileSize:    1 << 20,
		Parallelism:    8,
		MaxDiffCommits: 20,
	}
}

// Investigator implements the repository analyzer.
//
// Thread Safety:
//
//	Safe for concurrent use. Each call works in its own checkout.
type Investigator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Investigator. Zero fields in cfg take their defaults.
func New(cfg Config, logger *slog.Logger) *Investigator {
	def := DefaultConfig()
	if cfg.GitBinary == "" {
		cfg.GitBinary = def.GitBinary
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = def.CloneTimeout
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.MaxDiffCommits <= 0 {
		cfg.MaxDiffCommits = def.MaxDiffCommits
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Investigator{cfg: cfg, logger: logger}
}

// AnalyzeRepository inspects the repository at locator.
//
// Description:
//
//	Checkout and source parsing failures are returned as errors. A
//	missing or unreadable git history is reported as an unsupported
//	history finding instead, since the sources alone still carry evidence.
//
// Inputs:
//
//	ctx - Bounds clone, parse and git calls.
//	locator - Local directory or clonable URL.
//
// Outputs:
//
//	[]state.Finding - Graph, reducer, safety (when sources exist) and
//	history findings.
//	error - ErrRepositoryNotFound, ErrCloneFailed or a parse error.
func (i *Investigator) AnalyzeRepository(ctx context.Context, locator string) ([]state.Finding, error) {
	dir, cleanup, err := i.checkout(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	facts, err := i.scan(ctx, dir)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("python sources parsed",
		slog.String("repository", locator),
		slog.Int("files", len(facts)),
	)

	findings := []state.Finding{graphFinding(facts), reducerFinding(facts)}
	if len(facts) > 0 {
		findings = append(findings, safetyFinding(facts))
	}

	hist, err := i.history(ctx, dir)
	findings = append(findings, historyFinding(hist, err))
	return findings, nil
}

// checkout returns a directory holding the repository.
func (i *Investigator) checkout(ctx context.Context, locator string) (string, func(), error) {
	noop := func() {}
	if err := validation.ValidateRepositoryLocator(locator); err != nil {
		return "", noop, fmt.Errorf("%w: %w", ErrRepositoryNotFound, err)
	}
	if info, err := os.Stat(locator); err == nil && info.IsDir() {
		return locator, noop, nil
	}
	if !isRemote(locator) {
		return "", noop, fmt.Errorf("%w: %s", ErrRepositoryNotFound, locator)
	}

	tmp, err := os.MkdirTemp("", "audit-repo-*")
	if err != nil {
		return "", noop, fmt.Errorf("create clone dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmp); err != nil {
			i.logger.Warn("failed to remove clone dir", slog.String("dir", tmp), slog.String("error", err.Error()))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, i.cfg.CloneTimeout)
	defer cancel()
	start := time.Now()
	if _, err := i.git(cctx, "clone", "--quiet", "--", locator, tmp); err != nil {
		cleanup()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", noop, fmt.Errorf("%w: %s: timed out after %s", ErrCloneFailed, locator, i.cfg.CloneTimeout)
		}
		return "", noop, fmt.Errorf("%w: %s: %v", ErrCloneFailed, locator, err)
	}
	i.logger.Info("repository cloned",
		slog.String("repository", locator),
		slog.Duration("duration", time.Since(start)),
	)
	return tmp, cleanup, nil
}

func isRemote(locator string) bool {
	return strings.Contains(locator, "://") ||
		strings.HasPrefix(locator, "git@") ||
		strings.HasSuffix(locator, ".git")
}

var skipDirs = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
	".venv":        true,
	"venv":         true,
	".tox":         true,
}

// scan parses every Python file under dir in parallel. Results keep walk
// order.
func (i *Investigator) scan(ctx context.Context, dir string) ([]*PythonFacts, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".py" && len(paths) < i.cfg.MaxFiles {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	results := make([]*PythonFacts, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Parallelism)
	for idx, path := range paths {
		g.Go(func() error {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.Size() > i.cfg.MaxFileSize {
				i.logger.Debug("skipping large file", slog.String("file", path), slog.Int64("size_bytes", info.Size()))
				return nil
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				rel = path
			}
			facts, err := ParsePython(gctx, filepath.ToSlash(rel), src)
			if err != nil {
				return err
			}
			results[idx] = facts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(results, func(f *PythonFacts) bool { return f == nil }), nil
}

func (i *Investigator) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, i.cfg.GitBinary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("git %s: %w", args[0], err)
		}
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return out, nil
}

// ============================================================================
// Findings
// ============================================================================

func graphFinding(facts []*PythonFacts) state.Finding {
	if len(facts) == 0 {
		f := state.NewFinding("", ClaimGraph, false, "no Python sources found", 0)
		f.Location = "repository"
		return f
	}

	var graphFile string
	var edges []Edge
	conditional := 0
	compiled := false
	for _, pf := range facts {
		if graphFile == "" && len(pf.GraphVars) > 0 {
			graphFile = pf.File
		}
		edges = append(edges, pf.Edges...)
		conditional += pf.ConditionalEdges
		compiled = compiled || pf.CompiledOnGraph
	}

	fanOut := 0
	inDegree := map[string]int{}
	for _, e := range edges {
		if e.Src == "START" || strings.HasSuffix(e.Src, ".START") {
			fanOut++
		}
		inDegree[e.Dst]++
	}
	fanIn := 0
	for _, n := range inDegree {
		fanIn = max(fanIn, n)
	}

	found := graphFile != ""
	rationale := fmt.Sprintf("AST found %d edges, fan-out from START %d, max fan-in %d, %d conditional edge calls, compiled on graph instance: %t",
		len(edges), fanOut, fanIn, conditional, compiled)
	if !found {
		rationale = "no StateGraph construction found; " + rationale
	}
	confidence := 0.0
	location := "repository"
	if found {
		confidence = 1
		location = graphFile
	}
	f := state.NewFinding("", ClaimGraph, found, rationale, confidence)
	f.Location = location
	f.Content = edgeSummary(edges, 12)
	return f
}

func edgeSummary(edges []Edge, limit int) string {
	parts := make([]string, 0, min(len(edges), limit))
	for _, e := range edges[:min(len(edges), limit)] {
		parts = append(parts, e.Src+" -> "+e.Dst)
	}
	if len(edges) > limit {
		parts = append(parts, fmt.Sprintf("(+%d more)", len(edges)-limit))
	}
	return strings.Join(parts, ", ")
}

func reducerFinding(facts []*PythonFacts) state.Finding {
	var location string
	var reducers []string
	for _, pf := range facts {
		if pf.Annotated && location == "" {
			location = pf.File
		}
		for _, r := range pf.Reducers {
			if !slices.Contains(reducers, r) {
				reducers = append(reducers, r)
			}
		}
	}
	annotated := location != ""
	robust := annotated && len(reducers) >= 2

	rationale := fmt.Sprintf("found reducers: [%s]", strings.Join(reducers, ", "))
	switch {
	case !annotated:
		rationale = "no Annotated state fields found"
	case !robust:
		rationale += "; need both operator.add and operator.ior"
	}
	confidence := 0.0
	if annotated {
		confidence = 1
	} else {
		location = "repository"
	}
	f := state.NewFinding("", ClaimReducers, robust, rationale, confidence)
	f.Location = location
	return f
}

func safetyFinding(facts []*PythonFacts) state.Finding {
	var unsafe []string
	location := "repository"
	for _, pf := range facts {
		for _, call := range pf.UnsafeCalls {
			if len(unsafe) == 0 {
				location = pf.File
			}
			unsafe = append(unsafe, pf.File+": "+call)
		}
	}
	if len(unsafe) == 0 {
		f := state.NewFinding("", ClaimSafety, true,
			fmt.Sprintf("no unsafe calls (os.system, eval, exec, shell=True) detected in %d files", len(facts)), 1)
		f.Location = location
		return f
	}
	f := state.NewFinding("", ClaimSafety, false, "found unsafe calls: "+strings.Join(unsafe, "; "), 1)
	f.Location = location
	return f
}

func historyFinding(h *History, err error) state.Finding {
	if err != nil {
		f := state.NewFinding("", ClaimHistory, false, "git history unavailable: "+err.Error(), HistoryConfidence)
		f.Location = "git history"
		return f
	}
	rationale := fmt.Sprintf("Pattern: %s. Commits: %d.", h.Pattern, len(h.Commits))
	if h.Span > 0 {
		rationale += fmt.Sprintf(" Span: %s.", h.Span.Round(time.Second))
	}
	f := state.NewFinding("", ClaimHistory, len(h.Commits) > 0, rationale, HistoryConfidence)
	f.Location = "git history"
	if h.Largest != nil {
		f.Content = fmt.Sprintf("largest commit %s: +%d -%d across %d files",
			short(h.Largest.Hash), h.Largest.Added, h.Largest.Removed, h.Largest.Files)
	}
	return f
}
