// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

// Development patterns.
const (
	PatternUnknown    = "Unknown"
	PatternSingle     = "Single Commit Pattern"
	PatternMonolithic = "Monolithic Dump"
	PatternIterative  = "Iterative Development"
)

// MonolithicWindow is the first-to-last commit span under which a
// multi-commit history counts as one dump.
const MonolithicWindow = 600 * time.Second

// Commit is one line of git log.
type Commit struct {
	Hash    string    `json:"hash"`
	When    time.Time `json:"when"`
	Subject string    `json:"subject"`
}

// CommitStats summarizes one commit's patch.
type CommitStats struct {
	Hash    string `json:"hash"`
	Files   int    `json:"files"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// History is the analyzed commit history of a repository.
type History struct {
	Commits []Commit
	Span    time.Duration
	Pattern string

	// Largest is the biggest of the inspected commits by changed lines.
	Largest *CommitStats
}

// ClassifyHistory names the development pattern of commits, which must be
// in chronological order.
func ClassifyHistory(commits []Commit) (string, time.Duration) {
	switch len(commits) {
	case 0:
		return PatternUnknown, 0
	case 1:
		return PatternSingle, 0
	}
	span := commits[len(commits)-1].When.Sub(commits[0].When)
	if span < MonolithicWindow {
		return PatternMonolithic, span
	}
	return PatternIterative, span
}

const logFormat = "%H|%cI|%s"

// parseLog reads `git log --pretty=format:%H|%cI|%s` output.
func parseLog(out []byte) ([]Commit, error) {
	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLog, line)
		}
		when, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedLog, line, err)
		}
		c := Commit{Hash: parts[0], When: when}
		if len(parts) == 3 {
			c.Subject = parts[2]
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// DiffStats counts files and changed lines in a unified multi-file patch.
func DiffStats(patch []byte) (files, added, removed int, err error) {
	fileDiffs, err := diff.ParseMultiFileDiff(patch)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse patch: %w", err)
	}
	for _, fd := range fileDiffs {
		files++
		for _, hunk := range fd.Hunks {
			for _, line := range bytes.Split(hunk.Body, []byte("\n")) {
				switch {
				case len(line) == 0:
				case line[0] == '+':
					added++
				case line[0] == '-':
					removed++
				}
			}
		}
	}
	return files, added, removed, nil
}

// history reads and classifies the commit log of dir.
func (i *Investigator) history(ctx context.Context, dir string) (*History, error) {
	out, err := i.git(ctx, "-C", dir, "log", "--reverse", "--pretty=format:"+logFormat)
	if err != nil {
		return nil, err
	}
	commits, err := parseLog(out)
	if err != nil {
		return nil, err
	}
	h := &History{Commits: commits}
	h.Pattern, h.Span = ClassifyHistory(commits)

	largest, err := i.largestCommit(ctx, dir, commits)
	if err != nil {
		i.logger.Warn("commit patch stats unavailable",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
	h.Largest = largest
	return h, nil
}

// largestCommit inspects the most recent MaxDiffCommits commits.
func (i *Investigator) largestCommit(ctx context.Context, dir string, commits []Commit) (*CommitStats, error) {
	start := max(0, len(commits)-i.cfg.MaxDiffCommits)
	var best *CommitStats
	for _, c := range commits[start:] {
		patch, err := i.git(ctx, "-C", dir, "show", "--format=", "--no-color", "--no-ext-diff", c.Hash)
		if err != nil {
			return best, err
		}
		files, added, removed, err := DiffStats(patch)
		if err != nil {
			return best, fmt.Errorf("commit %s: %w", short(c.Hash), err)
		}
		if best == nil || added+removed > best.Added+best.Removed {
			best = &CommitStats{Hash: c.Hash, Files: files, Added: added, Removed: removed}
		}
	}
	return best, nil
}

func short(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
