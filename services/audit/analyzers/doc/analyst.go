// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package doc implements the document analyzer: a keyword retrieval pass
// over a report that checks the report actually discusses the concepts it
// is graded on, citing the page or chunk where each one appears.
package doc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

// ClaimLocate is the claim of the finding emitted when the document cannot
// be found or read.
const ClaimLocate = "Locate Document"

// ClaimPrefix prefixes the per-query claims.
const ClaimPrefix = "Verify Theoretical Depth: "

// Confidence shape of a retrieved passage.
const (
	BaseConfidence = 0.6
	ConfidenceGain = 0.25
	MaxConfidence  = 0.85
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// Config tunes the analyzer.
type Config struct {
	Queries      []string `yaml:"queries" validate:"dive,required"`
	ChunkSize    int      `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int      `yaml:"chunk_overlap" validate:"gte=0"`
	TopK         int      `yaml:"top_k" validate:"gte=0"`
	MaxFileSize  int64    `yaml:"max_file_size" validate:"gte=0"`
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		Queries:      []string{"dialectical synthesis", "fan-in fan-out", "metacognition", "state synchronization"},
		ChunkSize:    1000,
		ChunkOverlap: 100,
		TopK:         3,
		MaxFileSize:  50 << 20,
	}
}

// Chunk is one retrievable slice of the document.
type Chunk struct {
	Index   int
	Page    int
	Content string
}

// Passage is a chunk matched by a query.
type Passage struct {
	Chunk
	Matches    int
	Confidence float64
}

// Analyst implements the document analyzer.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Analyst struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Analyst. Zero fields in cfg take their defaults.
func New(cfg Config, logger *slog.Logger) *Analyst {
	def := DefaultConfig()
	if len(cfg.Queries) == 0 {
		cfg.Queries = def.Queries
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyst{cfg: cfg, logger: logger}
}

// AnalyzeDocument checks the document at locator for each configured
// query.
//
// Description:
//
//	A missing, oversized, unreadable or empty document yields a single
//	unsupported ClaimLocate finding with confidence 1 and no error.
//	Otherwise each query yields one finding: supported and citing its best
//	passage when any chunk matches, unsupported otherwise.
func (a *Analyst) AnalyzeDocument(ctx context.Context, locator string) ([]state.Finding, error) {
	info, err := os.Stat(locator)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return []state.Finding{locateFailure(locator, "report file missing from workspace")}, nil
	case err != nil:
		return []state.Finding{locateFailure(locator, "cannot stat document: "+err.Error())}, nil
	case info.IsDir():
		return []state.Finding{locateFailure(locator, "locator is a directory, not a document")}, nil
	case info.Size() > a.cfg.MaxFileSize:
		return []state.Finding{locateFailure(locator, fmt.Sprintf("document is %d bytes, limit %d", info.Size(), a.cfg.MaxFileSize))}, nil
	}

	chunks, err := a.load(ctx, locator, info.Size())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.logger.Warn("document unreadable", slog.String("document", locator), slog.String("error", err.Error()))
		return []state.Finding{locateFailure(locator, "unreadable document: "+err.Error())}, nil
	}
	if len(chunks) == 0 {
		return []state.Finding{locateFailure(locator, "document has no extractable text")}, nil
	}
	a.logger.Debug("document chunked", slog.String("document", locator), slog.Int("chunks", len(chunks)))

	findings := make([]state.Finding, 0, len(a.cfg.Queries))
	for _, q := range a.cfg.Queries {
		passages := Query(q, chunks, a.cfg.TopK)
		if len(passages) == 0 {
			f := state.NewFinding("", ClaimPrefix+q, false,
				fmt.Sprintf("no passage in %d chunks mentions %q", len(chunks), q), BaseConfidence)
			f.Location = locator
			findings = append(findings, f)
			continue
		}
		top := passages[0]
		f := state.NewFinding("", ClaimPrefix+q, true,
			fmt.Sprintf("%d matching passages; best at %s with %d of %d terms",
				len(passages), cite(top.Chunk), top.Matches, len(queryTerms(q))),
			top.Confidence)
		f.Location = locator + ":" + cite(top.Chunk)
		f.Content = excerpt(top.Content, 300)
		findings = append(findings, f)
	}
	return findings, nil
}

func locateFailure(locator, rationale string) state.Finding {
	f := state.NewFinding("", ClaimLocate, false, rationale, 1)
	f.Location = locator
	return f
}

// load reads and splits the document. PDFs are split per page first so
// that every chunk keeps its page number.
func (a *Analyst) load(ctx context.Context, path string, size int64) ([]Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	splitter := a.splitterFor(path)
	var docs []schema.Document
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		docs, err = documentloaders.NewPDF(file, size).LoadAndSplit(ctx, splitter)
	} else {
		docs, err = documentloaders.NewText(file).LoadAndSplit(ctx, splitter)
	}
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(docs))
	for _, d := range docs {
		content := strings.TrimSpace(d.PageContent)
		if content == "" {
			continue
		}
		page, _ := d.Metadata["page"].(int)
		chunks = append(chunks, Chunk{Index: len(chunks) + 1, Page: page, Content: content})
	}
	return chunks, nil
}

func (a *Analyst) splitterFor(path string) textsplitter.TextSplitter {
	separators := defaultSeparators
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".md" || ext == ".markdown" {
		separators = markdownSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(a.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(a.cfg.ChunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

// Query ranks chunks by term overlap with query.
//
// Description:
//
//	A term matches when it occurs as a substring of the lower-cased chunk.
//	Confidence is min(0.85, 0.6 + 0.25*matched/terms). Results are sorted
//	by confidence, ties keeping document order, and cut to k.
func Query(query string, chunks []Chunk, k int) []Passage {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}
	var out []Passage
	for _, c := range chunks {
		lower := strings.ToLower(c.Content)
		matches := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		ratio := float64(matches) / float64(len(terms))
		out = append(out, Passage{
			Chunk:      c,
			Matches:    matches,
			Confidence: min(MaxConfidence, BaseConfidence+ConfidenceGain*ratio),
		})
	}
	slices.SortStableFunc(out, func(x, y Passage) int {
		return cmp.Compare(y.Confidence, x.Confidence)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func queryTerms(query string) []string {
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if !slices.Contains(terms, t) {
			terms = append(terms, t)
		}
	}
	return terms
}

func cite(c Chunk) string {
	if c.Page > 0 {
		return fmt.Sprintf("p%d", c.Page)
	}
	return fmt.Sprintf("chunk%d", c.Index)
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
