// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redact

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianAudit/services/audit/archive"
	"github.com/AleutianAI/AleutianAudit/services/audit/state"
)

var redactions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_redactions_total",
		Help: "Evidence spans redacted before archiving, by classification",
	},
	[]string{"classification"},
)

// Record returns a copy of rec with findings, opinions and the verdict
// scrubbed. rec itself is not modified.
func (e *Engine) Record(rec *archive.RunRecord) (*archive.RunRecord, []Match) {
	out := *rec
	var all []Match
	scrub := func(s *string) {
		red, m := e.Redact(*s)
		if len(m) > 0 {
			*s = red
			all = append(all, m...)
		}
	}

	if rec.State != nil {
		st := rec.State.Clone()
		for i := range st.Findings {
			f := &st.Findings[i]
			scrub(&f.Claim)
			scrub(&f.Rationale)
			scrub(&f.Location)
			scrub(&f.Content)
		}
		for i := range st.Opinions {
			scrub(&st.Opinions[i].Argument)
		}
		if st.Verdict != nil {
			scrubVerdict(st.Verdict, scrub)
		}
		out.State = &st
	}
	if rec.Verdict != nil {
		v := cloneVerdict(rec.Verdict)
		scrubVerdict(v, scrub)
		out.Verdict = v
	}
	return &out, all
}

func scrubVerdict(v *state.Verdict, scrub func(*string)) {
	scrub(&v.Dissent)
	scrub(&v.Rationale)
	for i := range v.Remediation {
		scrub(&v.Remediation[i])
	}
}

func cloneVerdict(v *state.Verdict) *state.Verdict {
	st := state.WorkflowState{Verdict: v}
	return st.Clone().Verdict
}

// Sink redacts records before handing them to an inner sink.
type Sink struct {
	inner  archive.Sink
	engine *Engine
	logger *slog.Logger
}

// NewSink wraps inner.
func NewSink(inner archive.Sink, engine *Engine, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{inner: inner, engine: engine, logger: logger}
}

// Name implements archive.Sink.
func (s *Sink) Name() string {
	return s.inner.Name()
}

// Publish implements archive.Sink.
func (s *Sink) Publish(ctx context.Context, rec *archive.RunRecord) error {
	scrubbed, matches := s.engine.Record(rec)
	if len(matches) > 0 {
		counts := make(map[string]int)
		for _, m := range matches {
			counts[m.Classification]++
		}
		for class, n := range counts {
			redactions.WithLabelValues(class).Add(float64(n))
		}
		s.logger.Info("evidence redacted before archiving",
			slog.String("run_id", rec.RunID),
			slog.String("sink", s.inner.Name()),
			slog.Int("matches", len(matches)),
		)
	}
	return s.inner.Publish(ctx, scrubbed)
}

var _ archive.Sink = (*Sink)(nil)
