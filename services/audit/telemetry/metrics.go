// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Run results recorded by RunMetrics.Finish.
const (
	ResultVerdict = "verdict"
	ResultAborted = "aborted"
	ResultError   = "error"
)

// RunMetrics holds the per-run instruments of the audit service.
//
// Thread Safety: Safe for concurrent use after creation.
type RunMetrics struct {
	// RunsTotal counts finished runs by result and rung.
	RunsTotal metric.Int64Counter

	// RunDuration records end-to-end run time including archiving.
	RunDuration metric.Float64Histogram

	// ActiveRuns tracks runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// VerdictScore records the weighted score of each verdict.
	VerdictScore metric.Float64Histogram

	// SinkFailures counts archive publications that failed, by sink.
	SinkFailures metric.Int64Counter
}

// NewRunMetrics registers the run instruments with meter.
//
// Outputs:
//
//	*RunMetrics - The instruments.
//	error       - Non-nil if any registration fails.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	m := &RunMetrics{}
	var err error

	m.RunsTotal, err = meter.Int64Counter(
		"audit_runs_total",
		metric.WithDescription("Finished audit runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_total: %w", err)
	}

	m.RunDuration, err = meter.Float64Histogram(
		"audit_service_run_duration_seconds",
		metric.WithDescription("End-to-end audit run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create run_duration: %w", err)
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter(
		"audit_active_runs",
		metric.WithDescription("Audit runs currently executing"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_runs: %w", err)
	}

	m.VerdictScore, err = meter.Float64Histogram(
		"audit_verdict_score",
		metric.WithDescription("Weighted verdict score"),
		metric.WithExplicitBucketBoundaries(1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create verdict_score: %w", err)
	}

	m.SinkFailures, err = meter.Int64Counter(
		"audit_sink_failures_total",
		metric.WithDescription("Failed run archive publications"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sink_failures: %w", err)
	}

	return m, nil
}

// Begin marks a run as started and returns the function that marks it
// finished.
func (m *RunMetrics) Begin(ctx context.Context) func(result string, rung int, score float64) {
	start := time.Now()
	m.ActiveRuns.Add(ctx, 1)
	return func(result string, rung int, score float64) {
		m.ActiveRuns.Add(ctx, -1)
		attrs := metric.WithAttributes(
			attribute.String("result", result),
			attribute.String("rung", strconv.Itoa(rung)),
		)
		m.RunsTotal.Add(ctx, 1, attrs)
		m.RunDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("result", result)))
		if result == ResultVerdict {
			m.VerdictScore.Record(ctx, score)
		}
	}
}

// SinkFailed records a failed publication to sink.
func (m *RunMetrics) SinkFailed(ctx context.Context, sink string) {
	m.SinkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
