// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for step execution.
var (
	tracer = otel.Tracer("refact_swe.steps")
	meter  = otel.Meter("refact_swe.steps")
)

// Sample outcomes recorded per sampled continuation.
const (
	sampleAccepted = "accepted"
	sampleRejected = "rejected"
	sampleSkipped  = "skipped"
)

// Metrics for step execution.
var (
	stepDuration metric.Float64Histogram
	samplesTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stepDuration, err = meter.Float64Histogram(
			"swe_step_duration_seconds",
			metric.WithDescription("Duration of step Process calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		samplesTotal, err = meter.Int64Counter(
			"swe_step_samples_total",
			metric.WithDescription("Total sampled continuations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startStepSpan creates a span for a step's Process call.
func startStepSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// recordSample records the outcome of one sampled continuation.
func recordSample(ctx context.Context, step, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	samplesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

// recordStepDuration records the wall time of a step's Process call.
func recordStepDuration(ctx context.Context, step string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("success", success),
	))
}
