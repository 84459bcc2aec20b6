// Package observe provides the OpenTelemetry metric instruments recorded by
// the correction pipeline.
//
// Tests should build their own [Metrics] with [NewMetrics] and an SDK
// provider backed by a manual reader; production code uses [Default], which
// follows the global provider installed by [InitProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "selection-grammar-llm"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// SessionOutcomes counts terminal sessions by status and kind.
	SessionOutcomes metric.Int64Counter

	// StageDuration tracks time spent per pipeline stage.
	StageDuration metric.Float64Histogram

	// ServiceAttempts counts individual calls to the correction service by result.
	ServiceAttempts metric.Int64Counter

	// ServiceDuration tracks end-to-end Submit latency including retries.
	ServiceDuration metric.Float64Histogram

	// CacheHits counts replies served from the response cache.
	CacheHits metric.Int64Counter

	// Supersedes counts sessions cancelled by a newer trigger.
	Supersedes metric.Int64Counter

	// RestoreFailures counts clipboard restores that did not succeed.
	RestoreFailures metric.Int64Counter

	// DroppedEdits counts edits discarded while interpreting replies.
	DroppedEdits metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionOutcomes, err = m.Int64Counter("selection_grammar.session.outcomes",
		metric.WithDescription("Terminal sessions by status and error kind."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("selection_grammar.stage.duration",
		metric.WithDescription("Time spent in each pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ServiceAttempts, err = m.Int64Counter("selection_grammar.service.attempts",
		metric.WithDescription("Correction service calls by result."),
	); err != nil {
		return nil, err
	}
	if met.ServiceDuration, err = m.Float64Histogram("selection_grammar.service.duration",
		metric.WithDescription("Submit latency including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("selection_grammar.service.cache_hits",
		metric.WithDescription("Replies served from the response cache."),
	); err != nil {
		return nil, err
	}
	if met.Supersedes, err = m.Int64Counter("selection_grammar.session.supersedes",
		metric.WithDescription("Sessions cancelled by a newer trigger."),
	); err != nil {
		return nil, err
	}
	if met.RestoreFailures, err = m.Int64Counter("selection_grammar.clipboard.restore_failures",
		metric.WithDescription("Clipboard restores that did not succeed."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEdits, err = m.Int64Counter("selection_grammar.interpret.dropped_edits",
		metric.WithDescription("Edits discarded as out of range or overlapping."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics built on the global provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordOutcome(ctx context.Context, status, kind string) {
	m.SessionOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordAttempt(ctx context.Context, result string) {
	m.ServiceAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
