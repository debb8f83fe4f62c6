// Package telemetry provides OpenTelemetry metrics for sync passes and the
// HTTP endpoint that exposes them to Prometheus.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/BartekS5/indexsync/sync"

// SyncMetrics holds the instruments for sync passes. A nil *SyncMetrics is
// valid and records nothing.
type SyncMetrics struct {
	records      metric.Int64Counter
	retries      metric.Int64Counter
	passDuration metric.Float64Histogram
	passes       metric.Int64Counter
}

// NewSyncMetrics returns nil (no-op metrics) when provider is nil.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	records, err := meter.Int64Counter(
		"indexsync_records_total",
		metric.WithDescription("Records processed per section, by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"indexsync_upstream_retries_total",
		metric.WithDescription("Upstream page request retries, by error class"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"indexsync_pass_duration_seconds",
		metric.WithDescription("Duration of a partition pass in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 900, 1800),
	)
	if err != nil {
		return nil, err
	}

	passes, err := meter.Int64Counter(
		"indexsync_passes_total",
		metric.WithDescription("Completed partition passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		records:      records,
		retries:      retries,
		passDuration: passDuration,
		passes:       passes,
	}, nil
}

// RecordSection adds the per-outcome record counts of one section run.
func (m *SyncMetrics) RecordSection(ctx context.Context, partition, section string, fetched, written, skipped, errored int) {
	if m == nil || m.records == nil {
		return
	}
	for outcome, n := range map[string]int{
		"fetched": fetched,
		"written": written,
		"skipped": skipped,
		"errored": errored,
	} {
		if n == 0 {
			continue
		}
		m.records.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("partition", partition),
			attribute.String("section", section),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *SyncMetrics) RecordRetry(ctx context.Context, partition, section, class string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.String("section", section),
		attribute.String("class", class),
	))
}

func (m *SyncMetrics) RecordPass(ctx context.Context, partition string, duration time.Duration, success bool) {
	if m == nil || m.passDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.Bool("success", success),
	)
	m.passDuration.Record(ctx, duration.Seconds(), attrs)
	m.passes.Add(ctx, 1, attrs)
}
