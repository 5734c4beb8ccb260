package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/internal/scan"
)

// Metrics holds job metrics using OTEL semantic conventions.
type Metrics struct {
	runs          metric.Int64Counter
	duration      metric.Float64Histogram
	items         metric.Int64Counter
	itemFailures  metric.Int64Counter
	scopeFailures metric.Int64Counter
}

// NewMetrics creates job metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("vigil.scheduler"))
}

// NewMetricsWithMeter creates job metrics on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	runs, err := meter.Int64Counter(
		"vigil.job.runs",
		metric.WithDescription("Number of job runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"vigil.job.duration",
		metric.WithDescription("Duration of job runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	items, err := meter.Int64Counter(
		"vigil.job.items",
		metric.WithDescription("Number of listed items handled by jobs"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	itemFailures, err := meter.Int64Counter(
		"vigil.job.item_failures",
		metric.WithDescription("Number of items whose handling failed"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	scopeFailures, err := meter.Int64Counter(
		"vigil.job.scope_failures",
		metric.WithDescription("Number of account and region scopes abandoned"),
		metric.WithUnit("{scope}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runs:          runs,
		duration:      duration,
		items:         items,
		itemFailures:  itemFailures,
		scopeFailures: scopeFailures,
	}, nil
}

// RecordRun records one finished run. It is a no-op on a nil receiver.
func (m *Metrics) RecordRun(ctx context.Context, job, status string, elapsed time.Duration, stats scan.Stats) {
	if m == nil {
		return
	}
	jobAttr := metric.WithAttributes(attribute.String("job", job))

	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("status", status),
	))
	m.duration.Record(ctx, elapsed.Seconds(), jobAttr)
	m.items.Add(ctx, int64(stats.Items), jobAttr)
	m.itemFailures.Add(ctx, int64(stats.ItemFailures), jobAttr)
	m.scopeFailures.Add(ctx, int64(stats.ScopeFailures), jobAttr)
}
