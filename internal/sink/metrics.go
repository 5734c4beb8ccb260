package sink

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/pkg/violation"
)

// MetricsSink counts violations via OTEL.
type MetricsSink struct {
	violations metric.Int64Counter
}

// NewMetricsSink registers the violation counter on the global meter provider.
func NewMetricsSink() (*MetricsSink, error) {
	return NewMetricsSinkWithMeter(otel.Meter("vigil"))
}

// NewMetricsSinkWithMeter registers the violation counter on meter.
func NewMetricsSinkWithMeter(meter metric.Meter) (*MetricsSink, error) {
	counter, err := meter.Int64Counter(
		"vigil_violations_total",
		metric.WithDescription("Violations detected"),
	)
	if err != nil {
		return nil, fmt.Errorf("create violations counter: %w", err)
	}
	return &MetricsSink{violations: counter}, nil
}

// Put increments the counter for v.
func (s *MetricsSink) Put(ctx context.Context, v violation.Violation) {
	s.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(v.Type)),
		attribute.String("account", v.AccountID),
		attribute.String("region", v.Region),
	))
}
