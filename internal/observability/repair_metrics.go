package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RepairMetrics tracks schema drift repairs and executor retries.
type RepairMetrics struct {
	attempts metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	retries  metric.Int64Counter
}

// InitRepairMetrics registers repair instruments on the global meter provider.
func InitRepairMetrics() (*RepairMetrics, error) {
	return NewRepairMetrics(otel.Meter(MeterName))
}

// NewRepairMetrics registers repair instruments on meter.
func NewRepairMetrics(meter metric.Meter) (*RepairMetrics, error) {
	attempts, err := meter.Int64Counter(
		"tenantdb.repair.attempts.total",
		metric.WithDescription("Total number of schema repair attempts by drift kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repair attempt counter: %w", err)
	}

	failures, err := meter.Int64Counter(
		"tenantdb.repair.failures.total",
		metric.WithDescription("Total number of schema repairs that failed or did not verify"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repair failure counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"tenantdb.repair.duration",
		metric.WithDescription("Duration of schema repairs in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repair duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"tenantdb.repair.retries.total",
		metric.WithDescription("Total number of statements re-issued after a repair by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	return &RepairMetrics{
		attempts: attempts,
		failures: failures,
		duration: duration,
		retries:  retries,
	}, nil
}

// RecordRepair records one repair attempt. outcome is empty on failure.
func (m *RepairMetrics) RecordRepair(ctx context.Context, duration time.Duration, kind, outcome string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.Bool("success", success),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if !success {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordRetry records a statement re-issued after a repair.
func (m *RepairMetrics) RecordRetry(ctx context.Context, succeeded bool) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", succeeded)))
}
