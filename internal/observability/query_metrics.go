package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics tracks statements issued through the executor.
type QueryMetrics struct {
	duration metric.Float64Histogram
	requests metric.Int64Counter
	errors   metric.Int64Counter
	active   metric.Int64UpDownCounter
}

// InitQueryMetrics registers executor instruments on the global meter provider.
func InitQueryMetrics() (*QueryMetrics, error) {
	return NewQueryMetrics(otel.Meter(MeterName))
}

// NewQueryMetrics registers executor instruments on meter.
func NewQueryMetrics(meter metric.Meter) (*QueryMetrics, error) {
	duration, err := meter.Float64Histogram(
		"tenantdb.query.duration",
		metric.WithDescription("Duration of executor requests in milliseconds, including repairs and retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	requests, err := meter.Int64Counter(
		"tenantdb.query.requests.total",
		metric.WithDescription("Total number of executor requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query request counter: %w", err)
	}

	errors, err := meter.Int64Counter(
		"tenantdb.query.errors.total",
		metric.WithDescription("Total number of failed executor requests by error class"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query error counter: %w", err)
	}

	active, err := meter.Int64UpDownCounter(
		"tenantdb.query.active",
		metric.WithDescription("Number of executor requests in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active query counter: %w", err)
	}

	return &QueryMetrics{
		duration: duration,
		requests: requests,
		errors:   errors,
		active:   active,
	}, nil
}

// Begin marks a request in flight.
func (m *QueryMetrics) Begin(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

// RecordRequest finishes a request started with Begin. errorClass is empty on success.
func (m *QueryMetrics) RecordRequest(ctx context.Context, duration time.Duration, kind, errorClass string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", errorClass == ""),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if errorClass != "" {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("class", errorClass),
		))
	}
}
