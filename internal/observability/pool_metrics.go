package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every instrument this service registers.
const MeterName = "tenantdb"

// PoolMetrics tracks the tenant pool registry.
type PoolMetrics struct {
	created      metric.Int64Counter
	createErrors metric.Int64Counter
	lookups      metric.Int64Counter
	evicted      metric.Int64Counter
	reclaimed    metric.Int64Counter
	open         metric.Int64UpDownCounter
}

// InitPoolMetrics registers pool registry instruments on the global meter provider.
func InitPoolMetrics() (*PoolMetrics, error) {
	return NewPoolMetrics(otel.Meter(MeterName))
}

// NewPoolMetrics registers pool registry instruments on meter.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	created, err := meter.Int64Counter(
		"tenantdb.pool.created.total",
		metric.WithDescription("Total number of tenant pools opened"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool created counter: %w", err)
	}

	createErrors, err := meter.Int64Counter(
		"tenantdb.pool.create.errors.total",
		metric.WithDescription("Total number of tenant pools that failed to open"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool create error counter: %w", err)
	}

	lookups, err := meter.Int64Counter(
		"tenantdb.pool.lookups.total",
		metric.WithDescription("Total number of tenant pool lookups by cache result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool lookup counter: %w", err)
	}

	evicted, err := meter.Int64Counter(
		"tenantdb.pool.evicted.total",
		metric.WithDescription("Total number of tenant pools removed from the registry by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool eviction counter: %w", err)
	}

	reclaimed, err := meter.Int64Counter(
		"tenantdb.pool.reclaimed.total",
		metric.WithDescription("Total number of idle tenant pools reclaimed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool reclaim counter: %w", err)
	}

	open, err := meter.Int64UpDownCounter(
		"tenantdb.pool.open",
		metric.WithDescription("Number of tenant pools currently held by the registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create open pool counter: %w", err)
	}

	return &PoolMetrics{
		created:      created,
		createErrors: createErrors,
		lookups:      lookups,
		evicted:      evicted,
		reclaimed:    reclaimed,
		open:         open,
	}, nil
}

// RecordCreated records a newly opened tenant pool.
func (m *PoolMetrics) RecordCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.created.Add(ctx, 1)
	m.open.Add(ctx, 1)
}

// RecordCreateError records a tenant pool that could not be opened.
func (m *PoolMetrics) RecordCreateError(ctx context.Context) {
	if m == nil {
		return
	}
	m.createErrors.Add(ctx, 1)
}

// RecordLookup records a cache hit or miss.
func (m *PoolMetrics) RecordLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEvicted records a pool leaving the registry.
func (m *PoolMetrics) RecordEvicted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.evicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.open.Add(ctx, -1)
	if reason == "idle" {
		m.reclaimed.Add(ctx, 1)
	}
}
