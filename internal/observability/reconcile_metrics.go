package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReconcileMetrics tracks tenant readiness checks and provisioning.
type ReconcileMetrics struct {
	ensureCounter    metric.Int64Counter
	ensureDuration   metric.Float64Histogram
	lockWaits        metric.Int64Counter
	databasesCreated metric.Int64Counter
	baselineApplied  metric.Int64Counter
}

// InitReconcileMetrics registers reconciler instruments on the global meter provider.
func InitReconcileMetrics() (*ReconcileMetrics, error) {
	return NewReconcileMetrics(otel.Meter(MeterName))
}

// NewReconcileMetrics registers reconciler instruments on meter.
func NewReconcileMetrics(meter metric.Meter) (*ReconcileMetrics, error) {
	ensureCounter, err := meter.Int64Counter(
		"tenantdb.reconcile.ensure.total",
		metric.WithDescription("Total number of uncached tenant readiness checks by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ensure counter: %w", err)
	}

	ensureDuration, err := meter.Float64Histogram(
		"tenantdb.reconcile.ensure.duration",
		metric.WithDescription("Duration of uncached tenant readiness checks in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ensure duration histogram: %w", err)
	}

	lockWaits, err := meter.Int64Counter(
		"tenantdb.reconcile.lock_waits.total",
		metric.WithDescription("Total number of readiness checks that waited on another process's schema lock"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock wait counter: %w", err)
	}

	databasesCreated, err := meter.Int64Counter(
		"tenantdb.reconcile.databases_created.total",
		metric.WithDescription("Total number of tenant databases created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create database created counter: %w", err)
	}

	baselineApplied, err := meter.Int64Counter(
		"tenantdb.reconcile.baseline_applied.total",
		metric.WithDescription("Total number of full baseline applications by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline counter: %w", err)
	}

	return &ReconcileMetrics{
		ensureCounter:    ensureCounter,
		ensureDuration:   ensureDuration,
		lockWaits:        lockWaits,
		databasesCreated: databasesCreated,
		baselineApplied:  baselineApplied,
	}, nil
}

// RecordEnsure records one uncached readiness check.
func (m *ReconcileMetrics) RecordEnsure(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ensureCounter.Add(ctx, 1, attrs)
	m.ensureDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordLockWait records how a wait on a contended schema lock ended.
func (m *ReconcileMetrics) RecordLockWait(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.lockWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDatabaseCreated records a CREATE DATABASE issued by this process.
func (m *ReconcileMetrics) RecordDatabaseCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.databasesCreated.Add(ctx, 1)
}

// RecordBaselineApplied records a full baseline application.
func (m *ReconcileMetrics) RecordBaselineApplied(ctx context.Context, reason string, success bool) {
	if m == nil {
		return
	}
	m.baselineApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("success", success),
	))
}
