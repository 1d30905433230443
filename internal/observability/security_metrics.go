package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics tracks access to the admin surface and rejected tenant identifiers.
type SecurityMetrics struct {
	adminEndpointAccess  metric.Int64Counter
	unauthorizedAttempts metric.Int64Counter
	tenantRejections     metric.Int64Counter
}

// InitSecurityMetrics registers security instruments on the global meter provider.
func InitSecurityMetrics() (*SecurityMetrics, error) {
	return NewSecurityMetrics(otel.Meter(MeterName + "/security"))
}

// NewSecurityMetrics registers security instruments on meter.
func NewSecurityMetrics(meter metric.Meter) (*SecurityMetrics, error) {
	adminEndpointAccess, err := meter.Int64Counter(
		"security.admin.access.total",
		metric.WithDescription("Total number of admin endpoint access attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin endpoint access counter: %w", err)
	}

	unauthorizedAttempts, err := meter.Int64Counter(
		"security.unauthorized.attempts.total",
		metric.WithDescription("Total number of unauthorized access attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unauthorized attempts counter: %w", err)
	}

	tenantRejections, err := meter.Int64Counter(
		"security.tenant.rejections.total",
		metric.WithDescription("Total number of requests rejected for a missing or invalid tenant identifier"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant rejection counter: %w", err)
	}

	return &SecurityMetrics{
		adminEndpointAccess:  adminEndpointAccess,
		unauthorizedAttempts: unauthorizedAttempts,
		tenantRejections:     tenantRejections,
	}, nil
}

// RecordAdminEndpointAccess records access to admin endpoints
func (m *SecurityMetrics) RecordAdminEndpointAccess(ctx context.Context, operation string, authenticated bool) {
	if m == nil {
		return
	}
	m.adminEndpointAccess.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("authenticated", authenticated),
	))
}

// RecordUnauthorizedAttempt records an unauthorized access attempt
func (m *SecurityMetrics) RecordUnauthorizedAttempt(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.unauthorizedAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

// RecordTenantRejection records a request refused at the tenant boundary.
func (m *SecurityMetrics) RecordTenantRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.tenantRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
