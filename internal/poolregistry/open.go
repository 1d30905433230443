package poolregistry

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"tenantdb/internal/connstr"
	"tenantdb/internal/logging"
)

// StatsRegistration is the handle returned when database/sql pool stats are
// exported as metrics. Unregister runs when the pool is closed.
type StatsRegistration interface {
	Unregister() error
}

// OpenFunc opens a pool. attrs describe the pool for telemetry.
type OpenFunc func(driverName, dsn string, attrs []attribute.KeyValue) (*sql.DB, StatsRegistration, error)

// Instrumentation selects which otelsql features wrap opened pools.
type Instrumentation struct {
	Tracing      bool
	Metrics      bool
	SQLCommenter bool
}

// NewOpener returns an OpenFunc that wraps the driver with otelsql when any
// instrumentation is enabled and plain database/sql otherwise.
func NewOpener(inst Instrumentation, logger *logging.Logger) OpenFunc {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(driverName, dsn string, attrs []attribute.KeyValue) (*sql.DB, StatsRegistration, error) {
		if !inst.Tracing && !inst.Metrics {
			db, err := sql.Open(driverName, dsn)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open %s pool: %w", driverName, err)
			}
			return db, nil, nil
		}

		opts := []otelsql.Option{otelsql.WithAttributes(attrs...)}
		if inst.Tracing {
			opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
				DisableErrSkip: true,
			}))
			if inst.SQLCommenter {
				opts = append(opts, otelsql.WithSQLCommenter(true))
			}
		}
		db, err := otelsql.Open(driverName, dsn, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open instrumented %s pool: %w", driverName, err)
		}
		if !inst.Metrics {
			return db, nil, nil
		}

		reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(attrs...))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			return db, nil, nil
		}
		return db, reg, nil
	}
}

// poolAttributes labels a pool with its database system and, for tenant
// pools, the tenant name.
func poolAttributes(family, database, tenantName string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	switch family {
	case connstr.FamilyMySQL:
		attrs = append(attrs, semconv.DBSystemMySQL)
	default:
		attrs = append(attrs, semconv.DBSystemPostgreSQL)
	}
	attrs = append(attrs, attribute.String("db.namespace", database))
	if tenantName != "" {
		attrs = append(attrs, attribute.String("tenant", tenantName))
	}
	return attrs
}
