package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
	"tenantdb/internal/tenant"
)

// Default request headers for the tenant and acting user.
const (
	DefaultTenantHeader = "X-Tenant-ID"
	DefaultActorHeader  = "X-Actor-ID"
)

// TenantContextConfig configures TenantContextMiddleware.
type TenantContextConfig struct {
	TenantHeader string
	ActorHeader  string
	// Required rejects requests without a tenant header.
	Required bool
	Metrics  *observability.SecurityMetrics
}

// TenantContextMiddleware validates the tenant header and stores the tenant
// and actor in the request context. Invalid names are rejected with 400
// before any handler can reach a database.
func TenantContextMiddleware(cfg TenantContextConfig) func(http.Handler) http.Handler {
	tenantHeader := strings.TrimSpace(cfg.TenantHeader)
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	actorHeader := strings.TrimSpace(cfg.ActorHeader)
	if actorHeader == "" {
		actorHeader = DefaultActorHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name := strings.TrimSpace(r.Header.Get(tenantHeader))
			if name == "" {
				if cfg.Required {
					cfg.Metrics.RecordTenantRejection(ctx, "missing")
					writeJSONError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if err := tenant.ValidateName(name); err != nil {
				cfg.Metrics.RecordTenantRejection(ctx, "invalid")
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}

			ctx = tenant.WithTenant(ctx, name)
			annotateTenant(ctx, name)
			logger := logging.FromContext(ctx).WithTenant(name)
			if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
				ctx = tenant.WithActor(ctx, actor)
				logger = logger.WithFields(slog.String("actor", actor))
			}
			ctx = logging.WithLogger(ctx, logger)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attribute.String("tenant", name))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
