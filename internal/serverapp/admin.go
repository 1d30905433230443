package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tenantdb/internal/config"
	"tenantdb/internal/dberr"
	"tenantdb/internal/logging"
	"tenantdb/internal/middleware"
	"tenantdb/internal/observability"
	"tenantdb/internal/poolregistry"
)

type poolStatter interface {
	Stats() poolregistry.Stats
}

type tenantEnsurer interface {
	EnsureTenantReady(ctx context.Context, name string) error
}

// buildAdminHandler serves the /admin/ routes, behind the shared token when
// one is configured.
func buildAdminHandler(cfg *config.Config, logger *logging.Logger, pools poolStatter, ensurer tenantEnsurer, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/pools", poolsHandler(pools))
	mux.HandleFunc("POST /admin/tenants/{name}/ensure", ensureTenantHandler(ensurer, cfg.Server.EnsureTimeout))

	if cfg.Server.Admin.AuthToken == "" {
		logger.Warn("admin endpoints are unauthenticated; set server.admin.auth_token to protect them")
		return mux, nil
	}

	auth, err := middleware.AdminTokenAuthMiddleware(middleware.AdminTokenAuthConfig{
		Token:      cfg.Server.Admin.AuthToken,
		HeaderName: cfg.Server.Admin.AuthHeader,
		Metrics:    securityMetrics,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("admin token authentication enabled")
	return auth(mux), nil
}

func poolsHandler(pools poolStatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pools.Stats())
	}
}

type ensureResponse struct {
	Tenant string `json:"tenant"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ensureTenantHandler is the provisioning hook: it creates the tenant
// database and applies the baseline.
func ensureTenantHandler(ensurer tenantEnsurer, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		reqLogger := logging.FromContext(r.Context()).WithTenant(name)

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := ensurer.EnsureTenantReady(ctx, name); err != nil {
			status := ensureErrorStatus(err)
			if status >= http.StatusInternalServerError {
				reqLogger.Error("tenant ensure failed", slog.String("error", err.Error()))
			} else {
				reqLogger.Warn("tenant ensure rejected", slog.String("error", err.Error()))
			}
			writeJSON(w, status, ensureResponse{Tenant: name, Status: "failed", Error: err.Error()})
			return
		}

		reqLogger.Info("tenant ready")
		writeJSON(w, http.StatusOK, ensureResponse{Tenant: name, Status: "ready"})
	}
}

func ensureErrorStatus(err error) int {
	var notReady *dberr.TenantNotReadyError
	switch {
	case dberr.IsInvalidTenant(err):
		return http.StatusBadRequest
	case dberr.IsConnection(err),
		errors.As(err, &notReady),
		errors.Is(err, dberr.ErrLockContention),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
