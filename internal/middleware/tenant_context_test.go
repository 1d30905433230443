package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdb/internal/tenant"
)

func TestTenantContextMiddleware(t *testing.T) {
	metrics, reader := securityMetrics(t)
	mw := TenantContextMiddleware(TenantContextConfig{Required: true, Metrics: metrics})

	var gotTenant, gotActor string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = tenant.FromContext(r.Context())
		gotActor, _ = tenant.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid tenant and actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DefaultTenantHeader, "acme_co")
		req.Header.Set(DefaultActorHeader, "user-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "acme_co", gotTenant)
		assert.Equal(t, "user-42", gotActor)
	})

	t.Run("missing tenant", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), DefaultTenantHeader)
	})

	for _, name := range []string{"Acme", "acme;drop", "../etc", "a-b"} {
		t.Run("rejects "+name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(DefaultTenantHeader, name)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}

	assert.Equal(t, int64(5), counterTotal(t, reader, "security.tenant.rejections.total"))
}

func TestTenantContextMiddleware_Optional(t *testing.T) {
	mw := TenantContextMiddleware(TenantContextConfig{TenantHeader: "X-Agency"})
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := tenant.FromContext(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
