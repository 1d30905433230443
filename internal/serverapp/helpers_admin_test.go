package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdb/internal/dberr"
	"tenantdb/internal/poolregistry"
)

type fakeStats struct {
	stats poolregistry.Stats
}

func (f fakeStats) Stats() poolregistry.Stats { return f.stats }

type fakeEnsurer struct {
	err      error
	names    []string
	deadline bool
}

func (f *fakeEnsurer) EnsureTenantReady(ctx context.Context, name string) error {
	f.names = append(f.names, name)
	_, f.deadline = ctx.Deadline()
	return f.err
}

func newAdminHandler(t *testing.T, token string, ensurer *fakeEnsurer) http.Handler {
	t.Helper()
	cfg := testConfig()
	cfg.Server.Admin.AuthToken = token
	stats := fakeStats{stats: poolregistry.Stats{
		TenantPools:    1,
		MaxTenantPools: 4,
		Tenants:        []poolregistry.PoolStats{{Name: "acme", OpenConnections: 2}},
		Hits:           3,
	}}
	handler, err := buildAdminHandler(cfg, testLogger(), stats, ensurer, nil)
	require.NoError(t, err)
	return handler
}

func TestAdminHandler_TokenRequired(t *testing.T) {
	handler := newAdminHandler(t, "secret-token", &fakeEnsurer{})

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/pools", nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAdminHandler_PoolStats(t *testing.T) {
	handler := newAdminHandler(t, "", &fakeEnsurer{})

	req := httptest.NewRequest(http.MethodGet, "/admin/pools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got poolregistry.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.TenantPools)
	assert.Equal(t, int64(3), got.Hits)
	require.Len(t, got.Tenants, 1)
	assert.Equal(t, "acme", got.Tenants[0].Name)
}

func TestAdminHandler_PoolStatsRejectsPost(t *testing.T) {
	handler := newAdminHandler(t, "", &fakeEnsurer{})

	req := httptest.NewRequest(http.MethodPost, "/admin/pools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminHandler_EnsureTenant(t *testing.T) {
	ensurer := &fakeEnsurer{}
	handler := newAdminHandler(t, "", ensurer)

	req := httptest.NewRequest(http.MethodPost, "/admin/tenants/acme/ensure", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"acme"}, ensurer.names)
	assert.True(t, ensurer.deadline, "ensure should run under the configured timeout")
	assert.JSONEq(t, `{"tenant":"acme","status":"ready"}`, rec.Body.String())
}

func TestAdminHandler_EnsureTenantErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid name", &dberr.InvalidTenantNameError{Name: "Bad-Name", Reason: "uppercase"}, http.StatusBadRequest},
		{"connection", &dberr.ConnectionError{Tenant: "acme", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"not ready", &dberr.TenantNotReadyError{Tenant: "acme", Err: dberr.ErrLockContention}, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("ensure: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newAdminHandler(t, "", &fakeEnsurer{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/admin/tenants/acme/ensure", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var body ensureResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "failed", body.Status)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestBuildRouter_Health(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	mux := buildRouter(cfg, testLogger(), db, http.NotFoundHandler(), nil)

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"ok"}`, rec.Body.String())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildRouter_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	mux := buildRouter(cfg, testLogger(), nil, http.NotFoundHandler(), nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_AdminPrefixRouted(t *testing.T) {
	cfg := testConfig()
	admin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux := buildRouter(cfg, testLogger(), nil, admin, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/tenants/acme/ensure", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestEnsureTimeoutZeroLeavesContext(t *testing.T) {
	ensurer := &fakeEnsurer{}
	handler := ensureTenantHandler(ensurer, 0)

	mux := http.NewServeMux()
	mux.Handle("POST /admin/tenants/{name}/ensure", handler)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/tenants/beta/ensure", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ensurer.deadline)
	assert.Equal(t, []string{"beta"}, ensurer.names)
}
