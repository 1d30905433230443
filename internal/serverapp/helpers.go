package serverapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tenantdb/internal/advisorylock"
	"tenantdb/internal/baseline"
	"tenantdb/internal/config"
	"tenantdb/internal/connstr"
	"tenantdb/internal/dialect"
	"tenantdb/internal/executor"
	"tenantdb/internal/logging"
	"tenantdb/internal/middleware"
	"tenantdb/internal/observability"
	"tenantdb/internal/poolregistry"
	"tenantdb/internal/reconciler"
	"tenantdb/internal/repair"
)

// InitLogger builds the process logger, bridging records to OTLP when log
// export is enabled.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: cfg.Observability.ServiceName,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

// metricsBundle groups the instruments handed to each component. A nil
// bundle disables metrics; every recorder is nil-safe.
type metricsBundle struct {
	pool      *observability.PoolMetrics
	reconcile *observability.ReconcileMetrics
	repair    *observability.RepairMetrics
	query     *observability.QueryMetrics
	sec       *observability.SecurityMetrics
}

func (m *metricsBundle) poolMetrics() *observability.PoolMetrics {
	if m == nil {
		return nil
	}
	return m.pool
}

func (m *metricsBundle) reconcileMetrics() *observability.ReconcileMetrics {
	if m == nil {
		return nil
	}
	return m.reconcile
}

func (m *metricsBundle) repairMetrics() *observability.RepairMetrics {
	if m == nil {
		return nil
	}
	return m.repair
}

func (m *metricsBundle) queryMetrics() *observability.QueryMetrics {
	if m == nil {
		return nil
	}
	return m.query
}

func (m *metricsBundle) security() *observability.SecurityMetrics {
	if m == nil {
		return nil
	}
	return m.sec
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *metricsBundle, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}

	var bundle metricsBundle
	if bundle.pool, err = observability.InitPoolMetrics(); err != nil {
		return nil, nil, err
	}
	if bundle.reconcile, err = observability.InitReconcileMetrics(); err != nil {
		return nil, nil, err
	}
	if bundle.repair, err = observability.InitRepairMetrics(); err != nil {
		return nil, nil, err
	}
	if bundle.query, err = observability.InitQueryMetrics(); err != nil {
		return nil, nil, err
	}
	if bundle.sec, err = observability.InitSecurityMetrics(); err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")
	return meterProvider, &bundle, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Bool("insecure", tracesConfig.Insecure),
	)

	tracerProvider, err := observability.InitTracerProvider(observabilityConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

// openRegistry resolves the base URL and opens the main pool.
func openRegistry(cfg *config.Config, logger *logging.Logger, metrics *metricsBundle) (*poolregistry.Registry, error) {
	baseURL, err := cfg.Database.ResolvedBaseURL()
	if err != nil {
		return nil, err
	}
	resolver, err := connstr.NewResolver(baseURL, connstr.Options{
		TenantPrefix: cfg.Database.TenantDatabasePrefix,
		MainDatabase: cfg.Database.MainDatabase,
	})
	if err != nil {
		return nil, err
	}
	d, err := dialect.ForFamily(resolver.Family(), cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	sqlCommenter := cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled
	if cfg.Observability.SQLCommenterEnabled && !cfg.Observability.TracingEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		logger.Info("database instrumentation enabled",
			slog.Bool("metrics", cfg.Observability.MetricsEnabled),
			slog.Bool("tracing", cfg.Observability.TracingEnabled),
			slog.Bool("sqlcommenter", sqlCommenter),
		)
	}

	return poolregistry.New(poolregistry.Config{
		Resolver: resolver,
		Dialect:  d,
		Open: poolregistry.NewOpener(poolregistry.Instrumentation{
			Tracing:      cfg.Observability.TracingEnabled,
			Metrics:      cfg.Observability.MetricsEnabled,
			SQLCommenter: sqlCommenter,
		}, logger),
		Logger:             logger,
		Metrics:            metrics.poolMetrics(),
		MaxTenantPools:     cfg.Tenancy.MaxPools,
		MainMaxOpenConns:   cfg.Database.MaxOpenConns,
		MainMaxIdleConns:   cfg.Database.MaxIdleConns,
		TenantMaxOpenConns: cfg.Tenancy.TenantMaxOpenConns,
		TenantMaxIdleConns: cfg.Tenancy.TenantMaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:    cfg.Database.ConnMaxIdleTime,
		IdleTimeout:        cfg.Tenancy.IdleTimeout,
		CleanupInterval:    cfg.Tenancy.CleanupInterval,
		ConnectTimeout:     cfg.Database.ConnectTimeout,
		PingOnCreate:       cfg.Tenancy.PingOnCreate,
	})
}

// waitForDatabase pings the main pool with exponential backoff until it
// answers or the connect timeout elapses.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, registry *poolregistry.Registry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = cfg.Database.ConnectTimeout
	bo.Reset()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		defer cancel()
		err := registry.MainPool().PingContext(pingCtx)
		if err != nil {
			logger.Warn("database not ready, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("database not available after %v: %w", cfg.Database.ConnectTimeout, err)
	}

	logger.Info("connected to database",
		slog.Int("attempts", attempt),
		slog.Int("pool_max_open", cfg.Database.MaxOpenConns),
		slog.Int("pool_max_idle", cfg.Database.MaxIdleConns),
		slog.Duration("pool_max_lifetime", cfg.Database.ConnMaxLifetime),
	)
	return nil
}

// buildLocker returns the cross-process schema lock. The Redis client is
// returned so the caller can close it on shutdown.
func buildLocker(ctx context.Context, cfg *config.Config, logger *logging.Logger, registry *poolregistry.Registry) (advisorylock.Locker, *redis.Client, error) {
	if cfg.Lock.Backend != config.LockBackendRedis {
		return advisorylock.NewDatabaseLocker(registry.MainPool(), registry.Dialect()), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.Redis.Addr,
		Password: cfg.Lock.Redis.Password,
		DB:       cfg.Lock.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis lock backend unreachable at %s: %w", cfg.Lock.Redis.Addr, err)
	}

	logger.Info("redis schema lock enabled",
		slog.String("addr", cfg.Lock.Redis.Addr),
		slog.Duration("ttl", cfg.Lock.Redis.TTL),
	)
	return advisorylock.NewRedisLocker(client, cfg.Lock.Redis.TTL, cfg.Lock.Redis.KeyPrefix), client, nil
}

type tenantStack struct {
	reconciler *reconciler.Reconciler
	repair     *repair.Engine
	executor   *executor.Executor
}

func buildTenantStack(cfg *config.Config, logger *logging.Logger, registry *poolregistry.Registry, locker advisorylock.Locker, metrics *metricsBundle) (*tenantStack, error) {
	schema, err := baseline.Load(registry.Dialect().Name())
	if err != nil {
		return nil, err
	}
	catalog, err := baseline.LoadCatalog()
	if err != nil {
		return nil, err
	}

	rec, err := reconciler.New(reconciler.Config{
		Pools:            registry,
		Locker:           locker,
		Baseline:         schema,
		Catalog:          catalog,
		Logger:           logger,
		Metrics:          metrics.reconcileMetrics(),
		ReadyCacheTTL:    cfg.Tenancy.ReadyCacheTTL,
		LockPollInterval: cfg.Tenancy.LockPollInterval,
		LockWaitBudget:   cfg.Tenancy.LockWaitBudget,
	})
	if err != nil {
		return nil, err
	}

	engine, err := repair.New(repair.Config{
		Pools:    registry,
		Schema:   rec,
		Catalog:  catalog,
		Baseline: schema,
		Logger:   logger,
		Metrics:  metrics.repairMetrics(),
	})
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Config{
		Pools:            registry,
		Reconciler:       rec,
		Repairer:         engine,
		Logger:           logger,
		Metrics:          metrics.queryMetrics(),
		RepairMetrics:    metrics.repairMetrics(),
		StatementTimeout: cfg.Database.StatementTimeout,
		SettleDelay:      cfg.Repair.SettleDelay,
		DisableRepair:    !cfg.Repair.Enabled,
	})
	if err != nil {
		return nil, err
	}

	return &tenantStack{reconciler: rec, repair: engine, executor: exec}, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, adminHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler(db, cfg.Server.HealthCheckTimeout))
	mux.Handle("/admin/", adminHandler)

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler, securityMetrics *observability.SecurityMetrics) http.Handler {
	handler = middleware.TenantContextMiddleware(middleware.TenantContextConfig{
		TenantHeader: cfg.Server.TenantHeader,
		ActorHeader:  cfg.Server.ActorHeader,
		Metrics:      securityMetrics,
	})(handler)
	handler = middleware.LoggingMiddleware(logger, "/health", "/metrics")(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality; tenant names in
// paths collapse to a placeholder.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/health", "/metrics", "/admin/pools":
		return rawPath
	}
	if rest, ok := strings.CutPrefix(rawPath, "/admin/tenants/"); ok {
		if name, action, found := strings.Cut(rest, "/"); found && name != "" && action == "ensure" {
			return "/admin/tenants/{name}/ensure"
		}
	}
	return "/*"
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, ln net.Listener) chan error {
	serverErrors := make(chan error, 1)
	logAttrs := []any{
		slog.String("address", ln.Addr().String()),
		slog.String("health_endpoint", "/health"),
		slog.String("admin_endpoint", "/admin/"),
		slog.Bool("admin_auth", cfg.Server.Admin.AuthToken != ""),
		slog.String("log_level", cfg.Observability.Logging.Level),
		slog.String("log_format", cfg.Observability.Logging.Format),
	}
	if cfg.Observability.MetricsEnabled {
		logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
	}
	logger.Info("server starting", logAttrs...)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	return serverErrors
}

// healthHandler returns an HTTP handler for health checks
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if db == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"unavailable"}`)
			return
		}
		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			// Generic body; the cause is logged.
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
