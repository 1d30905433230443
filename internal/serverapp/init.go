package serverapp

import (
	"context"
	"fmt"
	"log/slog"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			_ = cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, metrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	registry, err := openRegistry(a.cfg, a.logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open pool registry: %w", err)
	}
	cleanup.push("pool registry", registry.CloseAll)

	if err := waitForDatabase(ctx, a.cfg, a.logger, registry); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	locker, redisClient, err := buildLocker(ctx, a.cfg, a.logger, registry)
	if err != nil {
		return fmt.Errorf("failed to initialize schema lock: %w", err)
	}
	if redisClient != nil {
		cleanup.push("redis client", func(_ context.Context) error {
			return redisClient.Close()
		})
	}

	stack, err := buildTenantStack(a.cfg, a.logger, registry, locker, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize tenant stack: %w", err)
	}

	registry.Start(context.WithoutCancel(ctx))
	cleanup.push("idle pool reclamation", registry.Stop)

	adminHandler, err := buildAdminHandler(a.cfg, a.logger, registry, stack.reconciler, metrics.security())
	if err != nil {
		return fmt.Errorf("failed to initialize admin handler: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, registry.MainPool(), adminHandler, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux, metrics.security())

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.logger.Info("tenant stack ready",
		slog.String("dialect", registry.Dialect().Name()),
		slog.String("lock_backend", a.cfg.Lock.Backend),
		slog.Bool("repair_enabled", a.cfg.Repair.Enabled),
		slog.Int("max_tenant_pools", a.cfg.Tenancy.MaxPools),
	)

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.metrics = metrics
	a.tracerProvider = tracerProvider
	a.registry = registry
	a.redis = redisClient
	a.locker = locker
	a.reconciler = stack.reconciler
	a.repair = stack.repair
	a.executor = stack.executor
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
