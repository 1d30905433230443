package serverapp

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"tenantdb/internal/advisorylock"
	"tenantdb/internal/config"
	"tenantdb/internal/executor"
	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
	"tenantdb/internal/poolregistry"
	"tenantdb/internal/reconciler"
	"tenantdb/internal/repair"
)

// App owns runtime resources for the tenantdb server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider  *observability.MeterProvider
	metrics        *metricsBundle
	tracerProvider *observability.TracerProvider

	registry   *poolregistry.Registry
	redis      *redis.Client
	locker     advisorylock.Locker
	reconciler *reconciler.Reconciler
	repair     *repair.Engine
	executor   *executor.Executor

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	listenAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper. The configuration is validated here
// so Init only deals with I/O failures.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate().Err(); err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Executor returns the tenant statement executor. It is nil before Init.
func (a *App) Executor() *executor.Executor {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.executor
}

// Reconciler returns the tenant reconciler. It is nil before Init.
func (a *App) Reconciler() *reconciler.Reconciler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.reconciler
}

// Registry returns the pool registry. It is nil before Init.
func (a *App) Registry() *poolregistry.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.registry
}

// Handler returns the instrumented HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
