// Package poolregistry owns the control-plane pool and a bounded, LRU-evicted
// set of per-tenant connection pools.
package poolregistry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
	"tenantdb/internal/dialect"
	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
	"tenantdb/internal/tenant"
)

// Eviction reasons reported in logs, metrics and Stats.
const (
	ReasonLRU             = "lru"
	ReasonIdle            = "idle"
	ReasonConnectionError = "connection_error"
	ReasonManual          = "manual"
	ReasonShutdown        = "shutdown"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultMaxTenantPools     = 50
	DefaultMainMaxOpenConns   = 20
	DefaultMainMaxIdleConns   = 10
	DefaultTenantMaxOpenConns = 5
	DefaultTenantMaxIdleConns = 2
	DefaultConnMaxLifetime    = 30 * time.Minute
	DefaultConnMaxIdleTime    = 5 * time.Minute
	DefaultIdleTimeout        = 10 * time.Minute
	DefaultCleanupInterval    = time.Minute
	DefaultConnectTimeout     = 5 * time.Second
)

// Config configures a Registry.
type Config struct {
	Resolver *connstr.Resolver
	Dialect  dialect.Dialect
	// Open opens pools. Defaults to NewOpener with no instrumentation.
	Open    OpenFunc
	Logger  *logging.Logger
	Metrics *observability.PoolMetrics

	MaxTenantPools     int
	MainMaxOpenConns   int
	MainMaxIdleConns   int
	TenantMaxOpenConns int
	TenantMaxIdleConns int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	IdleTimeout        time.Duration
	CleanupInterval    time.Duration
	ConnectTimeout     time.Duration
	PingOnCreate       bool

	// Now is the clock used for access timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxTenantPools <= 0 {
		c.MaxTenantPools = DefaultMaxTenantPools
	}
	if c.MainMaxOpenConns <= 0 {
		c.MainMaxOpenConns = DefaultMainMaxOpenConns
	}
	if c.MainMaxIdleConns <= 0 {
		c.MainMaxIdleConns = DefaultMainMaxIdleConns
	}
	if c.TenantMaxOpenConns <= 0 {
		c.TenantMaxOpenConns = DefaultTenantMaxOpenConns
	}
	if c.TenantMaxIdleConns <= 0 {
		c.TenantMaxIdleConns = DefaultTenantMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = DefaultConnMaxIdleTime
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Open == nil {
		c.Open = NewOpener(Instrumentation{}, c.Logger)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type entry struct {
	name       string
	db         *sql.DB
	stats      StatsRegistration
	createdAt  time.Time
	lastAccess time.Time
	// reason is set before the entry is removed so the eviction callback
	// can tell LRU pressure from explicit removal.
	reason string
}

// Registry hands out pools. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *logging.Logger

	main      *sql.DB
	mainStats StatsRegistration

	mu     sync.Mutex
	cache  *lru.Cache[string, *entry]
	closed bool

	creating singleflight.Group
	closers  sync.WaitGroup

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	reclaimed     atomic.Int64
	connEvictions atomic.Int64

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New opens the main pool and returns an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Resolver == nil {
		return nil, &dberr.ConfigurationError{Field: "database.base_url", Message: "resolver is required"}
	}
	if cfg.Dialect == nil {
		return nil, &dberr.ConfigurationError{Field: "database.driver", Message: "dialect is required"}
	}
	cfg.applyDefaults()
	if cfg.MainMaxOpenConns < 2 {
		return nil, &dberr.ConfigurationError{
			Field:   "database.max_open_conns",
			Message: "must be at least 2 so a held schema lock leaves room for queries",
		}
	}

	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(slog.String("component", "poolregistry")),
	}

	cache, err := lru.NewWithEvict[string, *entry](cfg.MaxTenantPools, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool cache: %w", err)
	}
	r.cache = cache

	main := cfg.Resolver.Main()
	dsn, err := cfg.Dialect.DSN(main)
	if err != nil {
		return nil, &dberr.ConfigurationError{Field: "database.base_url", Err: err}
	}
	db, stats, err := cfg.Open(cfg.Dialect.DriverName(), dsn, poolAttributes(cfg.Dialect.Name(), main.Database, ""))
	if err != nil {
		return nil, &dberr.ConnectionError{Err: err}
	}
	db.SetMaxOpenConns(cfg.MainMaxOpenConns)
	db.SetMaxIdleConns(cfg.MainMaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	r.main = db
	r.mainStats = stats

	r.logger.Info("main pool opened",
		slog.String("target", main.Redacted()),
		slog.Int("max_tenant_pools", cfg.MaxTenantPools),
	)
	return r, nil
}

// MainPool returns the control-plane pool. It is never evicted.
func (r *Registry) MainPool() *sql.DB {
	return r.main
}

// Dialect returns the dialect pools are opened with.
func (r *Registry) Dialect() dialect.Dialect {
	return r.cfg.Dialect
}

// Resolver returns the connection resolver.
func (r *Registry) Resolver() *connstr.Resolver {
	return r.cfg.Resolver
}

// TenantPool returns the pool for a tenant, opening it on first use.
func (r *Registry) TenantPool(ctx context.Context, name string) (*sql.DB, error) {
	if err := tenant.ValidateName(name); err != nil {
		return nil, err
	}

	db, ok, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if ok {
		r.hits.Add(1)
		r.cfg.Metrics.RecordLookup(ctx, true)
		return db, nil
	}
	r.misses.Add(1)
	r.cfg.Metrics.RecordLookup(ctx, false)

	v, err, _ := r.creating.Do(name, func() (any, error) {
		if db, ok, err := r.lookup(name); err != nil || ok {
			return db, err
		}
		return r.create(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (r *Registry) lookup(name string) (*sql.DB, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, dberr.ErrRegistryClosed
	}
	e, ok := r.cache.Get(name)
	if !ok {
		return nil, false, nil
	}
	e.lastAccess = r.cfg.Now()
	return e.db, true, nil
}

func (r *Registry) create(ctx context.Context, name string) (*sql.DB, error) {
	desc, err := r.cfg.Resolver.ForTenant(name)
	if err != nil {
		return nil, err
	}
	dsn, err := r.cfg.Dialect.DSN(desc.Target)
	if err != nil {
		return nil, &dberr.ConfigurationError{Field: "database.base_url", Err: err}
	}

	attrs := poolAttributes(r.cfg.Dialect.Name(), desc.Target.Database, name)
	db, stats, err := r.cfg.Open(r.cfg.Dialect.DriverName(), dsn, attrs)
	if err != nil {
		r.cfg.Metrics.RecordCreateError(ctx)
		return nil, &dberr.ConnectionError{Tenant: name, Err: err}
	}
	db.SetMaxOpenConns(r.cfg.TenantMaxOpenConns)
	db.SetMaxIdleConns(r.cfg.TenantMaxIdleConns)
	db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(r.cfg.ConnMaxIdleTime)

	if r.cfg.PingOnCreate {
		pingCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		err := db.PingContext(pingCtx)
		cancel()
		if err != nil {
			if closeErr := closePool(db, stats); closeErr != nil {
				r.logger.Warn("failed to close unreachable tenant pool",
					slog.String("tenant", name),
					slog.String("error", closeErr.Error()),
				)
			}
			r.cfg.Metrics.RecordCreateError(ctx)
			return nil, &dberr.ConnectionError{Tenant: name, Err: err}
		}
	}

	now := r.cfg.Now()
	e := &entry{name: name, db: db, stats: stats, createdAt: now, lastAccess: now}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = closePool(db, stats)
		return nil, dberr.ErrRegistryClosed
	}
	r.cache.Add(name, e)
	size := r.cache.Len()
	r.mu.Unlock()

	r.cfg.Metrics.RecordCreated(ctx)
	r.logger.Info("tenant pool created",
		slog.String("tenant", name),
		slog.String("database", desc.Target.Database),
		slog.Int("pools", size),
	)
	return db, nil
}

// Evict removes a tenant pool and closes it in the background. It reports
// whether a pool was held.
func (r *Registry) Evict(name, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache.Peek(name)
	if !ok {
		return false
	}
	e.reason = reason
	r.cache.Remove(name)
	return true
}

// ReclaimIdle evicts every pool not used since now minus IdleTimeout and
// returns the reclaimed tenant names.
func (r *Registry) ReclaimIdle(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reclaimed []string
	for _, name := range r.cache.Keys() {
		e, ok := r.cache.Peek(name)
		if !ok || now.Sub(e.lastAccess) <= r.cfg.IdleTimeout {
			continue
		}
		e.reason = ReasonIdle
		r.cache.Remove(name)
		reclaimed = append(reclaimed, name)
	}
	return reclaimed
}

// onEvict runs after the cache lock is released but while r.mu may still be
// held, so it must not take r.mu.
func (r *Registry) onEvict(name string, e *entry) {
	reason := e.reason
	if reason == "" {
		reason = ReasonLRU
	}
	r.evictions.Add(1)
	switch reason {
	case ReasonIdle:
		r.reclaimed.Add(1)
	case ReasonConnectionError:
		r.connEvictions.Add(1)
	}
	r.cfg.Metrics.RecordEvicted(context.Background(), reason)
	r.logger.Info("tenant pool evicted",
		slog.String("tenant", name),
		slog.String("reason", reason),
		slog.Duration("idle", r.cfg.Now().Sub(e.lastAccess)),
	)
	if reason == ReasonShutdown {
		return
	}

	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		if err := closePool(e.db, e.stats); err != nil {
			r.logger.Warn("failed to close evicted tenant pool",
				slog.String("tenant", name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Start runs idle reclamation every CleanupInterval until Stop or ctx ends.
// Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopLoop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.stopLoop = cancel
	r.loopDone = make(chan struct{})
	go r.reclaimLoop(loopCtx, r.loopDone)
}

func (r *Registry) reclaimLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if names := r.ReclaimIdle(r.cfg.Now()); len(names) > 0 {
				r.logger.Debug("idle tenant pools reclaimed", slog.Any("tenants", names))
			}
		}
	}
}

// Stop ends the reclamation loop started by Start.
func (r *Registry) Stop(ctx context.Context) error {
	r.loopMu.Lock()
	cancel, done := r.stopLoop, r.loopDone
	r.stopLoop, r.loopDone = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool reclaim loop did not stop: %w", ctx.Err())
	}
}

// CloseAll stops reclamation and closes every tenant pool and the main pool.
// Later calls return the first call's result.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closeErr = r.closeAll(ctx)
	})
	return r.closeErr
}

func (r *Registry) closeAll(ctx context.Context) error {
	err := r.Stop(ctx)

	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, r.cache.Len())
	for _, name := range r.cache.Keys() {
		if e, ok := r.cache.Peek(name); ok {
			e.reason = ReasonShutdown
			entries = append(entries, e)
		}
	}
	r.cache.Purge()
	r.mu.Unlock()

	for _, e := range entries {
		if closeErr := closePool(e.db, e.stats); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("tenant %s: %w", e.name, closeErr))
		}
	}

	drained := make(chan struct{})
	go func() {
		r.closers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for evicted pools to close: %w", ctx.Err()))
	}

	if closeErr := closePool(r.main, r.mainStats); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("main pool: %w", closeErr))
	}

	r.logger.Info("pool registry closed", slog.Int("tenant_pools", len(entries)))
	return err
}

// errDBClosedText is the message database/sql returns for work started on
// a closed *sql.DB. The sentinel is unexported.
const errDBClosedText = "sql: database is closed"

// IsPoolClosed reports whether err came from using a pool after Close. An
// evicted pool may be closed while a caller still holds it.
func IsPoolClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), errDBClosedText)
}

func closePool(db *sql.DB, stats StatsRegistration) error {
	var err error
	if stats != nil {
		err = multierr.Append(err, stats.Unregister())
	}
	if db != nil {
		err = multierr.Append(err, db.Close())
	}
	return err
}
