// Package reconciler makes sure a tenant database exists and carries the
// baseline schema before any statement runs against it.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"tenantdb/internal/advisorylock"
	"tenantdb/internal/baseline"
	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
	"tenantdb/internal/dialect"
	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
	"tenantdb/internal/schemainspect"
	"tenantdb/internal/tenant"
)

const tracerScope = "tenantdb/reconciler"

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultReadyCacheTTL    = 5 * time.Minute
	DefaultLockPollInterval = 100 * time.Millisecond
	DefaultLockWaitBudget   = 30 * time.Second
	DefaultLockMaxInterval  = 2 * time.Second

	releaseTimeout = 5 * time.Second
)

// Ensure outcomes reported in metrics and spans.
const (
	OutcomeCreated    = "created"
	OutcomeResynced   = "resynced"
	OutcomeVerified   = "verified"
	OutcomePeerReady  = "ready_after_wait"
	OutcomeNotReady   = "not_ready"
	OutcomeFailed     = "failed"
	baselineOnCreate  = "create"
	baselineOnMissing = "missing_tables"
	baselineOnResync  = "resync"
)

var errLockHeld = errors.New("schema lock held")

// Pools is the subset of the pool registry the reconciler needs.
type Pools interface {
	MainPool() *sql.DB
	TenantPool(ctx context.Context, name string) (*sql.DB, error)
	Dialect() dialect.Dialect
	Resolver() *connstr.Resolver
}

// Config configures a Reconciler.
type Config struct {
	Pools    Pools
	Locker   advisorylock.Locker
	Baseline *baseline.Schema
	Catalog  *baseline.Catalog
	Logger   *logging.Logger
	Metrics  *observability.ReconcileMetrics

	ReadyCacheTTL    time.Duration
	LockPollInterval time.Duration
	LockWaitBudget   time.Duration

	Now func() time.Time
}

// Reconciler brings tenant databases to the baseline. It is safe for
// concurrent use; cross-process exclusion comes from the Locker.
type Reconciler struct {
	cfg       Config
	dialect   dialect.Dialect
	inspector *schemainspect.Inspector
	logger    *logging.Logger

	group singleflight.Group

	mu    sync.Mutex
	ready map[string]time.Time
}

// New validates cfg and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Pools == nil:
		return nil, errors.New("reconciler: pools are required")
	case cfg.Locker == nil:
		return nil, errors.New("reconciler: locker is required")
	case cfg.Baseline == nil:
		return nil, errors.New("reconciler: baseline schema is required")
	case cfg.Catalog == nil:
		return nil, errors.New("reconciler: repair catalog is required")
	}
	if cfg.ReadyCacheTTL <= 0 {
		cfg.ReadyCacheTTL = DefaultReadyCacheTTL
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = DefaultLockPollInterval
	}
	if cfg.LockWaitBudget <= 0 {
		cfg.LockWaitBudget = DefaultLockWaitBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := cfg.Pools.Dialect()
	return &Reconciler{
		cfg:       cfg,
		dialect:   d,
		inspector: schemainspect.New(d),
		logger:    cfg.Logger.WithFields(slog.String("component", "reconciler")),
		ready:     make(map[string]time.Time),
	}, nil
}

// EnsureTenantReady creates the tenant database and applies the baseline when
// needed. Repeated calls inside ReadyCacheTTL return without I/O.
func (r *Reconciler) EnsureTenantReady(ctx context.Context, name string) error {
	if err := tenant.ValidateName(name); err != nil {
		return err
	}
	if r.isReady(name) {
		return nil
	}
	_, err, _ := r.group.Do(name, func() (any, error) {
		if r.isReady(name) {
			return nil, nil
		}
		return nil, r.ensure(ctx, name)
	})
	return err
}

// Invalidate forgets that a tenant was ready so the next call re-checks.
func (r *Reconciler) Invalidate(name string) {
	r.mu.Lock()
	delete(r.ready, name)
	r.mu.Unlock()
}

func (r *Reconciler) isReady(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expires, ok := r.ready[name]
	if !ok {
		return false
	}
	if !r.cfg.Now().Before(expires) {
		delete(r.ready, name)
		return false
	}
	return true
}

func (r *Reconciler) markReady(name string) {
	r.mu.Lock()
	r.ready[name] = r.cfg.Now().Add(r.cfg.ReadyCacheTTL)
	r.mu.Unlock()
}

func (r *Reconciler) ensure(ctx context.Context, name string) (err error) {
	ctx, span := observability.StartSpan(ctx, tracerScope, "reconciler.ensure_tenant_ready",
		attribute.String("tenant", name))
	start := time.Now()
	outcome := OutcomeFailed
	defer func() {
		r.cfg.Metrics.RecordEnsure(ctx, time.Since(start), outcome)
		observability.FinishSpan(span, err, outcome)
	}()

	key := tenant.LockKey(name)
	acquired, err := r.cfg.Locker.TryAcquire(ctx, key)
	if err != nil {
		return r.wrap(name, fmt.Errorf("acquire schema lock: %w", err))
	}
	if !acquired {
		peerReady, err := r.waitForLock(ctx, name, key)
		if err != nil {
			if errors.Is(err, dberr.ErrLockContention) {
				outcome = OutcomeNotReady
			}
			return err
		}
		if peerReady {
			outcome = OutcomePeerReady
			r.markReady(name)
			return nil
		}
	}
	defer r.release(ctx, name, key)

	outcome, err = r.reconcile(ctx, name)
	if err != nil {
		outcome = OutcomeFailed
		return err
	}
	r.markReady(name)
	r.logger.Debug("tenant ready", slog.String("tenant", name), slog.String("outcome", outcome))
	return nil
}

// waitForLock polls until another process finishes the tenant or releases
// the lock. peerReady is true when the tenant became ready without us.
func (r *Reconciler) waitForLock(ctx context.Context, name string, key int64) (peerReady bool, err error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.LockPollInterval
	bo.MaxInterval = max(DefaultLockMaxInterval, r.cfg.LockPollInterval)
	bo.MaxElapsedTime = r.cfg.LockWaitBudget
	bo.Reset()

	r.logger.Debug("schema lock held elsewhere, waiting", slog.String("tenant", name))
	err = backoff.Retry(func() error {
		ready, err := r.checkReady(ctx, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ready {
			peerReady = true
			return nil
		}
		acquired, err := r.cfg.Locker.TryAcquire(ctx, key)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("acquire schema lock: %w", err))
		}
		if !acquired {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil && peerReady:
		r.cfg.Metrics.RecordLockWait(ctx, "peer_ready")
		return true, nil
	case err == nil:
		r.cfg.Metrics.RecordLockWait(ctx, "acquired")
		return false, nil
	case errors.Is(err, errLockHeld):
		r.cfg.Metrics.RecordLockWait(ctx, "timeout")
		r.logger.Warn("tenant not ready within lock wait budget",
			slog.String("tenant", name),
			slog.Duration("budget", r.cfg.LockWaitBudget),
		)
		return false, &dberr.TenantNotReadyError{Tenant: name, Err: dberr.ErrLockContention}
	case ctx.Err() != nil:
		r.cfg.Metrics.RecordLockWait(ctx, "canceled")
		return false, &dberr.TenantNotReadyError{Tenant: name, Err: ctx.Err()}
	default:
		r.cfg.Metrics.RecordLockWait(ctx, "error")
		return false, r.wrap(name, err)
	}
}

func (r *Reconciler) release(ctx context.Context, name string, key int64) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.cfg.Locker.Release(releaseCtx, key); err != nil {
		r.logger.Warn("failed to release schema lock",
			slog.String("tenant", name),
			slog.String("error", err.Error()),
		)
	}
}

// reconcile runs under the schema lock.
func (r *Reconciler) reconcile(ctx context.Context, name string) (string, error) {
	dbName := r.cfg.Pools.Resolver().DatabaseName(name)
	exists, err := r.inspector.DatabaseExists(ctx, r.cfg.Pools.MainPool(), dbName)
	if err != nil {
		return "", r.wrap(name, fmt.Errorf("check database %s: %w", dbName, err))
	}

	if !exists {
		if err := r.createDatabase(ctx, name, dbName); err != nil {
			return "", err
		}
		if err := r.applyBaseline(ctx, name, baselineOnCreate); err != nil {
			return "", err
		}
		return OutcomeCreated, nil
	}

	missing, err := r.missingCriticalTables(ctx, name)
	if err != nil {
		return "", err
	}
	if len(missing) == 0 {
		return OutcomeVerified, nil
	}
	r.logger.Warn("critical tables missing, re-applying baseline",
		slog.String("tenant", name),
		slog.Any("tables", missing),
	)
	if err := r.applyBaseline(ctx, name, baselineOnMissing); err != nil {
		return "", err
	}
	return OutcomeResynced, nil
}

func (r *Reconciler) createDatabase(ctx context.Context, name, dbName string) error {
	_, err := r.cfg.Pools.MainPool().ExecContext(ctx, r.dialect.CreateDatabaseSQL(dbName))
	if err == nil {
		r.cfg.Metrics.RecordDatabaseCreated(ctx)
		r.logger.Info("tenant database created",
			slog.String("tenant", name),
			slog.String("database", dbName),
		)
		return nil
	}
	if !r.dialect.IsAlreadyExists(err) {
		return r.wrap(name, fmt.Errorf("create database %s: %w", dbName, err))
	}

	exists, checkErr := r.inspector.DatabaseExists(ctx, r.cfg.Pools.MainPool(), dbName)
	if checkErr != nil {
		return r.wrap(name, fmt.Errorf("check database %s: %w", dbName, checkErr))
	}
	if !exists {
		return r.wrap(name, fmt.Errorf("create database %s: %w", dbName, err))
	}
	r.logger.Debug("tenant database already existed", slog.String("tenant", name))
	return nil
}

// checkReady reports whether the database exists with every critical table.
func (r *Reconciler) checkReady(ctx context.Context, name string) (bool, error) {
	dbName := r.cfg.Pools.Resolver().DatabaseName(name)
	exists, err := r.inspector.DatabaseExists(ctx, r.cfg.Pools.MainPool(), dbName)
	if err != nil {
		return false, r.wrap(name, fmt.Errorf("check database %s: %w", dbName, err))
	}
	if !exists {
		return false, nil
	}
	missing, err := r.missingCriticalTables(ctx, name)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (r *Reconciler) missingCriticalTables(ctx context.Context, name string) ([]string, error) {
	db, err := r.cfg.Pools.TenantPool(ctx, name)
	if err != nil {
		return nil, err
	}
	missing, err := r.inspector.MissingTables(ctx, db, r.cfg.Catalog.CriticalTables)
	if err != nil {
		return nil, r.wrap(name, fmt.Errorf("list critical tables: %w", err))
	}
	return missing, nil
}

// ApplyBaseline re-runs every baseline statement on the tenant database and
// adds any baseline column missing from an existing table. Statements are
// idempotent, so no lock is taken.
func (r *Reconciler) ApplyBaseline(ctx context.Context, name string) error {
	if err := tenant.ValidateName(name); err != nil {
		return err
	}
	ctx, span := observability.StartSpan(ctx, tracerScope, "reconciler.apply_baseline",
		attribute.String("tenant", name))
	err := r.applyBaseline(ctx, name, baselineOnResync)
	observability.FinishSpan(span, err, "")
	return err
}

func (r *Reconciler) applyBaseline(ctx context.Context, name, reason string) (err error) {
	defer func() {
		r.cfg.Metrics.RecordBaselineApplied(ctx, reason, err == nil)
	}()

	db, err := r.cfg.Pools.TenantPool(ctx, name)
	if err != nil {
		return err
	}
	skipped := 0
	for i, stmt := range r.cfg.Baseline.Statements {
		if _, execErr := db.ExecContext(ctx, stmt); execErr != nil {
			if r.dialect.IsAlreadyExists(execErr) {
				skipped++
				continue
			}
			return r.wrap(name, fmt.Errorf("baseline statement %d of %d: %w", i+1, len(r.cfg.Baseline.Statements), execErr))
		}
	}
	added := 0
	if reason == baselineOnResync {
		if added, err = r.addBaselineColumns(ctx, name, db); err != nil {
			return err
		}
	}
	r.logger.Info("baseline applied",
		slog.String("tenant", name),
		slog.String("reason", reason),
		slog.Int("statements", len(r.cfg.Baseline.Statements)),
		slog.Int("already_present", skipped),
		slog.Int("column_statements", added),
	)
	return nil
}

// addBaselineColumns adds every baseline column to tables that predate it.
// CREATE TABLE IF NOT EXISTS leaves an existing table untouched, so a resync
// needs these to heal a column the rule catalog does not name.
func (r *Reconciler) addBaselineColumns(ctx context.Context, name string, db *sql.DB) (int, error) {
	applied := 0
	for _, table := range r.cfg.Baseline.Tables {
		for _, col := range r.cfg.Baseline.Columns[table] {
			stmt := r.dialect.AddColumnSQL(table, col.Name, col.Definition)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				if r.dialect.IsAlreadyExists(err) {
					continue
				}
				return applied, r.wrap(name, fmt.Errorf("add baseline column %s.%s: %w", table, col.Name, err))
			}
			applied++
		}
	}
	return applied, nil
}

// TableExists reports whether the tenant database has table.
func (r *Reconciler) TableExists(ctx context.Context, name, table string) (bool, error) {
	db, err := r.cfg.Pools.TenantPool(ctx, name)
	if err != nil {
		return false, err
	}
	return r.inspector.TableExists(ctx, db, table)
}

// ColumnExists reports whether table in the tenant database has column.
func (r *Reconciler) ColumnExists(ctx context.Context, name, table, column string) (bool, error) {
	db, err := r.cfg.Pools.TenantPool(ctx, name)
	if err != nil {
		return false, err
	}
	return r.inspector.ColumnExists(ctx, db, table, column)
}

// ColumnNullable reports whether column accepts NULL. found is false when the
// column does not exist.
func (r *Reconciler) ColumnNullable(ctx context.Context, name, table, column string) (nullable, found bool, err error) {
	db, err := r.cfg.Pools.TenantPool(ctx, name)
	if err != nil {
		return false, false, err
	}
	return r.inspector.ColumnNullable(ctx, db, table, column)
}

// wrap marks connection-class failures so callers can evict the pool.
func (r *Reconciler) wrap(name string, err error) error {
	var connErr *dberr.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if r.dialect.IsConnectionError(err) || r.dialect.IsMissingDatabase(err) {
		return &dberr.ConnectionError{Tenant: name, Err: err}
	}
	return err
}
