// Package executor is the single data-access entry point for tenant
// databases. It makes the tenant ready, runs statements under a timeout and
// repairs schema drift before retrying.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tenantdb/internal/dberr"
	"tenantdb/internal/dbexec"
	"tenantdb/internal/dialect"
	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
	"tenantdb/internal/poolregistry"
	"tenantdb/internal/repair"
	"tenantdb/internal/tenant"
)

const tracerScope = "tenantdb/executor"

// MaxRepairs bounds the repair attempts for one request: the matched repair,
// then one forced full resync.
const MaxRepairs = 2

// DefaultStatementTimeout applies when Config.StatementTimeout is zero.
const DefaultStatementTimeout = 30 * time.Second

// Result is a materialized statement result.
type Result = dbexec.Result

// Statement is one entry of a transaction batch.
type Statement struct {
	SQL  string
	Args []any
}

// Pools is the subset of the pool registry the executor needs.
type Pools interface {
	TenantPool(ctx context.Context, name string) (*sql.DB, error)
	Evict(name, reason string) bool
	Dialect() dialect.Dialect
}

// Reconciler prepares tenant databases.
type Reconciler interface {
	EnsureTenantReady(ctx context.Context, name string) error
	Invalidate(name string)
}

// Repairer fixes schema drift.
type Repairer interface {
	// Handles reports whether sig is drift the repairer acts on.
	Handles(sig dberr.ErrorSignal) bool
	Repair(ctx context.Context, tenantName string, sig dberr.ErrorSignal) (repair.Outcome, error)
	Resync(ctx context.Context, tenantName string, sig dberr.ErrorSignal) (repair.Outcome, error)
}

// Config configures an Executor.
type Config struct {
	Pools      Pools
	Reconciler Reconciler
	Repairer   Repairer
	Logger     *logging.Logger
	Metrics    *observability.QueryMetrics
	// RepairMetrics counts retries after a repair.
	RepairMetrics *observability.RepairMetrics

	StatementTimeout time.Duration
	SettleDelay      time.Duration
	// DisableRepair surfaces drift as SchemaDriftError without repairing.
	DisableRepair bool
}

// Executor runs tenant statements. It is safe for concurrent use.
type Executor struct {
	cfg     Config
	dialect dialect.Dialect
	logger  *logging.Logger
}

// Option adjusts a single request.
type Option func(*options)

type options struct {
	actorID string
}

// WithActor attaches the acting user to the request's audit context. The
// statement then runs in a transaction that carries the actor.
func WithActor(id string) Option {
	return func(o *options) {
		o.actorID = id
	}
}

// New validates cfg and returns an Executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Pools == nil:
		return nil, errors.New("executor: pools are required")
	case cfg.Reconciler == nil:
		return nil, errors.New("executor: reconciler is required")
	case cfg.Repairer == nil && !cfg.DisableRepair:
		return nil, errors.New("executor: repairer is required unless repair is disabled")
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		dialect: cfg.Pools.Dialect(),
		logger:  cfg.Logger.WithFields(slog.String("component", "executor")),
	}, nil
}

// Execute runs one statement against a tenant database.
func (e *Executor) Execute(ctx context.Context, tenantName, statement string, args []any, opts ...Option) (*Result, error) {
	results, err := e.run(ctx, tenantName, []Statement{{SQL: statement, Args: args}}, false, opts)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteTransaction runs statements in order on one connection, all or
// nothing. A retry after repair re-runs the whole batch.
func (e *Executor) ExecuteTransaction(ctx context.Context, tenantName string, statements []Statement, opts ...Option) ([]*Result, error) {
	if len(statements) == 0 {
		if err := tenant.ValidateName(tenantName); err != nil {
			return nil, err
		}
		return []*Result{}, nil
	}
	return e.run(ctx, tenantName, statements, true, opts)
}

func (e *Executor) run(ctx context.Context, tenantName string, statements []Statement, batch bool, opts []Option) (results []*Result, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.actorID == "" {
		o.actorID, _ = tenant.ActorFromContext(ctx)
	}

	kind := "statement"
	if batch {
		kind = "transaction"
	}
	ctx, span := observability.StartSpan(ctx, tracerScope, "executor."+kind,
		attribute.String("tenant", tenantName),
		attribute.Int("statements", len(statements)),
		attribute.Bool("audit", o.actorID != ""),
	)
	e.cfg.Metrics.Begin(ctx)
	start := time.Now()
	defer func() {
		class := errorClass(err)
		e.cfg.Metrics.RecordRequest(ctx, time.Since(start), kind, class)
		observability.FinishSpan(span, err, class)
	}()

	if err := tenant.ValidateName(tenantName); err != nil {
		return nil, err
	}
	if err := e.cfg.Reconciler.EnsureTenantReady(ctx, tenantName); err != nil {
		return nil, e.failure(tenantName, err)
	}
	return e.loop(ctx, tenantName, statements, batch, o)
}

// loop is the per-request state machine: executing, then on drift repairing
// and retrying, bounded by MaxRepairs.
func (e *Executor) loop(ctx context.Context, tenantName string, statements []Statement, batch bool, o options) ([]*Result, error) {
	logger := e.logger.WithTenant(tenantName)
	var original error
	repairs := 0
	for {
		logger.Debug("request state", slog.String("state", "executing"), slog.Int("repairs", repairs))
		results, failed, err := e.attempt(ctx, tenantName, statements, batch, o)
		if err == nil {
			if repairs > 0 {
				e.cfg.RepairMetrics.RecordRetry(ctx, true)
				logger.Debug("request state", slog.String("state", "succeeded"), slog.Int("repairs", repairs))
			}
			return results, nil
		}
		if repairs > 0 {
			e.cfg.RepairMetrics.RecordRetry(ctx, false)
		}

		sig := e.dialect.Classify(err, failed)
		if !e.isDrift(sig) {
			logger.Debug("request state", slog.String("state", "failed"), slog.String("error", err.Error()))
			return nil, e.failure(tenantName, err)
		}
		if original == nil {
			original = err
		}
		logger.Debug("request state", slog.String("state", "schema_drift_detected"), slog.String("signal", sig.String()))

		if e.cfg.DisableRepair || repairs >= MaxRepairs {
			logger.Warn("schema drift persists after repair",
				slog.String("signal", sig.String()),
				slog.Int("repairs", repairs),
			)
			return nil, &dberr.SchemaDriftError{Tenant: tenantName, Signal: sig, Err: original}
		}

		repairs++
		logger.Debug("request state", slog.String("state", "repairing"), slog.Int("attempt", repairs))
		var repairErr error
		if repairs == 1 {
			_, repairErr = e.cfg.Repairer.Repair(ctx, tenantName, sig)
		} else {
			_, repairErr = e.cfg.Repairer.Resync(ctx, tenantName, sig)
		}
		if repairErr != nil {
			return nil, e.failure(tenantName, repairErr)
		}

		if err := e.settle(ctx); err != nil {
			return nil, err
		}
		logger.Debug("request state", slog.String("state", "retrying"), slog.Int("attempt", repairs))
	}
}

// isDrift filters NOT NULL violations: only a column the repairer would
// relax is drift, any other one is an ordinary constraint failure.
func (e *Executor) isDrift(sig dberr.ErrorSignal) bool {
	if !sig.IsDrift() {
		return false
	}
	if sig.Kind != dberr.KindNotNullViolation {
		return true
	}
	return e.cfg.Repairer != nil && e.cfg.Repairer.Handles(sig)
}

func (e *Executor) settle(ctx context.Context) error {
	if e.cfg.SettleDelay == 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt runs the statements once. A pool closed by eviction between
// lookup and use never started the work, so it is fetched again and the
// statements re-run once.
func (e *Executor) attempt(ctx context.Context, tenantName string, statements []Statement, batch bool, o options) ([]*Result, string, error) {
	results, failed, err := e.attemptOnce(ctx, tenantName, statements, batch, o)
	if err != nil && poolregistry.IsPoolClosed(err) {
		e.logger.Debug("tenant pool closed before use, reacquiring", slog.String("tenant", tenantName))
		results, failed, err = e.attemptOnce(ctx, tenantName, statements, batch, o)
	}
	return results, failed, err
}

// attemptOnce runs the statements on the current pool. failed is the
// statement that errored.
func (e *Executor) attemptOnce(ctx context.Context, tenantName string, statements []Statement, batch bool, o options) (results []*Result, failed string, err error) {
	db, err := e.cfg.Pools.TenantPool(ctx, tenantName)
	if err != nil {
		return nil, "", err
	}

	if !batch && o.actorID == "" {
		stmt := statements[0]
		res, err := e.runStatement(ctx, db, stmt)
		if err != nil {
			return nil, stmt.SQL, err
		}
		return []*Result{res}, "", nil
	}

	results = make([]*Result, 0, len(statements))
	err = dbexec.InTransaction(ctx, db, dbexec.SessionConfig{
		ActorID:       o.actorID,
		SetActorSQL:   e.dialect.SetActorSQL(),
		ClearActorSQL: e.dialect.ClearActorSQL(),
	}, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			res, err := e.runStatement(ctx, tx, stmt)
			if err != nil {
				failed = stmt.SQL
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, failed, err
	}
	return results, "", nil
}

// runStatement bounds one statement by StatementTimeout. A driver error
// caused by the deadline is tagged with context.DeadlineExceeded.
func (e *Executor) runStatement(ctx context.Context, q dbexec.Queryer, stmt Statement) (*Result, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()
	res, err := dbexec.Run(stmtCtx, q, stmt.SQL, stmt.Args...)
	if err != nil && errors.Is(stmtCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return res, err
}

// failure maps an error to the typed error surfaced to callers and evicts
// the pool on connection-class failures.
func (e *Executor) failure(tenantName string, err error) error {
	var (
		connErr     *dberr.ConnectionError
		repairErr   *dberr.RepairFailedError
		notReadyErr *dberr.TenantNotReadyError
	)
	switch {
	case errors.As(err, &connErr):
		e.evict(tenantName, err)
		return err
	case errors.As(err, &repairErr), errors.As(err, &notReadyErr),
		dberr.IsInvalidTenant(err), errors.Is(err, dberr.ErrRegistryClosed):
		return err
	case errors.Is(err, context.DeadlineExceeded) || e.dialect.IsStatementTimeout(err):
		return &dberr.StatementTimeoutError{Tenant: tenantName, Timeout: e.cfg.StatementTimeout, Err: err}
	case e.dialect.IsConnectionError(err) || e.dialect.IsMissingDatabase(err):
		e.evict(tenantName, err)
		return &dberr.ConnectionError{Tenant: tenantName, Err: err}
	}
	code, message, _ := e.dialect.ErrorCode(err)
	return &dberr.StatementError{Tenant: tenantName, Code: code, Message: message, Err: err}
}

func (e *Executor) evict(tenantName string, cause error) {
	evicted := e.cfg.Pools.Evict(tenantName, poolregistry.ReasonConnectionError)
	e.cfg.Reconciler.Invalidate(tenantName)
	e.logger.Warn("connection failure, tenant pool evicted",
		slog.String("tenant", tenantName),
		slog.Bool("evicted", evicted),
		slog.String("error", cause.Error()),
	)
}

// errorClass labels a failure for metrics and spans. It is empty on success.
func errorClass(err error) string {
	var (
		connErr     *dberr.ConnectionError
		timeoutErr  *dberr.StatementTimeoutError
		notReadyErr *dberr.TenantNotReadyError
		driftErr    *dberr.SchemaDriftError
		repairErr   *dberr.RepairFailedError
		stmtErr     *dberr.StatementError
	)
	switch {
	case err == nil:
		return ""
	case dberr.IsInvalidTenant(err):
		return "invalid_tenant"
	case errors.As(err, &repairErr):
		return "repair_failed"
	case errors.As(err, &driftErr):
		return "schema_drift"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &notReadyErr):
		return "not_ready"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &stmtErr):
		return "statement"
	}
	return "other"
}
