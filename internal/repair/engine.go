// Package repair applies additive corrective DDL to a tenant database after a
// statement failed with schema drift.
package repair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tenantdb/internal/baseline"
	"tenantdb/internal/dberr"
	"tenantdb/internal/dialect"
	"tenantdb/internal/logging"
	"tenantdb/internal/observability"
)

const tracerScope = "tenantdb/repair"

// Outcome names the corrective path a repair took.
type Outcome string

const (
	OutcomeTargeted   Outcome = "targeted-repair-applied"
	OutcomeGroup      Outcome = "group-repair-applied"
	OutcomeFullResync Outcome = "full-resync-applied"
)

// Pools is the subset of the pool registry the engine needs.
type Pools interface {
	TenantPool(ctx context.Context, name string) (*sql.DB, error)
	Dialect() dialect.Dialect
}

// Schema is the reconciler surface used for full resyncs and verification.
type Schema interface {
	ApplyBaseline(ctx context.Context, name string) error
	TableExists(ctx context.Context, name, table string) (bool, error)
	ColumnExists(ctx context.Context, name, table, column string) (bool, error)
	ColumnNullable(ctx context.Context, name, table, column string) (nullable, found bool, err error)
	Invalidate(name string)
}

// Config configures an Engine.
type Config struct {
	Pools    Pools
	Schema   Schema
	Catalog  *baseline.Catalog
	Baseline *baseline.Schema
	Logger   *logging.Logger
	Metrics  *observability.RepairMetrics
}

// Engine chooses and applies repairs. It holds no per-tenant state.
type Engine struct {
	cfg     Config
	dialect dialect.Dialect
	logger  *logging.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Pools == nil:
		return nil, errors.New("repair: pools are required")
	case cfg.Schema == nil:
		return nil, errors.New("repair: schema reconciler is required")
	case cfg.Catalog == nil:
		return nil, errors.New("repair: rule catalog is required")
	case cfg.Baseline == nil:
		return nil, errors.New("repair: baseline schema is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		dialect: cfg.Pools.Dialect(),
		logger:  cfg.Logger.WithFields(slog.String("component", "repair")),
	}, nil
}

// target is the schema object a repair promises to fix.
type target struct {
	kind   dberr.SignalKind
	table  string
	column string
}

// Repair applies the rule matching sig, the rule's whole group when it has
// one, or a full baseline resync when no rule matches.
func (e *Engine) Repair(ctx context.Context, tenantName string, sig dberr.ErrorSignal) (Outcome, error) {
	rule, ok := e.resolve(sig)
	if !ok {
		return e.Resync(ctx, tenantName, sig)
	}

	ctx, span := observability.StartSpan(ctx, tracerScope, "repair.targeted",
		attribute.String("tenant", tenantName),
		attribute.String("repair.signal", sig.String()),
	)
	start := time.Now()

	rules := []baseline.RepairRule{rule}
	outcome := OutcomeTargeted
	if rule.Group != "" {
		rules = e.cfg.Catalog.Group(rule.Group)
		outcome = OutcomeGroup
	}

	err := e.apply(ctx, tenantName, rules)
	if err == nil {
		err = e.verify(ctx, tenantName, ruleTarget(rule))
	}
	e.record(ctx, tenantName, sig, outcome, time.Since(start), err)
	if err != nil {
		e.cfg.Schema.Invalidate(tenantName)
		err = &dberr.RepairFailedError{Tenant: tenantName, Signal: sig, Outcome: string(outcome), Err: err}
	}
	observability.FinishSpan(span, err, string(outcome))
	return outcome, err
}

// Handles reports whether sig is drift the engine can act on. A NOT NULL
// violation only counts when a drop_not_null rule names the column; any
// other one is an ordinary constraint failure.
func (e *Engine) Handles(sig dberr.ErrorSignal) bool {
	if !sig.IsDrift() {
		return false
	}
	if sig.Kind == dberr.KindNotNullViolation {
		_, ok := e.resolve(sig)
		return ok
	}
	return true
}

// Resync re-applies the full baseline regardless of the signal. A missing
// baseline table or column named by sig is verified afterwards.
func (e *Engine) Resync(ctx context.Context, tenantName string, sig dberr.ErrorSignal) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, tracerScope, "repair.full_resync",
		attribute.String("tenant", tenantName),
		attribute.String("repair.signal", sig.String()),
	)
	start := time.Now()
	outcome := OutcomeFullResync

	e.cfg.Schema.Invalidate(tenantName)
	err := e.cfg.Schema.ApplyBaseline(ctx, tenantName)
	if t, ok := e.baselineTarget(sig); err == nil && ok {
		err = e.verify(ctx, tenantName, t)
	}
	e.record(ctx, tenantName, sig, outcome, time.Since(start), err)
	if err != nil {
		err = &dberr.RepairFailedError{Tenant: tenantName, Signal: sig, Outcome: string(outcome), Err: err}
	}
	observability.FinishSpan(span, err, string(outcome))
	return outcome, err
}

// baselineTarget returns the object named by sig when the baseline declares
// it, so a resync can be held to it.
func (e *Engine) baselineTarget(sig dberr.ErrorSignal) (target, bool) {
	switch sig.Kind {
	case dberr.KindMissingTable:
		if e.cfg.Baseline.HasTable(sig.Table) {
			return target{kind: sig.Kind, table: sig.Table}, true
		}
	case dberr.KindMissingColumn:
		if sig.Column == "" {
			return target{}, false
		}
		if sig.Table != "" {
			return target{kind: sig.Kind, table: sig.Table, column: sig.Column}, e.cfg.Baseline.HasColumn(sig.Table, sig.Column)
		}
		var found []string
		for _, table := range sig.Tables {
			if e.cfg.Baseline.HasColumn(table, sig.Column) {
				found = append(found, table)
			}
		}
		if len(found) == 1 {
			return target{kind: sig.Kind, table: found[0], column: sig.Column}, true
		}
	}
	return target{}, false
}

// resolve finds the rule for sig. A signal without a table is matched
// against the tables the failing statement referenced.
func (e *Engine) resolve(sig dberr.ErrorSignal) (baseline.RepairRule, bool) {
	if !sig.IsDrift() {
		return baseline.RepairRule{}, false
	}
	if sig.Table != "" {
		return e.cfg.Catalog.Match(sig.Kind, sig.Table, sig.Column)
	}
	return e.cfg.Catalog.MatchAny(sig.Kind, sig.Column, sig.Tables)
}

func ruleTarget(rule baseline.RepairRule) target {
	switch rule.Action {
	case baseline.ActionAddColumn:
		return target{kind: dberr.KindMissingColumn, table: rule.Table, column: rule.Column}
	case baseline.ActionDropNotNull:
		return target{kind: dberr.KindNotNullViolation, table: rule.Table, column: rule.Column}
	case baseline.ActionCreateTable:
		return target{kind: dberr.KindMissingTable, table: rule.Table}
	}
	return target{}
}

func (e *Engine) statement(rule baseline.RepairRule) string {
	def := rule.DefinitionFor(e.dialect.Name())
	switch rule.Action {
	case baseline.ActionAddColumn:
		return e.dialect.AddColumnSQL(rule.Table, rule.Column, def)
	case baseline.ActionDropNotNull:
		return e.dialect.DropNotNullSQL(rule.Table, rule.Column, def)
	case baseline.ActionAddIndex:
		return e.dialect.CreateIndexSQL(rule.Name, rule.Table, rule.Columns)
	case baseline.ActionCreateTable:
		return e.dialect.CreateTableSQL(rule.Table, def)
	}
	return ""
}

// apply runs the rules in one transaction when DDL is transactional and one
// by one otherwise, where an object that already exists counts as applied.
func (e *Engine) apply(ctx context.Context, tenantName string, rules []baseline.RepairRule) error {
	db, err := e.cfg.Pools.TenantPool(ctx, tenantName)
	if err != nil {
		return err
	}
	statements := make([]string, 0, len(rules))
	for _, rule := range rules {
		statements = append(statements, e.statement(rule))
	}

	if !e.dialect.SupportsTransactionalDDL() {
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				if e.dialect.IsAlreadyExists(err) {
					continue
				}
				return fmt.Errorf("apply %q: %w", stmt, err)
			}
		}
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repair transaction: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit repair transaction: %w", err)
	}
	return nil
}

// verify confirms the implicated object now has the repaired shape.
func (e *Engine) verify(ctx context.Context, tenantName string, t target) error {
	switch t.kind {
	case dberr.KindMissingColumn:
		ok, err := e.cfg.Schema.ColumnExists(ctx, tenantName, t.table, t.column)
		if err != nil {
			return fmt.Errorf("verify column %s.%s: %w", t.table, t.column, err)
		}
		if !ok {
			return fmt.Errorf("column %s.%s still missing after repair", t.table, t.column)
		}
	case dberr.KindNotNullViolation:
		nullable, found, err := e.cfg.Schema.ColumnNullable(ctx, tenantName, t.table, t.column)
		if err != nil {
			return fmt.Errorf("verify column %s.%s: %w", t.table, t.column, err)
		}
		if !found || !nullable {
			return fmt.Errorf("column %s.%s still rejects NULL after repair", t.table, t.column)
		}
	case dberr.KindMissingTable:
		ok, err := e.cfg.Schema.TableExists(ctx, tenantName, t.table)
		if err != nil {
			return fmt.Errorf("verify table %s: %w", t.table, err)
		}
		if !ok {
			return fmt.Errorf("table %s still missing after repair", t.table)
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, tenantName string, sig dberr.ErrorSignal, outcome Outcome, duration time.Duration, err error) {
	e.cfg.Metrics.RecordRepair(ctx, duration, string(sig.Kind), string(outcome), err == nil)
	if err != nil {
		e.logger.Error("schema repair failed",
			slog.String("tenant", tenantName),
			slog.String("signal", sig.String()),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Info("schema repair applied",
		slog.String("tenant", tenantName),
		slog.String("signal", sig.String()),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", duration),
	)
}
