package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
	"tenantdb/internal/sqlutil"
)

var postgresRules = map[string]codeRule{
	"42703": {
		kind:      dberr.KindMissingColumn,
		pattern:   regexp.MustCompile(`column "?(?:(\w+)\.)?(\w+)"? (?:of relation "(\w+)" )?does not exist`),
		qualifier: 1, column: 2, table: 3,
	},
	"42P01": {
		kind:    dberr.KindMissingTable,
		pattern: regexp.MustCompile(`relation "(?:\w+\.)?(\w+)" does not exist`),
		table:   1,
	},
	"23502": {
		kind:    dberr.KindNotNullViolation,
		pattern: regexp.MustCompile(`null value in column "(\w+)"(?: of relation "(\w+)")? violates not-null constraint`),
		column:  1, table: 2,
	},
}

var (
	postgresAlreadyExists = map[string]bool{
		"42P04": true, // duplicate_database
		"42P07": true, // duplicate_table
		"42701": true, // duplicate_column
		"42710": true, // duplicate_object
	}
	postgresConnectionCodes = map[string]bool{
		"57P01": true, // admin_shutdown
		"57P02": true, // crash_shutdown
		"57P03": true, // cannot_connect_now
		"53300": true, // too_many_connections
	}
)

// Postgres is the PostgreSQL dialect, served by lib/pq or pgx.
type Postgres struct {
	driver string
}

// NewPostgres returns the PostgreSQL dialect using the named driver.
func NewPostgres(driverName string) *Postgres {
	if driverName == "" {
		driverName = DriverPQ
	}
	return &Postgres{driver: driverName}
}

func (p *Postgres) Name() string       { return connstr.FamilyPostgres }
func (p *Postgres) DriverName() string { return p.driver }

func (p *Postgres) DSN(t connstr.Target) (string, error) {
	out := t.WithDatabase(t.Database)
	// Both drivers accept postgres:// and postgresql:// URLs.
	if out.Scheme != "postgres" && out.Scheme != "postgresql" {
		out.Scheme = "postgres"
	}
	return out.URL(), nil
}

func (p *Postgres) QuoteIdent(name string) string      { return sqlutil.QuoteDouble(name) }
func (p *Postgres) Placeholder() sq.PlaceholderFormat  { return sq.Dollar }
func (p *Postgres) SupportsTransactionalDDL() bool     { return true }
func (p *Postgres) CurrentSchemaExpr() string          { return "current_schema()" }
func (p *Postgres) DatabaseCatalog() (string, string)  { return "pg_database", "datname" }
func (p *Postgres) CreateDatabaseSQL(db string) string { return "CREATE DATABASE " + p.QuoteIdent(db) }
func (p *Postgres) CreateTableSQL(table, body string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", p.QuoteIdent(table), body)
}

func (p *Postgres) AddColumnSQL(table, column, definition string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", p.QuoteIdent(table), p.QuoteIdent(column), definition)
}

func (p *Postgres) DropNotNullSQL(table, column, _ string) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", p.QuoteIdent(table), p.QuoteIdent(column))
}

func (p *Postgres) CreateIndexSQL(name, table string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", p.QuoteIdent(name), p.QuoteIdent(table), quoteList(p.QuoteIdent, columns))
}

func (p *Postgres) TryAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error) {
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	return acquired, nil
}

func (p *Postgres) ReleaseAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) error {
	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return nil
}

// SetActorSQL uses set_config with is_local so the value ends with the transaction.
func (p *Postgres) SetActorSQL() string   { return "SELECT set_config('app.actor_id', $1, true)" }
func (p *Postgres) ClearActorSQL() string { return "" }

func (p *Postgres) Classify(err error, statement string) dberr.ErrorSignal {
	d, ok := postgresDetail(err)
	if !ok {
		return dberr.ErrorSignal{Kind: dberr.KindUnknown, Message: errMessage(err)}
	}
	return buildSignal(postgresRules, d, statement)
}

func (p *Postgres) IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if d, ok := postgresDetail(err); ok {
		return strings.HasPrefix(d.code, "08") || postgresConnectionCodes[d.code]
	}
	return isTransportError(err)
}

func (p *Postgres) IsAlreadyExists(err error) bool {
	d, ok := postgresDetail(err)
	return ok && postgresAlreadyExists[d.code]
}

func (p *Postgres) IsMissingDatabase(err error) bool {
	d, ok := postgresDetail(err)
	return ok && d.code == "3D000"
}

func (p *Postgres) IsStatementTimeout(err error) bool {
	d, ok := postgresDetail(err)
	return ok && d.code == "57014"
}

func (p *Postgres) ErrorCode(err error) (string, string, bool) {
	d, ok := postgresDetail(err)
	if !ok {
		return "", errMessage(err), false
	}
	return d.code, d.message, true
}

func postgresDetail(err error) (driverDetail, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return driverDetail{
			code:    string(pqErr.Code),
			message: pqErr.Message,
			table:   pqErr.Table,
			column:  pqErr.Column,
		}, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return driverDetail{
			code:    pgErr.Code,
			message: pgErr.Message,
			table:   pgErr.TableName,
			column:  pgErr.ColumnName,
		}, true
	}
	return driverDetail{}, false
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
