// Package dialect isolates everything that differs between PostgreSQL and
// MySQL/TiDB: driver names, DSNs, DDL text, advisory locks, audit context and
// the classification of driver errors.
//
// Audit context differs by family. PostgreSQL sets app.actor_id with
// set_config(..., true), which ends with the transaction. MySQL has no
// transaction-local variables, so the actor goes into the session variable
// @app_actor_id: it is set inside the transaction and cleared on the same
// connection afterwards, and a connection whose clear fails is discarded
// instead of pooled. Between set and clear the value is visible to anything
// else run on that session.
package dialect

import (
	"context"
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
)

// Dialect is the SQL and error-code boundary for one database family.
type Dialect interface {
	// Name returns the dialect family, "postgres" or "mysql".
	Name() string
	// DriverName returns the database/sql driver to open pools with.
	DriverName() string
	// DSN renders a target in the driver's connection string format.
	DSN(t connstr.Target) (string, error)
	QuoteIdent(name string) string
	Placeholder() sq.PlaceholderFormat
	// SupportsTransactionalDDL reports whether DDL can be rolled back.
	SupportsTransactionalDDL() bool
	// CurrentSchemaExpr is the SQL expression naming the schema that holds
	// the tenant tables of the connected database.
	CurrentSchemaExpr() string
	// DatabaseCatalog returns the catalog table and name column listing databases.
	DatabaseCatalog() (table, nameColumn string)

	CreateDatabaseSQL(database string) string
	CreateTableSQL(table, body string) string
	AddColumnSQL(table, column, definition string) string
	DropNotNullSQL(table, column, definition string) string
	CreateIndexSQL(name, table string, columns []string) string

	// TryAdvisoryLock takes a session-level lock on conn without blocking.
	TryAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error)
	// ReleaseAdvisoryLock releases a lock taken on the same conn.
	ReleaseAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) error

	// SetActorSQL takes the actor ID as its only argument and scopes it to
	// the current transaction.
	SetActorSQL() string
	// ClearActorSQL resets the audit context on the connection after the
	// transaction ends. Empty when the setting is transaction-local already.
	ClearActorSQL() string

	// Classify maps a driver error to an ErrorSignal. statement is the SQL
	// that failed and is used to resolve tables the message does not name.
	Classify(err error, statement string) dberr.ErrorSignal
	IsConnectionError(err error) bool
	IsAlreadyExists(err error) bool
	IsMissingDatabase(err error) bool
	IsStatementTimeout(err error) bool
	// ErrorCode extracts the driver's code and message.
	ErrorCode(err error) (code, message string, ok bool)
}

// Driver names accepted in configuration.
const (
	DriverPQ    = "postgres"
	DriverPGX   = "pgx"
	DriverMySQL = "mysql"
)

// ForFamily returns the dialect for a connstr family. driver selects between
// lib/pq and pgx for PostgreSQL and may be empty.
func ForFamily(family, driver string) (Dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch family {
	case connstr.FamilyPostgres:
		switch driver {
		case "", DriverPQ, "pq", "lib/pq":
			return NewPostgres(DriverPQ), nil
		case DriverPGX:
			return NewPostgres(DriverPGX), nil
		}
	case connstr.FamilyMySQL:
		if driver == "" || driver == DriverMySQL {
			return NewMySQL(), nil
		}
	default:
		return nil, &dberr.ConfigurationError{Field: "database.base_url", Message: "unsupported database family " + family}
	}
	return nil, &dberr.ConfigurationError{
		Field:   "database.driver",
		Message: "driver " + driver + " is not available for " + family,
	}
}

func quoteList(quote func(string) string, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}
