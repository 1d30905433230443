package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"

	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
	"tenantdb/internal/sqlutil"
)

var mysqlRules = map[string]codeRule{
	"1054": {
		kind:      dberr.KindMissingColumn,
		pattern:   regexp.MustCompile(`Unknown column '(?:(\w+)\.)?(\w+)' in`),
		qualifier: 1, column: 2,
	},
	"1146": {
		kind:    dberr.KindMissingTable,
		pattern: regexp.MustCompile(`Table '(?:\w+\.)?(\w+)' doesn't exist`),
		table:   1,
	},
	"1048": {
		kind:    dberr.KindNotNullViolation,
		pattern: regexp.MustCompile(`Column '(\w+)' cannot be null`),
		column:  1,
	},
	"1364": {
		kind:    dberr.KindNotNullViolation,
		pattern: regexp.MustCompile(`Field '(\w+)' doesn't have a default value`),
		column:  1,
	},
}

var (
	mysqlAlreadyExists = map[uint16]bool{
		1007: true, // database exists
		1050: true, // table exists
		1060: true, // duplicate column
		1061: true, // duplicate key name
	}
	mysqlConnectionCodes = map[uint16]bool{
		1040: true, // too many connections
		1053: true, // server shutdown in progress
		2002: true,
		2003: true,
		2006: true, // server has gone away
		2013: true, // lost connection during query
	}
)

// MySQL is the MySQL and TiDB dialect. DDL there is not transactional.
type MySQL struct{}

// NewMySQL returns the MySQL dialect.
func NewMySQL() *MySQL { return &MySQL{} }

func (m *MySQL) Name() string       { return connstr.FamilyMySQL }
func (m *MySQL) DriverName() string { return DriverMySQL }

// DSN builds a go-sql-driver DSN from the target. Known driver options in the
// URL query map onto Config fields and the rest become session variables.
func (m *MySQL) DSN(t connstr.Target) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = t.User
	cfg.Passwd = t.Password
	cfg.Net = "tcp"
	cfg.Addr = t.Address()
	cfg.DBName = t.Database
	cfg.ParseTime = true

	for key, values := range t.Params {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "tls":
			cfg.TLSConfig = value
		case "parseTime":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return "", fmt.Errorf("invalid parseTime %q: %w", value, err)
			}
			cfg.ParseTime = b
		case "timeout", "readTimeout", "writeTimeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return "", fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			switch key {
			case "timeout":
				cfg.Timeout = d
			case "readTimeout":
				cfg.ReadTimeout = d
			default:
				cfg.WriteTimeout = d
			}
		default:
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[key] = value
		}
	}
	return cfg.FormatDSN(), nil
}

func (m *MySQL) QuoteIdent(name string) string     { return sqlutil.QuoteBacktick(name) }
func (m *MySQL) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (m *MySQL) SupportsTransactionalDDL() bool    { return false }
func (m *MySQL) CurrentSchemaExpr() string         { return "DATABASE()" }
func (m *MySQL) DatabaseCatalog() (string, string) {
	return "information_schema.schemata", "schema_name"
}

func (m *MySQL) CreateDatabaseSQL(db string) string {
	return "CREATE DATABASE " + m.QuoteIdent(db) + " CHARACTER SET utf8mb4"
}

func (m *MySQL) CreateTableSQL(table, body string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", m.QuoteIdent(table), body)
}

func (m *MySQL) AddColumnSQL(table, column, definition string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.QuoteIdent(table), m.QuoteIdent(column), definition)
}

// DropNotNullSQL restates the column definition because MySQL has no
// ALTER COLUMN ... DROP NOT NULL.
func (m *MySQL) DropNotNullSQL(table, column, definition string) string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s NULL", m.QuoteIdent(table), m.QuoteIdent(column), definition)
}

func (m *MySQL) CreateIndexSQL(name, table string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", m.QuoteIdent(name), m.QuoteIdent(table), quoteList(m.QuoteIdent, columns))
}

func lockName(key int64) string {
	return fmt.Sprintf("tenantdb:%d", key)
}

func (m *MySQL) TryAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error) {
	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", lockName(key)).Scan(&result); err != nil {
		return false, fmt.Errorf("GET_LOCK: %w", err)
	}
	return result.Valid && result.Int64 == 1, nil
}

func (m *MySQL) ReleaseAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) error {
	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", lockName(key)).Scan(&result); err != nil {
		return fmt.Errorf("RELEASE_LOCK: %w", err)
	}
	if !result.Valid || result.Int64 != 1 {
		return fmt.Errorf("advisory lock %s was not held by this session", lockName(key))
	}
	return nil
}

// MySQL has no transaction-local variables, so the executor clears the user
// variable on the same connection before it returns to the pool.
func (m *MySQL) SetActorSQL() string   { return "SET @app_actor_id = ?" }
func (m *MySQL) ClearActorSQL() string { return "SET @app_actor_id = NULL" }

func (m *MySQL) Classify(err error, statement string) dberr.ErrorSignal {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return dberr.ErrorSignal{Kind: dberr.KindUnknown, Message: errMessage(err)}
	}
	return buildSignal(mysqlRules, driverDetail{
		code:    strconv.Itoa(int(myErr.Number)),
		message: myErr.Message,
	}, statement)
}

func (m *MySQL) IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlConnectionCodes[myErr.Number]
	}
	return isTransportError(err)
}

func (m *MySQL) IsAlreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && mysqlAlreadyExists[myErr.Number]
}

func (m *MySQL) IsMissingDatabase(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1049
}

func (m *MySQL) IsStatementTimeout(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && (myErr.Number == 3024 || myErr.Number == 1317)
}

func (m *MySQL) ErrorCode(err error) (string, string, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return "", errMessage(err), false
	}
	return strconv.Itoa(int(myErr.Number)), myErr.Message, true
}
