package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"syscall"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdb/internal/connstr"
	"tenantdb/internal/dberr"
)

func TestForFamily(t *testing.T) {
	tests := []struct {
		family, driver string
		wantDriver     string
		wantErr        bool
	}{
		{connstr.FamilyPostgres, "", DriverPQ, false},
		{connstr.FamilyPostgres, "pgx", DriverPGX, false},
		{connstr.FamilyPostgres, "mysql", "", true},
		{connstr.FamilyMySQL, "", DriverMySQL, false},
		{connstr.FamilyMySQL, "pgx", "", true},
		{"oracle", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.family+"/"+tt.driver, func(t *testing.T) {
			d, err := ForFamily(tt.family, tt.driver)
			if tt.wantErr {
				var cfgErr *dberr.ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, d.DriverName())
		})
	}
}

func TestPostgresClassify(t *testing.T) {
	d := NewPostgres(DriverPQ)

	tests := []struct {
		name      string
		err       error
		statement string
		kind      dberr.SignalKind
		table     string
		column    string
		tables    []string
	}{
		{
			name:      "missing column resolved from statement",
			err:       &pq.Error{Code: "42703", Message: `column "agency_id" does not exist`},
			statement: "SELECT agency_id FROM profiles WHERE id = $1",
			kind:      dberr.KindMissingColumn, table: "profiles", column: "agency_id",
			tables: []string{"profiles"},
		},
		{
			name:      "alias qualifier is not a table",
			err:       &pq.Error{Code: "42703", Message: `column p.agency_id does not exist`},
			statement: "SELECT p.agency_id FROM profiles p JOIN clients c ON c.id = p.client_id",
			kind:      dberr.KindMissingColumn, table: "", column: "agency_id",
			tables: []string{"profiles", "clients"},
		},
		{
			name:      "qualifier naming a referenced table",
			err:       &pq.Error{Code: "42703", Message: `column clients.region does not exist`},
			statement: "SELECT clients.region FROM clients JOIN leads ON leads.client_id = clients.id",
			kind:      dberr.KindMissingColumn, table: "clients", column: "region",
			tables: []string{"clients", "leads"},
		},
		{
			name:      "relation in message",
			err:       &pq.Error{Code: "42703", Message: `column "agency_id" of relation "profiles" does not exist`},
			statement: "INSERT INTO profiles (agency_id) VALUES ($1)",
			kind:      dberr.KindMissingColumn, table: "profiles", column: "agency_id",
			tables: []string{"profiles"},
		},
		{
			name:      "missing table",
			err:       &pq.Error{Code: "42P01", Message: `relation "public.leads" does not exist`},
			statement: "SELECT * FROM public.leads",
			kind:      dberr.KindMissingTable, table: "leads",
			tables: []string{"leads"},
		},
		{
			name:      "not null from structured fields",
			err:       &pq.Error{Code: "23502", Message: `null value in column "agency_id" of relation "profiles" violates not-null constraint`, Table: "profiles", Column: "agency_id"},
			statement: "INSERT INTO profiles (name) VALUES ($1)",
			kind:      dberr.KindNotNullViolation, table: "profiles", column: "agency_id",
			tables: []string{"profiles"},
		},
		{
			name:      "pgx error",
			err:       fmt.Errorf("query: %w", &pgconn.PgError{Code: "42703", Message: `column "region" does not exist`}),
			statement: "SELECT region FROM clients",
			kind:      dberr.KindMissingColumn, table: "clients", column: "region",
			tables: []string{"clients"},
		},
		{
			name:      "unique violation is not drift",
			err:       &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"},
			statement: "INSERT INTO clients (name) VALUES ($1)",
			kind:      dberr.KindUnknown,
			tables:    []string{"clients"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := d.Classify(tt.err, tt.statement)
			assert.Equal(t, tt.kind, sig.Kind)
			assert.Equal(t, tt.table, sig.Table)
			assert.Equal(t, tt.column, sig.Column)
			assert.Equal(t, tt.tables, sig.Tables)
		})
	}

	sig := d.Classify(errors.New("plain failure"), "SELECT 1")
	assert.Equal(t, dberr.KindUnknown, sig.Kind)
	assert.Equal(t, "plain failure", sig.Message)
}

func TestMySQLClassify(t *testing.T) {
	d := NewMySQL()

	tests := []struct {
		name      string
		err       error
		statement string
		kind      dberr.SignalKind
		table     string
		column    string
	}{
		{
			name:      "unknown column",
			err:       &mysql.MySQLError{Number: 1054, Message: "Unknown column 'agency_id' in 'field list'"},
			statement: "INSERT INTO profiles (agency_id) VALUES (?)",
			kind:      dberr.KindMissingColumn, table: "profiles", column: "agency_id",
		},
		{
			name:      "missing table",
			err:       &mysql.MySQLError{Number: 1146, Message: "Table 'agency_acme.leads' doesn't exist"},
			statement: "SELECT * FROM leads",
			kind:      dberr.KindMissingTable, table: "leads",
		},
		{
			name:      "column cannot be null",
			err:       &mysql.MySQLError{Number: 1048, Message: "Column 'agency_id' cannot be null"},
			statement: "UPDATE profiles SET agency_id = NULL",
			kind:      dberr.KindNotNullViolation, table: "profiles", column: "agency_id",
		},
		{
			name:      "no default value",
			err:       &mysql.MySQLError{Number: 1364, Message: "Field 'agency_id' doesn't have a default value"},
			statement: "INSERT INTO profiles (name) VALUES (?)",
			kind:      dberr.KindNotNullViolation, table: "profiles", column: "agency_id",
		},
		{
			name:      "duplicate entry",
			err:       &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '1' for key 'PRIMARY'"},
			statement: "INSERT INTO profiles (id) VALUES (?)",
			kind:      dberr.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := d.Classify(tt.err, tt.statement)
			assert.Equal(t, tt.kind, sig.Kind)
			assert.Equal(t, tt.table, sig.Table)
			assert.Equal(t, tt.column, sig.Column)
		})
	}
}

func TestConnectionClassification(t *testing.T) {
	pg := NewPostgres(DriverPQ)
	my := NewMySQL()
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	assert.True(t, pg.IsConnectionError(&pq.Error{Code: "08006"}))
	assert.True(t, pg.IsConnectionError(&pq.Error{Code: "57P01"}))
	assert.True(t, pg.IsConnectionError(&pgconn.PgError{Code: "57P03"}))
	assert.True(t, pg.IsConnectionError(driver.ErrBadConn))
	assert.True(t, pg.IsConnectionError(fmt.Errorf("dial: %w", refused)))
	assert.False(t, pg.IsConnectionError(&pq.Error{Code: "42703"}))
	assert.False(t, pg.IsConnectionError(context.DeadlineExceeded))
	assert.False(t, pg.IsConnectionError(nil))

	assert.True(t, my.IsConnectionError(mysql.ErrInvalidConn))
	assert.True(t, my.IsConnectionError(&mysql.MySQLError{Number: 1040}))
	assert.True(t, my.IsConnectionError(&mysql.MySQLError{Number: 2013}))
	assert.True(t, my.IsConnectionError(refused))
	assert.False(t, my.IsConnectionError(&mysql.MySQLError{Number: 1054}))
}

func TestErrorPredicates(t *testing.T) {
	pg := NewPostgres(DriverPGX)
	my := NewMySQL()

	assert.True(t, pg.IsAlreadyExists(&pq.Error{Code: "42P04"}))
	assert.True(t, pg.IsAlreadyExists(&pgconn.PgError{Code: "42P07"}))
	assert.False(t, pg.IsAlreadyExists(&pq.Error{Code: "42501"}))
	assert.True(t, pg.IsMissingDatabase(&pq.Error{Code: "3D000"}))
	assert.True(t, pg.IsStatementTimeout(&pq.Error{Code: "57014"}))

	assert.True(t, my.IsAlreadyExists(&mysql.MySQLError{Number: 1007}))
	assert.True(t, my.IsAlreadyExists(&mysql.MySQLError{Number: 1061}))
	assert.True(t, my.IsMissingDatabase(&mysql.MySQLError{Number: 1049}))
	assert.True(t, my.IsStatementTimeout(&mysql.MySQLError{Number: 3024}))

	code, msg, ok := pg.ErrorCode(&pq.Error{Code: "23505", Message: "duplicate key"})
	assert.True(t, ok)
	assert.Equal(t, "23505", code)
	assert.Equal(t, "duplicate key", msg)

	code, _, ok = my.ErrorCode(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	assert.True(t, ok)
	assert.Equal(t, "1062", code)

	_, msg, ok = my.ErrorCode(errors.New("other"))
	assert.False(t, ok)
	assert.Equal(t, "other", msg)
}

func TestDSN(t *testing.T) {
	target, err := connstr.Parse("postgres://app:p@ss@db:5432/agency_acme?sslmode=disable")
	require.NoError(t, err)

	dsn, err := NewPostgres(DriverPQ).DSN(target)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:p%40ss@db:5432/agency_acme?sslmode=disable", dsn)

	target, err = connstr.Parse("mysql://root:a/b@tidb:4000/agency_acme?tls=skip-verify&timeout=5s&time_zone=%27%2B00%3A00%27")
	require.NoError(t, err)

	dsn, err = NewMySQL().DSN(target)
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "a/b", cfg.Passwd)
	assert.Equal(t, "tidb:4000", cfg.Addr)
	assert.Equal(t, "agency_acme", cfg.DBName)
	assert.Equal(t, "skip-verify", cfg.TLSConfig)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "5s", cfg.Timeout.String())
	assert.Equal(t, "'+00:00'", cfg.Params["time_zone"])
}

func TestDDL(t *testing.T) {
	pg := NewPostgres(DriverPQ)
	my := NewMySQL()

	assert.Equal(t, `CREATE DATABASE "agency_acme"`, pg.CreateDatabaseSQL("agency_acme"))
	assert.Equal(t, "CREATE DATABASE `agency_acme` CHARACTER SET utf8mb4", my.CreateDatabaseSQL("agency_acme"))

	assert.Equal(t, `ALTER TABLE "profiles" ADD COLUMN IF NOT EXISTS "agency_id" BIGINT`, pg.AddColumnSQL("profiles", "agency_id", "BIGINT"))
	assert.Equal(t, "ALTER TABLE `profiles` ADD COLUMN `agency_id` BIGINT", my.AddColumnSQL("profiles", "agency_id", "BIGINT"))

	assert.Equal(t, `ALTER TABLE "profiles" ALTER COLUMN "phone" DROP NOT NULL`, pg.DropNotNullSQL("profiles", "phone", "TEXT"))
	assert.Equal(t, "ALTER TABLE `profiles` MODIFY COLUMN `phone` VARCHAR(64) NULL", my.DropNotNullSQL("profiles", "phone", "VARCHAR(64)"))

	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "idx_leads_status" ON "leads" ("status", "created_at")`,
		pg.CreateIndexSQL("idx_leads_status", "leads", []string{"status", "created_at"}))
	assert.Equal(t, "CREATE INDEX `idx_leads_status` ON `leads` (`status`)", my.CreateIndexSQL("idx_leads_status", "leads", []string{"status"}))

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "tags" (id BIGINT)`, pg.CreateTableSQL("tags", "id BIGINT"))
	assert.True(t, pg.SupportsTransactionalDDL())
	assert.False(t, my.SupportsTransactionalDDL())
	assert.Empty(t, pg.ClearActorSQL())
	assert.NotEmpty(t, my.ClearActorSQL())
}

func TestAdvisoryLock(t *testing.T) {
	tests := []struct {
		name      string
		dialect   Dialect
		lockSQL   string
		unlockSQL string
		arg       driver.Value
		held      driver.Value
		free      driver.Value
	}{
		{
			name: "postgres", dialect: NewPostgres(DriverPQ),
			lockSQL: "SELECT pg_try_advisory_lock($1)", unlockSQL: "SELECT pg_advisory_unlock($1)",
			arg: int64(42), held: true, free: false,
		},
		{
			name: "mysql", dialect: NewMySQL(),
			lockSQL: "SELECT GET_LOCK(?, 0)", unlockSQL: "SELECT RELEASE_LOCK(?)",
			arg: "tenantdb:42", held: int64(1), free: int64(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			conn, err := db.Conn(t.Context())
			require.NoError(t, err)
			defer conn.Close()

			mock.ExpectQuery(regexp.QuoteMeta(tt.lockSQL)).WithArgs(tt.arg).
				WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(tt.held))
			mock.ExpectQuery(regexp.QuoteMeta(tt.lockSQL)).WithArgs(tt.arg).
				WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(tt.free))
			mock.ExpectQuery(regexp.QuoteMeta(tt.unlockSQL)).WithArgs(tt.arg).
				WillReturnRows(sqlmock.NewRows([]string{"unlock"}).AddRow(tt.held))

			ok, err := tt.dialect.TryAdvisoryLock(t.Context(), conn, 42)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tt.dialect.TryAdvisoryLock(t.Context(), conn, 42)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tt.dialect.ReleaseAdvisoryLock(t.Context(), conn, 42))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
