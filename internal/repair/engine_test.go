package repair

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantdb/internal/baseline"
	"tenantdb/internal/dberr"
	"tenantdb/internal/dialect"
)

type testPools struct {
	db *sql.DB
	d  dialect.Dialect
}

func (p *testPools) TenantPool(context.Context, string) (*sql.DB, error) { return p.db, nil }
func (p *testPools) Dialect() dialect.Dialect                            { return p.d }

// fakeSchema reports every column and table as present unless listed in
// missing, and every column as nullable unless listed in notNull.
type fakeSchema struct {
	mu          sync.Mutex
	missing     map[string]bool
	notNull     map[string]bool
	resyncs     int
	invalidated int
	resyncErr   error
}

func newFakeSchema() *fakeSchema {
	return &fakeSchema{missing: map[string]bool{}, notNull: map[string]bool{}}
}

func (s *fakeSchema) ApplyBaseline(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs++
	return s.resyncErr
}

func (s *fakeSchema) TableExists(_ context.Context, _ string, table string) (bool, error) {
	return !s.missing[table], nil
}

func (s *fakeSchema) ColumnExists(_ context.Context, _ string, table, column string) (bool, error) {
	return !s.missing[table+"."+column], nil
}

func (s *fakeSchema) ColumnNullable(_ context.Context, _ string, table, column string) (bool, bool, error) {
	key := table + "." + column
	return !s.notNull[key], !s.missing[key], nil
}

func (s *fakeSchema) Invalidate(string) {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

func newEngine(t *testing.T, d dialect.Dialect, schema *fakeSchema) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := baseline.LoadCatalog()
	require.NoError(t, err)
	base, err := baseline.Load(d.Name())
	require.NoError(t, err)

	e, err := New(Config{
		Pools:    &testPools{db: db, d: d},
		Schema:   schema,
		Catalog:  catalog,
		Baseline: base,
	})
	require.NoError(t, err)
	return e, mock
}

func TestRepair_TargetedColumn(t *testing.T) {
	schema := newFakeSchema()
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "profiles" ADD COLUMN IF NOT EXISTS "phone" TEXT`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Table: "profiles", Column: "phone", Code: "42703",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargeted, outcome)
	assert.Zero(t, schema.resyncs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepair_GroupAppliedTogether(t *testing.T) {
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), newFakeSchema())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "profiles" ADD COLUMN IF NOT EXISTS "agency_id" BIGINT`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "idx_profiles_agency_id" ON "profiles" ("agency_id")`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Table: "profiles", Column: "agency_id",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeGroup, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepair_ResolvesTableFromStatement(t *testing.T) {
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), newFakeSchema())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "clients" ALTER COLUMN "email" DROP NOT NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind:   dberr.KindNotNullViolation,
		Column: "email",
		Tables: []string{"clients", "invoices"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargeted, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepair_CreatesMissingTable(t *testing.T) {
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), newFakeSchema())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "inventory_movements" (id BIGSERIAL PRIMARY KEY`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingTable, Table: "inventory_movements", Code: "42P01",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTargeted, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepair_FallsBackToFullResync(t *testing.T) {
	tests := []struct {
		name string
		sig  dberr.ErrorSignal
	}{
		{"unknown column", dberr.ErrorSignal{Kind: dberr.KindMissingColumn, Table: "profiles", Column: "nickname"}},
		{"ambiguous column", dberr.ErrorSignal{Kind: dberr.KindMissingColumn, Column: "city"}},
		{"unknown kind", dberr.ErrorSignal{Kind: dberr.KindUnknown}},
		{"baseline table", dberr.ErrorSignal{Kind: dberr.KindMissingTable, Table: "contacts"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := newFakeSchema()
			e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)

			outcome, err := e.Repair(context.Background(), "acme", tt.sig)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFullResync, outcome)
			assert.Equal(t, 1, schema.resyncs)
			assert.Equal(t, 1, schema.invalidated)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepair_VerificationFailure(t *testing.T) {
	schema := newFakeSchema()
	schema.missing["profiles.phone"] = true
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ADD COLUMN IF NOT EXISTS "phone"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	sig := dberr.ErrorSignal{Kind: dberr.KindMissingColumn, Table: "profiles", Column: "phone"}
	_, err := e.Repair(context.Background(), "acme", sig)

	var failed *dberr.RepairFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, string(OutcomeTargeted), failed.Outcome)
	assert.Equal(t, sig.Column, failed.Signal.Column)
	assert.Equal(t, 1, schema.invalidated)
}

func TestRepair_NotNullStillEnforced(t *testing.T) {
	schema := newFakeSchema()
	schema.notNull["contacts.last_name"] = true
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE "contacts" ALTER COLUMN "last_name" DROP NOT NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindNotNullViolation, Table: "contacts", Column: "last_name",
	})
	var failed *dberr.RepairFailedError
	require.ErrorAs(t, err, &failed)
}

func TestRepair_RollsBackOnError(t *testing.T) {
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), newFakeSchema())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ADD COLUMN IF NOT EXISTS "agency_id"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS`)).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for table profiles"})
	mock.ExpectRollback()

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Table: "profiles", Column: "agency_id",
	})
	assert.Equal(t, OutcomeGroup, outcome)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepair_MySQLRunsSequentially(t *testing.T) {
	e, mock := newEngine(t, dialect.NewMySQL(), newFakeSchema())
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE `leads` ADD COLUMN `owner_id` VARCHAR(191)")).
		WillReturnError(&mysql.MySQLError{Number: 1060, Message: "Duplicate column name 'owner_id'"})
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX `idx_leads_owner_id` ON `leads` (`owner_id`)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Table: "leads", Column: "owner_id", Code: "1054",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeGroup, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResync_VerifiesBaselineTable(t *testing.T) {
	schema := newFakeSchema()
	schema.missing["contacts"] = true
	e, _ := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)

	outcome, err := e.Resync(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingTable, Table: "contacts",
	})
	assert.Equal(t, OutcomeFullResync, outcome)
	var failed *dberr.RepairFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, string(OutcomeFullResync), failed.Outcome)
}

func TestResync_VerifiesBaselineColumn(t *testing.T) {
	schema := newFakeSchema()
	schema.missing["clients.notes"] = true
	e, mock := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)

	outcome, err := e.Repair(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Table: "clients", Column: "notes", Code: "42703",
	})
	assert.Equal(t, OutcomeFullResync, outcome)
	assert.Equal(t, 1, schema.resyncs)
	var failed *dberr.RepairFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Error(), "clients.notes")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResync_HealsBaselineColumn(t *testing.T) {
	schema := newFakeSchema()
	e, _ := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), schema)

	outcome, err := e.Resync(context.Background(), "acme", dberr.ErrorSignal{
		Kind: dberr.KindMissingColumn, Column: "notes", Tables: []string{"clients", "contacts"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFullResync, outcome)
	assert.Equal(t, 1, schema.resyncs)
}

func TestHandles(t *testing.T) {
	e, _ := newEngine(t, dialect.NewPostgres(dialect.DriverPQ), newFakeSchema())

	tests := []struct {
		name string
		sig  dberr.ErrorSignal
		want bool
	}{
		{"missing column", dberr.ErrorSignal{Kind: dberr.KindMissingColumn, Table: "clients", Column: "notes"}, true},
		{"missing table", dberr.ErrorSignal{Kind: dberr.KindMissingTable, Table: "widgets"}, true},
		{"relaxed not null", dberr.ErrorSignal{Kind: dberr.KindNotNullViolation, Table: "clients", Column: "email"}, true},
		{"enforced not null", dberr.ErrorSignal{Kind: dberr.KindNotNullViolation, Table: "profiles", Column: "display_name"}, false},
		{"not null without table", dberr.ErrorSignal{Kind: dberr.KindNotNullViolation, Column: "display_name", Tables: []string{"profiles"}}, false},
		{"unknown", dberr.ErrorSignal{Kind: dberr.KindUnknown}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Handles(tt.sig))
		})
	}
}
