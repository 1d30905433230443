// Package schemainspect answers existence questions about databases, tables
// and columns through information_schema.
package schemainspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"tenantdb/internal/dialect"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Inspector builds catalog queries for one dialect.
type Inspector struct {
	dialect dialect.Dialect
}

// New returns an Inspector for d.
func New(d dialect.Dialect) *Inspector {
	return &Inspector{dialect: d}
}

func (i *Inspector) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(i.dialect.Placeholder())
}

func (i *Inspector) inCurrentSchema() sq.Sqlizer {
	return sq.Expr("table_schema = " + i.dialect.CurrentSchemaExpr())
}

// DatabaseExists checks the server catalog, so q must be the control-plane pool.
func (i *Inspector) DatabaseExists(ctx context.Context, q Queryer, database string) (bool, error) {
	table, column := i.dialect.DatabaseCatalog()
	query, args, err := i.builder().
		Select("1").
		From(table).
		Where(sq.Eq{column: database}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build database lookup: %w", err)
	}
	return exists(ctx, q, query, args)
}

// TableExists reports whether table exists in the connected database.
func (i *Inspector) TableExists(ctx context.Context, q Queryer, table string) (bool, error) {
	query, args, err := i.builder().
		Select("1").
		From("information_schema.tables").
		Where(i.inCurrentSchema()).
		Where(sq.Eq{"table_name": table}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build table lookup: %w", err)
	}
	return exists(ctx, q, query, args)
}

// MissingTables returns the subset of tables that do not exist, in input order.
func (i *Inspector) MissingTables(ctx context.Context, q Queryer, tables []string) ([]string, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	query, args, err := i.builder().
		Select("table_name").
		From("information_schema.tables").
		Where(i.inCurrentSchema()).
		Where(sq.Eq{"table_name": tables}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build table listing: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool, len(tables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range tables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// ColumnExists reports whether table has column.
func (i *Inspector) ColumnExists(ctx context.Context, q Queryer, table, column string) (bool, error) {
	_, found, err := i.columnNullable(ctx, q, table, column)
	return found, err
}

// ColumnNullable reports whether column accepts NULL. found is false when the
// column does not exist.
func (i *Inspector) ColumnNullable(ctx context.Context, q Queryer, table, column string) (nullable bool, found bool, err error) {
	return i.columnNullable(ctx, q, table, column)
}

func (i *Inspector) columnNullable(ctx context.Context, q Queryer, table, column string) (bool, bool, error) {
	query, args, err := i.builder().
		Select("is_nullable").
		From("information_schema.columns").
		Where(i.inCurrentSchema()).
		Where(sq.Eq{"table_name": table, "column_name": column}).
		ToSql()
	if err != nil {
		return false, false, fmt.Errorf("build column lookup: %w", err)
	}

	var nullable string
	err = q.QueryRowContext(ctx, query, args...).Scan(&nullable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return strings.EqualFold(nullable, "YES"), true, nil
}

func exists(ctx context.Context, q Queryer, query string, args []any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
