// Package dbexec runs SQL on a pool, connection or transaction and
// materializes the results.
package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"tenantdb/internal/sqlutil"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Result is a fully materialized statement result. Rows is empty for
// statements that return no rows; RowCount is then the affected row count.
type Result struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int64            `json:"row_count"`
}

// Run executes one statement. Row-returning statements are read to the end
// and closed before Run returns.
func Run(ctx context.Context, q Queryer, statement string, args ...any) (*Result, error) {
	if q == nil {
		return nil, sql.ErrConnDone
	}
	if sqlutil.ReturnsRows(statement) {
		rows, err := q.QueryContext(ctx, statement, args...)
		if err != nil {
			return nil, err
		}
		return materialize(rows)
	}

	res, err := q.ExecContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DDL on some drivers has no affected count.
		affected = 0
	}
	return &Result{Columns: []string{}, Rows: []map[string]any{}, RowCount: affected}, nil
}

func materialize(rows *sql.Rows) (*Result, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	result := &Result{Columns: columns, Rows: []map[string]any{}}

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = int64(len(result.Rows))
	return result, nil
}

// normalize copies driver-owned byte slices, which are only valid until the
// next Scan, into strings.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
