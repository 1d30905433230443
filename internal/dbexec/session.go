package dbexec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// SessionConfig describes the audit context applied to a transaction.
type SessionConfig struct {
	// ActorID is bound with SetActorSQL after BEGIN. Empty skips audit context.
	ActorID     string
	SetActorSQL string
	// ClearActorSQL runs on the connection after the transaction when the
	// actor setting outlives it. Empty when the setting is transaction-local.
	ClearActorSQL string
	TxOptions     *sql.TxOptions
}

// InTransaction runs fn in a transaction on one dedicated connection and
// commits when fn succeeds. The connection is returned to the pool on every
// path, with the actor cleared first.
func InTransaction(ctx context.Context, db *sql.DB, cfg SessionConfig, fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer release(conn, cfg)

	tx, err := conn.BeginTx(ctx, cfg.TxOptions)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cfg.ActorID != "" {
		if _, err := tx.ExecContext(ctx, cfg.SetActorSQL, cfg.ActorID); err != nil {
			return fmt.Errorf("failed to set audit actor: %w", err)
		}
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func release(conn *sql.Conn, cfg SessionConfig) {
	if cfg.ActorID != "" && cfg.ClearActorSQL != "" {
		if _, err := conn.ExecContext(context.Background(), cfg.ClearActorSQL); err != nil {
			// Never hand a connection still carrying an actor back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}
	_ = conn.Close()
}
