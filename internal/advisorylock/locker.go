// Package advisorylock provides the cross-process lock that serializes
// tenant schema creation. Backends: database session locks and Redis.
package advisorylock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"tenantdb/internal/dialect"
)

// Locker is a non-blocking keyed mutual exclusion primitive shared by every
// process that serves the same tenants.
type Locker interface {
	// TryAcquire returns false without error when another holder has the key.
	TryAcquire(ctx context.Context, key int64) (bool, error)
	// Release gives up a key obtained by TryAcquire.
	Release(ctx context.Context, key int64) error
}

// DatabaseLocker uses pg_try_advisory_lock or GET_LOCK. Session locks live on
// one connection, so each held key pins a dedicated *sql.Conn until Release.
type DatabaseLocker struct {
	db      *sql.DB
	dialect dialect.Dialect

	mu   sync.Mutex
	held map[int64]*sql.Conn
}

// NewDatabaseLocker returns a locker backed by the control-plane pool.
func NewDatabaseLocker(db *sql.DB, d dialect.Dialect) *DatabaseLocker {
	return &DatabaseLocker{
		db:      db,
		dialect: d,
		held:    make(map[int64]*sql.Conn),
	}
}

func (l *DatabaseLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve lock connection: %w", err)
	}
	acquired, err := l.dialect.TryAdvisoryLock(ctx, conn, key)
	if err != nil {
		discard(conn)
		return false, err
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		// Another goroutine won the same key on a different session.
		if err := l.dialect.ReleaseAdvisoryLock(ctx, conn, key); err != nil {
			discard(conn)
			return false, nil
		}
		_ = conn.Close()
		return false, nil
	}
	l.held[key] = conn
	return true, nil
}

func (l *DatabaseLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("advisory lock %d is not held", key)
	}
	if err := l.dialect.ReleaseAdvisoryLock(ctx, conn, key); err != nil {
		discard(conn)
		return err
	}
	return conn.Close()
}

// discard closes the session instead of returning it to the pool. After a
// failed lock call the server may still hold the lock on it.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
