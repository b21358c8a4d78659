package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunLocked is returned when another run already holds the lock.
var ErrRunLocked = errors.New("another sync run is in progress")

// DefaultRunLockKey is the advisory lock id shared by all sync runs.
const DefaultRunLockKey int64 = 0x66696e73796e63 // "finsync"

// RunLock is a held session-level advisory lock. It lives on a dedicated
// connection so that it is released if the process dies.
type RunLock struct {
	conn *pgxpool.Conn
	key  int64
}

// TryRunLock takes the advisory lock without waiting. It returns
// ErrRunLocked when the lock is held elsewhere.
func (db *DB) TryRunLock(ctx context.Context, key int64) (*RunLock, error) {
	conn, err := db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("TryRunLock: acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("TryRunLock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, ErrRunLocked
	}
	return &RunLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *RunLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		// Closing the session drops the lock as well.
		_ = l.conn.Conn().Close(ctx)
		return fmt.Errorf("RunLock.Release: %w", err)
	}
	return nil
}
