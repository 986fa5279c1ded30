package storage

import (
	"context"
	"fmt"
)

// Advisory lock namespaces. Arbitrary but stable across releases.
const (
	// distillLockKey guards the nightly distillation run.
	distillLockKey int64 = 0x6b6f6b6f_64697374 // "kokodist"
	// policyLockKey serializes constitution version allocation.
	policyLockKey int64 = 0x6b6f6b6f_706f6c69 // "kokopoli"
)

// TryDistillLock attempts to take the cluster-wide distillation lock.
// Returns a release func when acquired, or ok=false if another replica
// holds it. The lock is session-scoped; release returns it explicitly.
func (db *DB) TryDistillLock(ctx context.Context) (ok bool, release func(), err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("storage: acquire lock conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, distillLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return false, nil, fmt.Errorf("storage: try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil, nil
	}

	release = func() {
		// Unlock on the same connection that took the lock; use a fresh
		// context so shutdown paths still release it.
		_, unlockErr := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, distillLockKey)
		if unlockErr != nil {
			db.logger.Warn("storage: advisory unlock failed", "error", unlockErr)
		}
		conn.Release()
	}
	return true, release, nil
}
