package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Maintenance statements (tier promotion, expiry sweeps) touch many rows at
// once and can lose a deadlock race against request-path row locks. Those
// losses are transient, so the nightly pass retries them instead of
// surfacing a failed run.
const (
	contentionRetries = 2
	contentionBackoff = 50 * time.Millisecond
)

// isTransientConflict reports whether err is a Postgres serialization
// failure (40001) or a detected deadlock (40P01). Anything else, constraint
// violations included, is permanent and must not be retried.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryOnContention runs fn, repeating it up to retries extra times while it
// keeps failing with a transient conflict. Waits between attempts double from
// base and carry random jitter. A canceled context ends the wait immediately.
func retryOnContention(ctx context.Context, retries int, base time.Duration, fn func() error) error {
	delay := base
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isTransientConflict(err) {
			return err
		}
		if attempt == retries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // scheduling jitter, not a secret
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
