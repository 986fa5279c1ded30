package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryOnContentionSucceedsAfterSerializationFailure(t *testing.T) {
	calls := 0
	err := retryOnContention(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnContentionStopsOnPermanentError(t *testing.T) {
	boom := errors.New("constraint violation")
	calls := 0
	err := retryOnContention(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnContentionExhaustsAttempts(t *testing.T) {
	calls := 0
	err := retryOnContention(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	// Initial call plus two retries.
	assert.Equal(t, 3, calls)
}

func TestRetryOnContentionHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOnContention(ctx, 5, 10*time.Millisecond, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientConflict(t *testing.T) {
	assert.True(t, isTransientConflict(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isTransientConflict(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isTransientConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransientConflict(errors.New("plain error")))
	assert.False(t, isTransientConflict(nil))
}
