package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

func insertUsage(t *testing.T, userID uuid.UUID, resource model.ResourceType, amount int64, at time.Time) {
	t.Helper()
	err := testDB.InsertUsage(context.Background(), model.UsageEntry{
		UserID:       userID,
		ResourceType: resource,
		Amount:       amount,
		Timestamp:    at,
	})
	require.NoError(t, err)
}

func TestSumUsageSince(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	insertUsage(t, userID, model.ResourceLLMTokens, 100, now.Add(-2*time.Hour))
	insertUsage(t, userID, model.ResourceLLMTokens, 50, now.Add(-time.Minute))
	insertUsage(t, userID, model.ResourceMessages, 1, now.Add(-time.Minute))
	// Another user's consumption never leaks into the sum.
	insertUsage(t, uuid.New(), model.ResourceLLMTokens, 999, now.Add(-time.Minute))

	total, err := testDB.SumUsageSince(ctx, userID, model.ResourceLLMTokens, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)

	total, err = testDB.SumUsageSince(ctx, userID, model.ResourceLLMTokens, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)

	total, err = testDB.SumUsageSince(ctx, uuid.New(), model.ResourceLLMTokens, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStorageLedgerTotalNetsReleases(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	insertUsage(t, userID, model.ResourceMemoryStorage, 2048, now.Add(-time.Hour))
	insertUsage(t, userID, model.ResourceMemoryStorage, 1024, now.Add(-30*time.Minute))
	insertUsage(t, userID, model.ResourceMemoryStorage, -2048, now.Add(-time.Minute))

	total, err := testDB.StorageLedgerTotal(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), total)
}

func TestUsageByDay(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	insertUsage(t, userID, model.ResourceLLMTokens, 10, today.Add(-47*time.Hour))
	insertUsage(t, userID, model.ResourceLLMTokens, 20, today.Add(-46*time.Hour))
	insertUsage(t, userID, model.ResourceLLMTokens, 5, today.Add(time.Hour))
	insertUsage(t, userID, model.ResourceMessages, 2, today.Add(time.Hour))

	rollup, err := testDB.UsageByDay(ctx, userID, today.Add(-72*time.Hour))
	require.NoError(t, err)

	tokens := rollup[model.ResourceLLMTokens]
	require.Len(t, tokens, 2)
	assert.Equal(t, int64(30), tokens[0].Amount)
	assert.Equal(t, int64(5), tokens[1].Amount)
	assert.True(t, tokens[0].Date.Before(tokens[1].Date))

	messages := rollup[model.ResourceMessages]
	require.Len(t, messages, 1)
	assert.Equal(t, int64(2), messages[0].Amount)
}

func TestInsertMemoryWithUsage(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m := newMemory(userID, model.TierLTM)
	size := int64(len(m.InputContext) + len(m.OutputResponse))
	stored, err := testDB.InsertMemoryWithUsage(ctx, m, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       size,
	})
	require.NoError(t, err)

	_, err = testDB.PeekMemory(ctx, userID, stored.ID)
	require.NoError(t, err)

	total, err := testDB.StorageLedgerTotal(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, size, total)
}

func TestSoftDeleteMemoryWithUsageReleasesBytes(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m := newMemory(userID, model.TierLTM)
	size := int64(len(m.InputContext) + len(m.OutputResponse))
	stored, err := testDB.InsertMemoryWithUsage(ctx, m, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       size,
	})
	require.NoError(t, err)

	err = testDB.SoftDeleteMemoryWithUsage(ctx, userID, stored.ID, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       -size,
	})
	require.NoError(t, err)

	total, err := testDB.StorageLedgerTotal(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, total)

	// The compensating entry is only written when the delete lands.
	err = testDB.SoftDeleteMemoryWithUsage(ctx, userID, stored.ID, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       -size,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	total, err = testDB.StorageLedgerTotal(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, total)
}
