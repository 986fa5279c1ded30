package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "storage: test db: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newMemory returns a valid memory for tier. Non-LTM tiers get an expiry an
// hour out so the row stays live for the duration of the test.
func newMemory(userID uuid.UUID, tier model.MemoryTier) model.Memory {
	m := model.Memory{
		ID:                uuid.New(),
		UserID:            userID,
		Type:              model.MemoryTypeLesson,
		InputContext:      "tried deploying on a friday",
		OutputResponse:    "deploys belong on tuesdays",
		Outcome:           model.OutcomeSuccess,
		EmotionalWeight:   0.3,
		ConfidenceScore:   0.8,
		ConstitutionValid: true,
		Tier:              tier,
	}
	if tier != model.TierLTM {
		expires := time.Now().Add(time.Hour)
		m.ExpiresAt = &expires
	}
	return m
}

func insertMemory(t *testing.T, m model.Memory) model.Memory {
	t.Helper()
	stored, err := testDB.InsertMemory(context.Background(), m)
	require.NoError(t, err)
	return stored
}

// unitVec returns a 384-dim unit vector along axis i. Distinct axes are
// orthogonal, which makes cosine similarity assertions exact.
func unitVec(i int) pgvector.Vector {
	v := make([]float32, 384)
	v[i] = 1
	return pgvector.NewVector(v)
}

func TestInsertMemoryFillsDefaults(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	stored, err := testDB.InsertMemory(ctx, model.Memory{
		UserID:  userID,
		Type:    model.MemoryTypeConversation,
		Outcome: model.OutcomeNeutral,
		Tier:    model.TierLTM,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.NotNil(t, stored.Tags)
	assert.NotNil(t, stored.Metadata)

	got, err := testDB.PeekMemory(ctx, userID, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, model.MemoryTypeConversation, got.Type)
	assert.Empty(t, got.Tags)
	assert.Empty(t, got.Metadata)
}

func TestGetMemoryBumpsAccessCount(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	m := insertMemory(t, newMemory(userID, model.TierLTM))

	first, err := testDB.GetMemory(ctx, userID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AccessCount)
	require.NotNil(t, first.LastAccessedAt)

	second, err := testDB.GetMemory(ctx, userID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.AccessCount)

	// Peek is a housekeeping read and must not look like a retrieval.
	peeked, err := testDB.PeekMemory(ctx, userID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, peeked.AccessCount)
}

func TestGetMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := testDB.GetMemory(ctx, userID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Rows owned by someone else are indistinguishable from missing ones.
	m := insertMemory(t, newMemory(userID, model.TierLTM))
	_, err = testDB.GetMemory(ctx, uuid.New(), m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExpiredMemoryInvisible(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m := newMemory(userID, model.TierITM)
	past := time.Now().Add(-time.Minute)
	m.ExpiresAt = &past
	m = insertMemory(t, m)

	_, err := testDB.GetMemory(ctx, userID, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.PeekMemory(ctx, userID, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	memories, total, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, memories)
	assert.Zero(t, total)
}

func TestListMemoriesFilters(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	sessionID := uuid.New()

	conv := newMemory(userID, model.TierSTM)
	conv.Type = model.MemoryTypeConversation
	conv.ConfidenceScore = 0.4
	insertMemory(t, conv)

	lesson := newMemory(userID, model.TierITM)
	lesson.SessionID = &sessionID
	insertMemory(t, lesson)

	strong := newMemory(userID, model.TierLTM)
	strong.ConfidenceScore = 0.95
	insertMemory(t, strong)

	all, total, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, total)

	tier := model.TierITM
	byTier, total, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{Tier: &tier}, 10, 0)
	require.NoError(t, err)
	require.Len(t, byTier, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.TierITM, byTier[0].Tier)

	typ := model.MemoryTypeConversation
	byType, _, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, model.MemoryTypeConversation, byType[0].Type)

	bySession, _, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{SessionID: &sessionID}, 10, 0)
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	require.NotNil(t, bySession[0].SessionID)
	assert.Equal(t, sessionID, *bySession[0].SessionID)

	minConf := float32(0.8)
	confident, _, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{MinConfidence: &minConf}, 10, 0)
	require.NoError(t, err)
	require.Len(t, confident, 1)
	assert.InDelta(t, 0.95, confident[0].ConfidenceScore, 0.001)

	// Pagination still reports the unpaged total.
	page, total, err := testDB.ListMemories(ctx, userID, storage.MemoryFilters{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, 3, total)
}

func TestSearchMemoriesByEmbedding(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	exact := newMemory(userID, model.TierLTM)
	v0 := unitVec(0)
	exact.Embedding = &v0
	insertMemory(t, exact)

	orthogonal := newMemory(userID, model.TierLTM)
	v1 := unitVec(1)
	orthogonal.Embedding = &v1
	orthogonal.ConfidenceScore = 0.2
	insertMemory(t, orthogonal)

	// No embedding: excluded from vector search entirely.
	insertMemory(t, newMemory(userID, model.TierITM))

	results, err := testDB.SearchMemoriesByEmbedding(ctx, userID, unitVec(0), 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, exact.ID, results[0].Memory.ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 0.001)
	assert.InDelta(t, 0.0, results[1].Similarity, 0.001)

	tier := model.TierLTM
	minConf := float32(0.5)
	filtered, err := testDB.SearchMemoriesByEmbedding(ctx, userID, unitVec(0), 10, &tier, &minConf)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, exact.ID, filtered[0].Memory.ID)
}

func TestUpdateMemory(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	m := insertMemory(t, newMemory(userID, model.TierLTM))

	outcome := model.OutcomeFailure
	conf := float32(0.3)
	updated, err := testDB.UpdateMemory(ctx, userID, m.ID, storage.MemoryPatch{
		Outcome:         &outcome,
		ConfidenceScore: &conf,
		Tags:            []string{"deploys"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, updated.Outcome)
	assert.InDelta(t, 0.3, updated.ConfidenceScore, 0.001)
	assert.Equal(t, []string{"deploys"}, updated.Tags)
	// Unpatched fields survive.
	assert.Equal(t, m.InputContext, updated.InputContext)
	assert.Equal(t, model.TierLTM, updated.Tier)

	_, err = testDB.UpdateMemory(ctx, userID, uuid.New(), storage.MemoryPatch{Outcome: &outcome})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSoftDeleteMemory(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	m := insertMemory(t, newMemory(userID, model.TierLTM))

	require.NoError(t, testDB.SoftDeleteMemory(ctx, userID, m.ID))

	_, err := testDB.GetMemory(ctx, userID, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting a tombstone is a not-found, not a no-op.
	assert.ErrorIs(t, testDB.SoftDeleteMemory(ctx, userID, m.ID), storage.ErrNotFound)
}

func TestPromoteMemory(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	m := insertMemory(t, newMemory(userID, model.TierSTM))

	itmExpiry := time.Now().Add(7 * 24 * time.Hour)
	promoted, err := testDB.PromoteMemory(ctx, userID, m.ID, model.TierITM, &itmExpiry)
	require.NoError(t, err)
	assert.Equal(t, model.TierITM, promoted.Tier)
	require.NotNil(t, promoted.ExpiresAt)

	// LTM promotion clears the expiry: long-term rows never age out.
	final, err := testDB.PromoteMemory(ctx, userID, m.ID, model.TierLTM, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TierLTM, final.Tier)
	assert.Nil(t, final.ExpiresAt)

	_, err = testDB.PromoteMemory(ctx, userID, uuid.New(), model.TierLTM, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPromoteEligibleITM(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	eligible := newMemory(userID, model.TierITM)
	eligible.AccessCount = 3
	insertMemory(t, eligible)

	underThreshold := newMemory(userID, model.TierITM)
	underThreshold.AccessCount = 2
	insertMemory(t, underThreshold)

	invalid := newMemory(userID, model.TierITM)
	invalid.AccessCount = 5
	invalid.ConstitutionValid = false
	insertMemory(t, invalid)

	promoted, err := testDB.PromoteEligibleITM(ctx, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, promoted, int64(1))

	got, err := testDB.PeekMemory(ctx, userID, eligible.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierLTM, got.Tier)
	assert.Nil(t, got.ExpiresAt)

	got, err = testDB.PeekMemory(ctx, userID, underThreshold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierITM, got.Tier)

	// Failing constitutional validation blocks promotion regardless of use.
	got, err = testDB.PeekMemory(ctx, userID, invalid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierITM, got.Tier)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m := newMemory(userID, model.TierITM)
	past := time.Now().Add(-time.Hour)
	m.ExpiresAt = &past
	m = insertMemory(t, m)

	swept, err := testDB.SweepExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, swept, int64(1))

	_, err = testDB.PeekMemory(ctx, userID, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	a := newMemory(userID, model.TierSTM)
	a.InputContext, a.OutputResponse = "abcd", "efgh"
	insertMemory(t, a)

	b := newMemory(userID, model.TierLTM)
	b.InputContext, b.OutputResponse = "ij", "kl"
	insertMemory(t, b)

	stats, err := testDB.MemoryStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 1, stats.CountsByTier[model.TierSTM])
	assert.Equal(t, 1, stats.CountsByTier[model.TierLTM])
	assert.Equal(t, int64(12), stats.TotalBytes)
}

func TestMemoriesByIDs(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	a := insertMemory(t, newMemory(userID, model.TierLTM))
	b := insertMemory(t, newMemory(userID, model.TierLTM))
	other := insertMemory(t, newMemory(uuid.New(), model.TierLTM))

	got, err := testDB.MemoriesByIDs(ctx, userID, []uuid.UUID{a.ID, b.ID, other.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Hydration is not a retrieval: access counters stay untouched.
	for _, m := range got {
		assert.Zero(t, m.AccessCount)
	}

	got, err = testDB.MemoriesByIDs(ctx, userID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListReflectionsSince(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	since := time.Now().Add(-time.Minute)

	old := newMemory(userID, model.TierITM)
	old.Type = model.MemoryTypeReflection
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	insertMemory(t, old)

	fresh := newMemory(userID, model.TierITM)
	fresh.Type = model.MemoryTypeReflection
	fresh = insertMemory(t, fresh)

	notReflection := newMemory(userID, model.TierITM)
	notReflection.Type = model.MemoryTypeLesson
	insertMemory(t, notReflection)

	all, err := testDB.ListReflectionsSince(ctx, since)
	require.NoError(t, err)

	var mine []model.Memory
	for _, m := range all {
		if m.UserID == userID {
			mine = append(mine, m)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, fresh.ID, mine[0].ID)
}
