package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/testutil"
)

// newUnreachableIndex creates a QdrantIndex pointed at a local port with no
// server behind it. The gRPC connection is lazy, so construction succeeds;
// every RPC fails. Sufficient for early-return paths, error handling, and
// the health cache.
func newUnreachableIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334", // non-standard port, nothing listening
		Collection: "kokoro_test",
		Dims:       384,
	}, testutil.TestLogger())
	require.NoError(t, err, "NewQdrantIndex should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestQdrantUpsertEmptyPoints(t *testing.T) {
	idx := newUnreachableIndex(t)

	// Empty input returns before any RPC, so no server is needed.
	require.NoError(t, idx.Upsert(context.Background(), nil))
	require.NoError(t, idx.Upsert(context.Background(), []Point{}))
}

func TestQdrantDeleteByIDsEmpty(t *testing.T) {
	idx := newUnreachableIndex(t)

	require.NoError(t, idx.DeleteByIDs(context.Background(), nil))
	require.NoError(t, idx.DeleteByIDs(context.Background(), []uuid.UUID{}))
}

func TestQdrantSearchFailsWithoutServer(t *testing.T) {
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	vec := make([]float32, 384)
	results, err := idx.Search(ctx, uuid.New(), vec, nil, 10)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, results)
}

func TestQdrantSearchWithConfidenceFilter(t *testing.T) {
	// Exercises the confidence range condition; the RPC still fails without
	// a server, which is the assertion here.
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	minConf := float32(0.7)
	_, err := idx.Search(ctx, uuid.New(), make([]float32, 384), &minConf, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
}

func TestQdrantUpsertFailsWithoutServer(t *testing.T) {
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	points := []Point{
		{
			ID:         uuid.New(),
			UserID:     uuid.New(),
			Tier:       "ltm",
			Type:       "lesson",
			Confidence: 0.9,
			CreatedAt:  time.Now(),
			Embedding:  make([]float32, 384),
		},
		{
			ID:         uuid.New(),
			UserID:     uuid.New(),
			Tier:       "ltm",
			Type:       "reflection",
			Confidence: 0.5,
			CreatedAt:  time.Now(),
			Embedding:  make([]float32, 384),
		},
	}

	err := idx.Upsert(ctx, points)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant upsert 2 points")
}

func TestQdrantDeleteByIDsFailsWithoutServer(t *testing.T) {
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := idx.DeleteByIDs(ctx, []uuid.UUID{uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant delete 1 points")
}

func TestQdrantDeleteByUserFailsWithoutServer(t *testing.T) {
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := idx.DeleteByUser(ctx, uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant delete by user")
}

func TestQdrantEnsureCollectionFailsWithoutServer(t *testing.T) {
	idx := newUnreachableIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := idx.EnsureCollection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check collection exists")

	// A failure must not latch: the next call retries instead of reporting
	// a collection that was never created.
	assert.False(t, idx.ensured.Load())
	err = idx.EnsureCollection(ctx)
	require.Error(t, err)
}

func TestQdrantEnsureCollectionLatched(t *testing.T) {
	idx := newUnreachableIndex(t)

	// Simulate a prior successful run. With the flag set, EnsureCollection
	// returns immediately without touching the network.
	idx.ensured.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, idx.EnsureCollection(ctx))
}

func TestQdrantHealthyCachedResult(t *testing.T) {
	idx := newUnreachableIndex(t)

	// A fresh cached "healthy" short-circuits the RPC (which would fail).
	idx.health.Store(&healthState{checked: time.Now()})
	assert.NoError(t, idx.Healthy(context.Background()))

	// Same for a cached error.
	idx.health.Store(&healthState{
		err:     fmt.Errorf("search: qdrant unhealthy: previous failure"),
		checked: time.Now(),
	})
	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthyExpiredCache(t *testing.T) {
	idx := newUnreachableIndex(t)

	// An expired cache forces a real health check, which fails.
	idx.health.Store(&healthState{checked: time.Now().Add(-10 * time.Second)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := idx.Healthy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}

func TestQdrantHealthyConcurrent(t *testing.T) {
	idx := newUnreachableIndex(t)

	// No cached state, so every caller wants a real check; singleflight must
	// collapse them onto one RPC and share its (failing) result.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- idx.Healthy(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant unhealthy")
	}
}

func TestQdrantClose(t *testing.T) {
	idx := newUnreachableIndex(t)

	// Double-close is safe on gRPC connections; the cleanup closes again.
	assert.NoError(t, idx.Close())
}
