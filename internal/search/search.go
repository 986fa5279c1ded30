// Package search mirrors long-term memory embeddings into an external
// vector index and answers LTM-scoped semantic queries from it.
//
// The mirror is an accelerator, never the source of truth: Postgres rows
// flow to the index through the search outbox, index hits are hydrated back
// from Postgres, and any mirror failure falls through to the pgvector scan.
// Only long-term memories are mirrored, so the memory engine consults the
// index solely for searches pinned to that tier.
package search

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Result holds a memory ID and its raw cosine similarity from the search
// index. The caller hydrates full Memory rows from Postgres.
type Result struct {
	MemoryID uuid.UUID
	Score    float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns memory IDs similar to the embedding, scoped to one
	// user. minConfidence, when non-nil, drops points below the bar.
	Search(ctx context.Context, userID uuid.UUID, embedding []float32, minConfidence *float32, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// Rank pairs index hits with their hydrated rows, sorts descending by
// similarity, and truncates to limit. Hits whose memory is missing from the
// map (deleted or expired between the index query and hydration) are
// dropped. Scores pass through unweighted: the mirror must rank exactly
// like the pgvector path, or a fallback would reorder results.
func Rank(results []Result, memories map[uuid.UUID]model.Memory, limit int) []model.ScoredMemory {
	scored := make([]model.ScoredMemory, 0, len(results))
	for _, r := range results {
		m, ok := memories[r.MemoryID]
		if !ok {
			continue
		}
		scored = append(scored, model.ScoredMemory{
			Memory:     m,
			Similarity: float64(r.Score),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
