package kokoro

import (
	"context"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected Ollama/OpenAI/noop.
// Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector dependency on
// external consumers. New() wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is a vector search index for long-term memories.
// When provided via WithSearcher, replaces the auto-detected Qdrant mirror;
// the caller then owns indexing, so the search outbox worker is not started.
// Returns memory IDs + scores; the engine hydrates full rows from Postgres.
type Searcher interface {
	Search(ctx context.Context, userID uuid.UUID, embedding []float32, minConfidence *float32, limit int) ([]SearchResult, error)
	Healthy(ctx context.Context) error
}

// LLMProvider is a custom text-generation backend registered via
// WithLLMProvider. Custom providers join the failover order after the
// providers named in KOKORO_PROVIDER_PRIORITY and are subject to the same
// retry and cooldown accounting. Streaming is emulated for them: the full
// completion is delivered as a single chunk.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Name identifies the provider in health output and logs.
	Name() string
	// Model is the model identifier reported alongside the name.
	Model() string
	// Generate produces the full completion in one call.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
