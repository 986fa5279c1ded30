package kokoro

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	redisURL          string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	searcher          Searcher
	llmProviders      []LLMProvider
	quotaLimits       map[QuotaTier]QuotaLimits
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (KOKORO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL env var).
// STM and ITM keep their separate logical databases on this instance.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, a JSON slog handler at the configured level writes to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/OpenAI/noop).
// The implementation's Dimensions() must match the pgvector column width
// (KOKORO_EMBEDDING_DIMENSIONS, default 384).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithSearcher replaces the auto-detected Qdrant long-term search mirror.
// The caller owns indexing for a custom searcher, so the search outbox
// worker is not started. Only the last call wins.
func WithSearcher(s Searcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithLLMProvider registers an additional generation backend after the
// providers named in KOKORO_PROVIDER_PRIORITY. Multiple providers may be
// registered; they join the failover order in registration order.
func WithLLMProvider(p LLMProvider) Option {
	return func(o *resolvedOptions) { o.llmProviders = append(o.llmProviders, p) }
}

// WithQuotaLimits overrides quota limits for individual tiers. Tiers absent
// from the map keep their configured limits. Only the last call wins.
func WithQuotaLimits(limits map[QuotaTier]QuotaLimits) Option {
	return func(o *resolvedOptions) { o.quotaLimits = limits }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the built-in migrations. Multiple filesystems may be registered; they are
// applied in registration order. Files must be .sql and are applied in
// filename order, so prefix them with a sequence number.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
