// Package kokoro boots the kokoro memory backend and exposes it as an
// embeddable library.
//
// cmd/kokoro is a thin main around this package; other Go programs can embed
// the same stack:
//
//	app, err := kokoro.New(kokoro.WithVersion(version))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// New loads configuration from the environment (plus .env in development),
// connects Postgres and Redis, runs migrations, wires the LLM orchestrator,
// the tiered memory engine, and the background pipelines, and builds the
// HTTP server. Run starts everything and blocks until ctx is cancelled or
// the server fails; it then shuts down in three phases so queued work lands
// in Postgres before connections close.
package kokoro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/chat"
	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/distill"
	"github.com/ashita-ai/kokoro/internal/llm"
	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/reflection"
	"github.com/ashita-ai/kokoro/internal/search"
	"github.com/ashita-ai/kokoro/internal/server"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/tokens"
	"github.com/ashita-ai/kokoro/internal/usage"
	"github.com/ashita-ai/kokoro/migrations"
)

const (
	// startupTimeout bounds everything New does against the network:
	// telemetry exporters, the Postgres connect, migrations, the Redis ping,
	// and the Qdrant collection check.
	startupTimeout = 30 * time.Second

	// shutdownTimeout bounds the full three-phase shutdown when Run exits.
	shutdownTimeout = 30 * time.Second
)

// App is a fully wired kokoro instance. Create one with New, start it with
// Run. An App is not restartable: after Shutdown, build a new one.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	db     *storage.DB
	tiers  *tierstore.Store
	qdrant *search.QdrantIndex // nil when the mirror is disabled

	audit        *policy.AuditBuffer
	reflector    *reflection.Worker
	distiller    *distill.Scheduler
	searchOutbox *search.OutboxWorker // nil when the mirror is disabled
	limiter      ratelimit.Limiter

	srv          *server.Server
	otelShutdown telemetry.Shutdown
	version      string
}

// New wires an App from environment configuration and the given options.
// It fails fast on anything the server cannot run without (config, Postgres,
// migrations) and degrades with a warning on optional pieces (Redis down,
// Qdrant collection not ready, no embedding backend).
func New(opts ...Option) (*App, error) {
	var resolved resolvedOptions
	for _, opt := range opts {
		opt(&resolved)
	}

	// Development convenience. Real environment variables win over .env.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if resolved.port != 0 {
		cfg.Port = resolved.port
	}
	if resolved.databaseURL != "" {
		cfg.DatabaseURL = resolved.databaseURL
	}
	if resolved.redisURL != "" {
		cfg.RedisURL = resolved.redisURL
	}

	version := resolved.version
	if version == "" {
		version = "dev"
	}

	logger := resolved.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("kokoro: init telemetry: %w", err)
	}
	stopTelemetry := func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := otelShutdown(stopCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		stopTelemetry()
		return nil, fmt.Errorf("kokoro: connect postgres: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		stopTelemetry()
		return nil, fmt.Errorf("kokoro: run migrations: %w", err)
	}
	for i, extra := range resolved.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close()
			stopTelemetry()
			return nil, fmt.Errorf("kokoro: run extra migrations [%d]: %w", i, err)
		}
	}

	tiers, err := tierstore.New(tierstore.Config{
		URL:        cfg.RedisURL,
		STMDB:      cfg.RedisSTMDB,
		ITMDB:      cfg.RedisITMDB,
		STMTTL:     cfg.STMTTL,
		ITMTTL:     cfg.ITMTTL,
		STMEntries: cfg.STMMaxEntries,
		ITMEntries: cfg.ITMMaxEntries,
	}, logger)
	if err != nil {
		db.Close()
		stopTelemetry()
		return nil, fmt.Errorf("kokoro: connect redis: %w", err)
	}
	// Redis down at boot is not fatal: tier operations degrade and readyz
	// reports it until the connection recovers.
	if err := tiers.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, tier operations degraded", "error", err)
	}

	closeAll := func() {
		if err := tiers.Close(); err != nil {
			logger.Warn("tierstore close failed", "error", err)
		}
		db.Close()
		stopTelemetry()
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("kokoro: init jwt: %w", err)
	}

	var embedder embedding.Provider
	if resolved.embeddingProvider != nil {
		embedder = &embeddingAdapter{impl: resolved.embeddingProvider}
		logger.Info("embedding provider: custom", "dimensions", resolved.embeddingProvider.Dimensions())
	} else {
		embedder, err = newEmbeddingProvider(ctx, cfg, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
	}

	audit := policy.NewAuditBuffer(db, logger, cfg.AuditBufferSize, cfg.AuditFlushInterval)
	validator := policy.New(db, audit, logger)
	quota := usage.New(db, quotaLimits(cfg, resolved.quotaLimits), logger)
	engine := memory.New(db, tiers, embedder, quota, validator, logger)

	// Long-term search mirror. A custom Searcher owns its own indexing; the
	// Qdrant path mirrors rows through the search outbox.
	var (
		qdrantIndex  *search.QdrantIndex
		searchOutbox *search.OutboxWorker
		searcher     search.Searcher
	)
	switch {
	case resolved.searcher != nil:
		searcher = &searcherAdapter{impl: resolved.searcher}
		engine.SetSearcher(searcher)
		logger.Info("search mirror: custom searcher")
	case cfg.QdrantURL != "":
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("kokoro: connect qdrant: %w", err)
		}
		// The outbox worker retries collection creation before every batch,
		// so a failure here only delays mirroring.
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			logger.Warn("qdrant collection not ready at startup", "error", err)
		}
		db.EnableSearchMirror()
		searcher = qdrantIndex
		engine.SetSearcher(searcher)
		searchOutbox = search.NewOutboxWorker(db, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("search mirror: qdrant", "collection", cfg.QdrantCollection)
	}

	providers := newLLMProviders(cfg)
	for _, p := range resolved.llmProviders {
		providers = append(providers, &llmProviderAdapter{impl: p})
	}
	orch := llm.NewOrchestrator(providers, cfg.RetryLimit, cfg.CooldownPeriod, logger)

	reflector := reflection.NewWorker(db, engine, validator, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	distiller := distill.New(db, logger, cfg.DistillHourUTC, cfg.PromotionThreshold)
	chatSvc := chat.New(db, engine, orch, quota, tiers, tokens.NewCounter(logger), logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv := server.New(server.ServerConfig{
		DB:           db,
		JWTMgr:       jwtMgr,
		ChatSvc:      chatSvc,
		Engine:       engine,
		UsageSvc:     quota,
		PolicySvc:    validator,
		Orchestrator: orch,
		Tiers:        tiers,
		Logger:       logger,

		Distiller: distiller,
		Limiter:   limiter,
		Searcher:  searcher,

		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminKeyHash:        cfg.AdminKeyHash,
	})

	logger.Info("kokoro initialized",
		"version", version,
		"port", cfg.Port,
		"providers", cfg.ProviderPriority,
		"qdrant", cfg.QdrantURL != "",
	)

	return &App{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		tiers:        tiers,
		qdrant:       qdrantIndex,
		audit:        audit,
		reflector:    reflector,
		distiller:    distiller,
		searchOutbox: searchOutbox,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		version:      version,
	}, nil
}

// Run starts the background pipelines and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Either way it runs the full Shutdown
// before returning.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.audit.Start(runCtx)
	a.reflector.Start(runCtx)
	if a.searchOutbox != nil {
		a.searchOutbox.Start(runCtx)
	}
	if err := a.distiller.Start(runCtx); err != nil {
		return fmt.Errorf("kokoro: start distiller: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("kokoro running", "port", a.cfg.Port, "version", a.version)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		return a.shutdownWithTimeout()
	case err := <-errCh:
		return errors.Join(fmt.Errorf("kokoro: http server: %w", err), a.shutdownWithTimeout())
	}
}

func (a *App) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}

// Shutdown stops the App in three phases: drain HTTP so no new work arrives,
// drain the background workers so claimed work finishes, then flush the
// audit buffer last because draining workers still emit audit events. Only
// after all three does it close connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	a.reflector.Drain(ctx)
	if a.searchOutbox != nil {
		a.searchOutbox.Drain(ctx)
	}
	a.distiller.Stop(ctx)

	a.audit.Drain(ctx)

	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			errs = append(errs, fmt.Errorf("qdrant close: %w", err))
		}
	}
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("limiter close: %w", err))
	}
	if err := a.tiers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tierstore close: %w", err))
	}
	a.db.Close()

	if err := a.otelShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	a.logger.Info("kokoro stopped")
	return errors.Join(errs...)
}

// Handler returns the root HTTP handler with the full middleware chain.
// Useful for mounting the App inside another server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// quotaLimits builds the tier table from config, then applies WithQuotaLimits
// overrides per tier.
func quotaLimits(cfg config.Config, overrides map[QuotaTier]QuotaLimits) map[model.QuotaTier]usage.Limits {
	limits := map[model.QuotaTier]usage.Limits{
		model.QuotaTierFreeTrial: {
			LLMTokensPerDay: cfg.FreeTrialTokensPerDay,
			MessagesPerDay:  cfg.FreeTrialMessagesPerDay,
			StorageBytes:    cfg.FreeTrialStorageBytes,
		},
		model.QuotaTierBasic: {
			LLMTokensPerDay: cfg.BasicTokensPerDay,
			MessagesPerDay:  cfg.BasicMessagesPerDay,
			StorageBytes:    cfg.BasicStorageBytes,
		},
		model.QuotaTierPro: {
			LLMTokensPerDay: cfg.ProTokensPerDay,
			MessagesPerDay:  cfg.ProMessagesPerDay,
			StorageBytes:    cfg.ProStorageBytes,
		},
	}
	for tier, l := range overrides {
		limits[model.QuotaTier(tier)] = usage.Limits{
			LLMTokensPerDay: l.LLMTokensPerDay,
			MessagesPerDay:  l.MessagesPerDay,
			StorageBytes:    l.StorageBytes,
		}
	}
	return limits
}

// newLLMProviders builds the generation backends in KOKORO_PROVIDER_PRIORITY
// order. Config validation already rejected unknown names. An OpenAI entry
// without an API key stays in the list as unconfigured; the orchestrator
// skips it.
func newLLMProviders(cfg config.Config) []llm.Provider {
	providers := make([]llm.Provider, 0, len(cfg.ProviderPriority))
	for _, name := range cfg.ProviderPriority {
		switch name {
		case "ollama":
			providers = append(providers, llm.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.OllamaTimeout, true))
		case "openai":
			providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAITimeout, true))
		}
	}
	return providers
}

// newEmbeddingProvider picks the embedding backend. "auto" prefers a
// reachable Ollama (vectors stay local, no per-call cost), then OpenAI when
// a key is present, then the noop provider so the write path keeps working
// without real embeddings.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("kokoro: KOKORO_EMBEDDING_PROVIDER=openai requires OPENAI_API_KEY")
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nil
	case "ollama":
		logger.Info("embedding provider: ollama", "model", cfg.OllamaEmbedModel, "dimensions", cfg.EmbeddingDimensions)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.EmbeddingDimensions), nil
	case "noop":
		logger.Warn("embedding provider: noop, semantic search uses pseudo-vectors")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	case "auto", "":
		if ollamaReachable(ctx, cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "model", cfg.OllamaEmbedModel, "dimensions", cfg.EmbeddingDimensions)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, cfg.EmbeddingDimensions), nil
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions), nil
		}
		logger.Warn("embedding provider: noop (ollama unreachable, no OPENAI_API_KEY), semantic search uses pseudo-vectors")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("kokoro: unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// ollamaReachable probes the Ollama HTTP API. Auto-detection only; an absent
// daemon must not stall boot, so the probe is capped at 2 seconds.
func ollamaReachable(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// embeddingAdapter lifts a public EmbeddingProvider into the internal
// pgvector-typed contract. This file is the only place that sees both sides
// of the boundary.
type embeddingAdapter struct {
	impl EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.impl.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.impl.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int { return a.impl.Dimensions() }

// searcherAdapter lifts a public Searcher into the internal contract.
type searcherAdapter struct {
	impl Searcher
}

func (a *searcherAdapter) Search(ctx context.Context, userID uuid.UUID, emb []float32, minConfidence *float32, limit int) ([]search.Result, error) {
	hits, err := a.impl.Search(ctx, userID, emb, minConfidence, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{MemoryID: h.MemoryID, Score: h.Score}
	}
	return out, nil
}

func (a *searcherAdapter) Healthy(ctx context.Context) error {
	return a.impl.Healthy(ctx)
}

// llmProviderAdapter lifts a public LLMProvider into the orchestrator's
// Provider contract. Custom providers are treated as always enabled and
// configured; registering one is the opt-in.
type llmProviderAdapter struct {
	impl LLMProvider
}

func (a *llmProviderAdapter) Name() string                          { return a.impl.Name() }
func (a *llmProviderAdapter) ModelName() string                     { return a.impl.Model() }
func (a *llmProviderAdapter) SupportsStreaming() bool               { return true }
func (a *llmProviderAdapter) Enabled() bool                         { return true }
func (a *llmProviderAdapter) Configured() bool                      { return true }
func (a *llmProviderAdapter) EnsureReady(ctx context.Context) error { return nil }
func (a *llmProviderAdapter) CheckHealth(ctx context.Context) error { return nil }

func (a *llmProviderAdapter) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return a.impl.Generate(ctx, publicGenerateRequest(req))
}

// Stream emulates streaming for whole-completion providers: the full text
// arrives as one chunk, then io.EOF.
func (a *llmProviderAdapter) Stream(ctx context.Context, req llm.GenerateRequest) (*llm.Stream, error) {
	text, err := a.impl.Generate(ctx, publicGenerateRequest(req))
	if err != nil {
		return nil, err
	}
	sent := false
	return llm.NewStream(func() (string, error) {
		if sent {
			return "", io.EOF
		}
		sent = true
		return text, nil
	}, nil), nil
}

func publicGenerateRequest(req llm.GenerateRequest) GenerateRequest {
	return GenerateRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
}
