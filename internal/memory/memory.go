// Package memory implements the tiered memory engine.
//
// The engine is the write path for every memory row: it validates payloads,
// runs constitutional checks, computes embeddings, enforces storage quotas,
// and keeps the Redis tier references in step with Postgres. Reads hydrate
// prompt context from all three tiers with fixed, deterministic shaping.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/search"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/usage"
)

// ErrInvalidInput marks payload validation failures. The HTTP boundary maps
// it to 400.
var ErrInvalidInput = errors.New("memory: invalid input")

// Context shaping constants. These are part of the engine contract: prompts
// built from the same stored state must come out identical.
const (
	defaultSTMWindow  = 5
	itmContextSize    = 2
	ltmContextSize    = 5
	contextSnippetLen = 200
)

// ltmMinConfidence filters low-confidence memories out of prompt context.
const ltmMinConfidence float32 = 0.7

// Context is the assembled prompt context for one interaction: the session's
// recent turns, the user's most-accessed intermediate memories, and recent
// high-confidence long-term memories. ITM and LTM texts are truncated to
// contextSnippetLen runes.
type Context struct {
	STM []model.Interaction `json:"stm"`
	ITM []model.Memory      `json:"itm"`
	LTM []model.Memory      `json:"ltm"`
}

// Engine coordinates the relational store, the Redis tier store, the
// embedding provider, quota enforcement, and constitutional validation.
type Engine struct {
	db        *storage.DB
	tiers     *tierstore.Store
	embedder  embedding.Provider
	quota     *usage.Service
	validator *policy.Service
	searcher  search.Searcher
	logger    *slog.Logger
}

func New(db *storage.DB, tiers *tierstore.Store, embedder embedding.Provider, quota *usage.Service, validator *policy.Service, logger *slog.Logger) *Engine {
	return &Engine{
		db:        db,
		tiers:     tiers,
		embedder:  embedder,
		quota:     quota,
		validator: validator,
		logger:    logger,
	}
}

// SetSearcher installs the optional vector index mirror. Only long-term
// memories are mirrored, so searches pinned to that tier prefer the index
// and fall through to pgvector when it is unhealthy, errors, or misses.
func (e *Engine) SetSearcher(s search.Searcher) {
	e.searcher = s
}

// Store validates, embeds, and persists a new memory. ITM and LTM stores are
// quota-gated up front using the size estimate that is also recorded in the
// ledger, so the pre-check and the accounting can never disagree. A failed
// embedding downgrades the write (the row is stored without a vector and
// excluded from semantic search) rather than rejecting it.
func (e *Engine) Store(ctx context.Context, quotaTier model.QuotaTier, req model.StoreMemoryRequest) (model.Memory, error) {
	if err := model.ValidateMemoryPayload(req); err != nil {
		return model.Memory{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tier := req.Tier
	if tier == "" {
		tier = model.TierSTM
	}

	m := model.Memory{
		ID:              uuid.New(),
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Type:            req.Type,
		InputContext:    req.InputContext,
		OutputResponse:  req.OutputResponse,
		Outcome:         req.Outcome,
		EmotionalWeight: req.EmotionalWeight,
		ConfidenceScore: req.ConfidenceScore,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		Tier:            tier,
		ExpiresAt:       e.expiryFor(tier),
	}

	size := usage.EstimateMemorySize(m, e.embedder.Dimensions())
	if tier == model.TierITM || tier == model.TierLTM {
		if err := e.quota.CheckQuota(ctx, req.UserID, quotaTier, model.ResourceMemoryStorage, size); err != nil {
			return model.Memory{}, err
		}
	}

	res := e.validator.ValidateContent(ctx, req.InputContext+"\n\n"+req.OutputResponse, map[string]any{
		"operation":   "store_memory",
		"memory_type": string(req.Type),
	})
	m.ConstitutionValid = res.Passed()

	if vec, err := e.embed(ctx, req.InputContext+"\n"+req.OutputResponse); err != nil {
		if ctx.Err() != nil {
			return model.Memory{}, ctx.Err()
		}
		e.logger.Warn("embedding unavailable, storing memory without vector",
			"user_id", req.UserID, "memory_type", req.Type, "error", err)
	} else {
		m.Embedding = &vec
	}

	entry := model.UsageEntry{
		UserID:       req.UserID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       size,
		Metadata: map[string]any{
			"operation": "create",
			"memory_id": m.ID.String(),
			"tier":      string(tier),
		},
	}

	stored, err := e.db.InsertMemoryWithUsage(ctx, m, entry)
	if err != nil {
		return model.Memory{}, err
	}

	if tier == model.TierITM {
		// The row is committed; a failed reference write leaves the ITM set
		// to self-heal on the next access, so the store still succeeds.
		if err := e.tiers.StoreITM(ctx, req.UserID, stored.ID, 1); err != nil {
			e.logger.Error("itm reference write failed", "memory_id", stored.ID, "error", err)
		}
	}

	e.countTier(ctx, "memory_storage_total", string(tier))
	return stored, nil
}

// Get returns a live memory and counts the access. ITM hits also bump the
// Redis access score so the hot ranking tracks the authoritative counter.
func (e *Engine) Get(ctx context.Context, userID, id uuid.UUID) (model.Memory, error) {
	m, err := e.db.GetMemory(ctx, userID, id)
	if err != nil {
		return model.Memory{}, err
	}

	if m.Tier == model.TierITM {
		if _, err := e.tiers.IncrementITMAccess(ctx, userID, id); err != nil {
			e.logger.Warn("itm access increment failed", "memory_id", id, "error", err)
		}
	}

	e.countTier(ctx, "memory_retrieval_total", string(m.Tier))
	return m, nil
}

// List returns live memories newest first plus the total matching count.
func (e *Engine) List(ctx context.Context, userID uuid.UUID, f storage.MemoryFilters, limit, offset int) ([]model.Memory, int, error) {
	return e.db.ListMemories(ctx, userID, f, limit, offset)
}

// Search embeds the query and ranks the user's live memories by cosine
// similarity. Unlike stores, a failed embedding fails the search: there is
// no degraded mode for a semantic query.
func (e *Engine) Search(ctx context.Context, userID uuid.UUID, query string, limit int, tier *model.MemoryTier, minConfidence *float32) ([]model.ScoredMemory, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if tier != nil && !model.ValidTier(*tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, *tier)
	}

	vec, err := e.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	start := time.Now()
	scored, served := e.mirrorSearch(ctx, userID, vec, tier, minConfidence, limit)
	if !served {
		scored, err = e.db.SearchMemoriesByEmbedding(ctx, userID, vec, limit, tier, minConfidence)
		if err != nil {
			return nil, err
		}
	}

	meter := telemetry.Meter("kokoro/memory")
	if hist, herr := meter.Float64Histogram("vector_search_latency_seconds"); herr == nil {
		hist.Record(ctx, time.Since(start).Seconds())
	}
	label := "all"
	if tier != nil {
		label = string(*tier)
	}
	e.countTier(ctx, "memory_search_total", label)

	return scored, nil
}

// mirrorSearch serves an LTM-scoped query from the vector index when one is
// installed. Any miss reports served=false and the caller falls through to
// pgvector: the index holds only long-term rows and may lag the outbox, so
// it accelerates but never answers for the source of truth.
func (e *Engine) mirrorSearch(ctx context.Context, userID uuid.UUID, vec pgvector.Vector, tier *model.MemoryTier, minConfidence *float32, limit int) ([]model.ScoredMemory, bool) {
	if e.searcher == nil || tier == nil || *tier != model.TierLTM {
		return nil, false
	}
	if err := e.searcher.Healthy(ctx); err != nil {
		e.logger.Warn("memory: search mirror unavailable, using pgvector", "error", err)
		return nil, false
	}

	hits, err := e.searcher.Search(ctx, userID, vec.Slice(), minConfidence, limit)
	if err != nil {
		e.logger.Warn("memory: search mirror query failed, using pgvector", "error", err)
		return nil, false
	}
	if len(hits) == 0 {
		return nil, false
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	memories, err := e.db.MemoriesByIDs(ctx, userID, ids)
	if err != nil {
		e.logger.Warn("memory: hydrate mirror hits failed, using pgvector", "error", err)
		return nil, false
	}
	byID := make(map[uuid.UUID]model.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	scored := search.Rank(hits, byID, limit)
	if len(scored) == 0 {
		return nil, false
	}
	return scored, true
}

// Update applies a partial patch. A tier change through Update follows the
// same expiry policy and Redis bookkeeping as Promote.
func (e *Engine) Update(ctx context.Context, userID, id uuid.UUID, req model.UpdateMemoryRequest) (model.Memory, error) {
	if err := validatePatch(req); err != nil {
		return model.Memory{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	patch := storage.MemoryPatch{
		Outcome:         req.Outcome,
		EmotionalWeight: req.EmotionalWeight,
		ConfidenceScore: req.ConfidenceScore,
		Tags:            req.Tags,
	}
	if req.Tier != nil {
		patch.Tier = req.Tier
		exp := e.expiryFor(*req.Tier)
		patch.ExpiresAt = &exp
	}

	updated, err := e.db.UpdateMemory(ctx, userID, id, patch)
	if err != nil {
		return model.Memory{}, err
	}

	if req.Tier != nil {
		e.syncTierRefs(ctx, updated)
	}
	return updated, nil
}

// Delete tombstones the memory and records the compensating negative
// storage entry sized from the row as it stood.
func (e *Engine) Delete(ctx context.Context, userID, id uuid.UUID) error {
	m, err := e.db.PeekMemory(ctx, userID, id)
	if err != nil {
		return err
	}

	entry := model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMemoryStorage,
		Amount:       -usage.EstimateMemorySize(m, e.embedder.Dimensions()),
		Metadata: map[string]any{
			"operation": "delete",
			"memory_id": id.String(),
			"tier":      string(m.Tier),
		},
	}
	if err := e.db.SoftDeleteMemoryWithUsage(ctx, userID, id, entry); err != nil {
		return err
	}

	if err := e.tiers.RemoveFromITM(ctx, userID, id); err != nil {
		e.logger.Warn("itm reference cleanup failed", "memory_id", id, "error", err)
	}
	return nil
}

// Promote moves a memory to targetTier, adjusting expiry per the tier
// policy: LTM rows never expire, STM and ITM restart their windows.
// Promoting to the current tier is a no-op.
func (e *Engine) Promote(ctx context.Context, userID, id uuid.UUID, targetTier model.MemoryTier) (model.Memory, error) {
	if !model.ValidTier(targetTier) {
		return model.Memory{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, targetTier)
	}

	current, err := e.db.PeekMemory(ctx, userID, id)
	if err != nil {
		return model.Memory{}, err
	}
	if current.Tier == targetTier {
		return current, nil
	}

	promoted, err := e.db.PromoteMemory(ctx, userID, id, targetTier, e.expiryFor(targetTier))
	if err != nil {
		return model.Memory{}, err
	}

	e.syncTierRefs(ctx, promoted)

	meter := telemetry.Meter("kokoro/memory")
	if counter, cerr := meter.Int64Counter("memory_promotion_total"); cerr == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("from_tier", string(current.Tier)),
			attribute.String("to_tier", string(targetTier)),
		))
	}
	return promoted, nil
}

// BuildContext assembles the prompt context: the session's last turns from
// STM, the two hottest ITM memories, and the five most recent LTM memories
// above the confidence floor. The three tiers are fetched concurrently.
// ITM hydration counts as access, which is what drives usage-based
// promotion.
func (e *Engine) BuildContext(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, limit int) (Context, error) {
	if limit <= 0 {
		limit = defaultSTMWindow
	}

	var out Context
	g, gctx := errgroup.WithContext(ctx)

	if sessionID != nil {
		g.Go(func() error {
			recs, err := e.tiers.GetSTM(gctx, *sessionID, limit)
			if err != nil {
				return err
			}
			out.STM = recs
			return nil
		})
	}

	g.Go(func() error {
		hydrated, err := e.hydrateITM(gctx, userID)
		if err != nil {
			return err
		}
		out.ITM = hydrated
		return nil
	})

	g.Go(func() error {
		ltmTier := model.TierLTM
		minConf := ltmMinConfidence
		recent, _, err := e.db.ListMemories(gctx, userID, storage.MemoryFilters{
			Tier:          &ltmTier,
			MinConfidence: &minConf,
		}, ltmContextSize, 0)
		if err != nil {
			return err
		}
		for i := range recent {
			recent[i].InputContext = truncate(recent[i].InputContext, contextSnippetLen)
			recent[i].OutputResponse = truncate(recent[i].OutputResponse, contextSnippetLen)
		}
		out.LTM = recent
		return nil
	})

	if err := g.Wait(); err != nil {
		return Context{}, err
	}
	return out, nil
}

// hydrateITM resolves the top ITM references against Postgres. References to
// rows that have since expired, been deleted, or left the ITM tier (the
// nightly bulk promotion does not touch Redis) are dropped from the set.
func (e *Engine) hydrateITM(ctx context.Context, userID uuid.UUID) ([]model.Memory, error) {
	refs, err := e.tiers.GetITM(ctx, userID, itmContextSize)
	if err != nil {
		return nil, err
	}

	hydrated := make([]model.Memory, 0, len(refs))
	for _, ref := range refs {
		m, err := e.db.GetMemory(ctx, userID, ref.MemoryID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && m.Tier != model.TierITM) {
			if rerr := e.tiers.RemoveFromITM(ctx, userID, ref.MemoryID); rerr != nil {
				e.logger.Warn("stale itm reference cleanup failed", "memory_id", ref.MemoryID, "error", rerr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := e.tiers.IncrementITMAccess(ctx, userID, ref.MemoryID); err != nil {
			e.logger.Warn("itm access increment failed", "memory_id", ref.MemoryID, "error", err)
		}
		m.InputContext = truncate(m.InputContext, contextSnippetLen)
		m.OutputResponse = truncate(m.OutputResponse, contextSnippetLen)
		hydrated = append(hydrated, m)
	}
	return hydrated, nil
}

// Stats reports the live per-tier memory footprint from the relational
// store. The ledger-based view lives on the usage service.
func (e *Engine) Stats(ctx context.Context, userID uuid.UUID) (model.MemoryStats, error) {
	return e.db.MemoryStats(ctx, userID)
}

// expiryFor returns the tier's expiry: nil for LTM (never expires), the
// configured retention window for STM and ITM.
func (e *Engine) expiryFor(tier model.MemoryTier) *time.Time {
	var ttl time.Duration
	switch tier {
	case model.TierSTM:
		ttl = e.tiers.STMTTL()
	case model.TierITM:
		ttl = e.tiers.ITMTTL()
	default:
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

// syncTierRefs reconciles the Redis ITM set after a tier change: a row
// entering ITM is upserted at its authoritative access count, a row in any
// other tier must not be referenced. Failures are logged, not returned; the
// Postgres row is canonical and the set self-heals on access.
func (e *Engine) syncTierRefs(ctx context.Context, m model.Memory) {
	var err error
	if m.Tier == model.TierITM {
		err = e.tiers.StoreITM(ctx, m.UserID, m.ID, m.AccessCount)
	} else {
		err = e.tiers.RemoveFromITM(ctx, m.UserID, m.ID)
	}
	if err != nil {
		e.logger.Error("itm reference sync failed", "memory_id", m.ID, "tier", m.Tier, "error", err)
	}
}

// embed runs the provider and observes generation latency on success.
func (e *Engine) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	start := time.Now()
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	if hist, herr := telemetry.Meter("kokoro/memory").Float64Histogram("embedding_generation_latency_seconds"); herr == nil {
		hist.Record(ctx, time.Since(start).Seconds())
	}
	return vec, nil
}

func (e *Engine) countTier(ctx context.Context, name, tier string) {
	if counter, err := telemetry.Meter("kokoro/memory").Int64Counter(name); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("tier", tier)))
	}
}

func validatePatch(req model.UpdateMemoryRequest) error {
	if req.Outcome != nil && !model.ValidOutcome(*req.Outcome) {
		return fmt.Errorf("unknown outcome %q", *req.Outcome)
	}
	if req.EmotionalWeight != nil && (*req.EmotionalWeight < -1 || *req.EmotionalWeight > 1) {
		return fmt.Errorf("emotional_weight must be in [-1, 1]")
	}
	if req.ConfidenceScore != nil && (*req.ConfidenceScore < 0 || *req.ConfidenceScore > 1) {
		return fmt.Errorf("confidence_score must be in [0, 1]")
	}
	if req.Tier != nil && !model.ValidTier(*req.Tier) {
		return fmt.Errorf("unknown tier %q", *req.Tier)
	}
	if len(req.Tags) > model.MaxTagCount {
		return fmt.Errorf("at most %d tags allowed", model.MaxTagCount)
	}
	for i, tag := range req.Tags {
		if tag == "" {
			return fmt.Errorf("tags[%d] is empty", i)
		}
		if len(tag) > model.MaxTagLen {
			return fmt.Errorf("tags[%d] exceeds maximum length of %d characters", i, model.MaxTagLen)
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
