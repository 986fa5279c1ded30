package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kokoro/internal/model"
)

const memoryColumns = `id, user_id, session_id, memory_type, input_context, output_response,
	 outcome, emotional_weight, confidence_score, constitution_valid, tags, metadata,
	 tier, access_count, last_accessed_at, created_at, updated_at, expires_at`

// liveClause filters out soft-deleted and expired rows. Every read goes
// through it so an expired memory is indistinguishable from a missing one.
const liveClause = `(expires_at IS NULL OR expires_at > now())`

// InsertMemory inserts a memory row, filling ID and timestamps if unset.
func (db *DB) InsertMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	m = withMemoryDefaults(m)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.execInsertMemory(ctx, tx, m); err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert memory: %w", err)
	}
	if err := db.enqueueMirrorUpsert(ctx, tx, m); err != nil {
		return model.Memory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit memory insert: %w", err)
	}
	return m, nil
}

// InsertMemoryWithUsage inserts the memory and appends a usage ledger entry
// in a single transaction, so a stored memory is never unaccounted for.
func (db *DB) InsertMemoryWithUsage(ctx context.Context, m model.Memory, entry model.UsageEntry) (model.Memory, error) {
	m = withMemoryDefaults(m)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.execInsertMemory(ctx, tx, m); err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert memory: %w", err)
	}
	if err := db.execInsertUsage(ctx, tx, entry); err != nil {
		return model.Memory{}, err
	}
	if err := db.enqueueMirrorUpsert(ctx, tx, m); err != nil {
		return model.Memory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit memory insert: %w", err)
	}
	return m, nil
}

// enqueueMirrorUpsert queues an LTM row for the external vector index.
// No-op when the mirror is disabled, the row is not LTM, or it has no
// embedding to index.
func (db *DB) enqueueMirrorUpsert(ctx context.Context, q execer, m model.Memory) error {
	if !db.mirror || m.Tier != model.TierLTM || m.Embedding == nil {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO search_outbox (memory_id, user_id, operation) VALUES ($1, $2, 'upsert')`,
		m.ID, m.UserID,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue search upsert: %w", err)
	}
	return nil
}

// enqueueMirrorDelete queues removal from the external vector index.
// Harmless for rows that were never indexed.
func (db *DB) enqueueMirrorDelete(ctx context.Context, q execer, memoryID, userID uuid.UUID) error {
	if !db.mirror {
		return nil
	}
	_, err := q.Exec(ctx,
		`INSERT INTO search_outbox (memory_id, user_id, operation) VALUES ($1, $2, 'delete')`,
		memoryID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue search delete: %w", err)
	}
	return nil
}

// execer covers both *pgxpool.Pool and pgx.Tx so insert helpers can run
// standalone or inside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (db *DB) execInsertMemory(ctx context.Context, q execer, m model.Memory) error {
	_, err := q.Exec(ctx,
		`INSERT INTO memories (id, user_id, session_id, memory_type, input_context, output_response,
		 outcome, emotional_weight, confidence_score, constitution_valid, tags, metadata,
		 vector_embedding, tier, access_count, last_accessed_at, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		m.ID, m.UserID, m.SessionID, m.Type, m.InputContext, m.OutputResponse,
		m.Outcome, m.EmotionalWeight, m.ConfidenceScore, m.ConstitutionValid, m.Tags, m.Metadata,
		m.Embedding, m.Tier, m.AccessCount, m.LastAccessedAt, m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
	)
	return err
}

func withMemoryDefaults(m model.Memory) model.Memory {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m
}

// GetMemory returns a live memory owned by userID and atomically bumps its
// access counter. The touch and the read are one statement, so concurrent
// readers never lose an increment.
func (db *DB) GetMemory(ctx context.Context, userID, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE memories
		 SET access_count = access_count + 1, last_accessed_at = now()
		 WHERE id = $1 AND user_id = $2 AND `+liveClause+`
		 RETURNING `+memoryColumns,
		id, userID,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// PeekMemory reads a live memory without bumping its access counter.
// Internal callers (delete accounting, promotion bookkeeping) use this so
// housekeeping reads never look like retrievals.
func (db *DB) PeekMemory(ctx context.Context, userID, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE id = $1 AND user_id = $2 AND `+liveClause,
		id, userID,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: peek memory: %w", err)
	}
	return m, nil
}

// MemoryFilters narrows list queries. Nil fields are ignored.
type MemoryFilters struct {
	Tier          *model.MemoryTier
	Type          *model.MemoryType
	SessionID     *uuid.UUID
	MinConfidence *float32
}

// ListMemories returns live memories for a user, newest first, plus the
// total count matching the filters.
func (db *DB) ListMemories(ctx context.Context, userID uuid.UUID, f MemoryFilters, limit, offset int) ([]model.Memory, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildMemoryWhereClause(userID, f, 1)

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memories"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count memories: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM memories%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		memoryColumns, where, limit, offset,
	)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	memories, err := scanMemories(rows)
	return memories, total, err
}

// SearchMemoriesByEmbedding performs cosine similarity search over a user's
// live memories. Rows without an embedding are excluded.
func (db *DB) SearchMemoriesByEmbedding(ctx context.Context, userID uuid.UUID, queryVec pgvector.Vector, limit int, tier *model.MemoryTier, minConfidence *float32) ([]model.ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	conditions := []string{"user_id = $2", liveClause, "vector_embedding IS NOT NULL"}
	args := []any{queryVec, userID}
	idx := 3
	if tier != nil {
		conditions = append(conditions, fmt.Sprintf("tier = $%d", idx))
		args = append(args, *tier)
		idx++
	}
	if minConfidence != nil {
		conditions = append(conditions, fmt.Sprintf("confidence_score >= $%d", idx))
		args = append(args, *minConfidence)
	}

	query := fmt.Sprintf(
		`SELECT %s, 1 - (vector_embedding <=> $1) AS similarity
		 FROM memories
		 WHERE %s
		 ORDER BY similarity DESC
		 LIMIT %d`,
		memoryColumns, strings.Join(conditions, " AND "), limit,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search memories: %w", err)
	}
	defer rows.Close()

	var results []model.ScoredMemory
	for rows.Next() {
		var m model.Memory
		var similarity float64
		if err := scanMemoryFields(rows, &m, &similarity); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		results = append(results, model.ScoredMemory{Memory: m, Similarity: similarity})
	}
	return results, rows.Err()
}

// MemoriesByIDs returns the user's live memories matching ids, in no
// particular order. Used to hydrate vector-index hits from the source of
// truth; unlike GetMemory it does not bump access counters, because a
// search hit is not a read of the memory itself.
func (db *DB) MemoriesByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+`
		 FROM memories
		 WHERE id = ANY($1) AND user_id = $2 AND `+liveClause,
		ids, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query memories by ids: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoryPatch is a partial update. Nil fields are left unchanged.
type MemoryPatch struct {
	Outcome         *model.Outcome
	EmotionalWeight *float32
	ConfidenceScore *float32
	Tags            []string
	Tier            *model.MemoryTier
	ExpiresAt       **time.Time // set when Tier is set; inner nil clears expiry
}

// UpdateMemory applies a patch to a live memory and returns the updated row.
func (db *DB) UpdateMemory(ctx context.Context, userID, id uuid.UUID, patch MemoryPatch) (model.Memory, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id, userID}
	idx := 3

	if patch.Outcome != nil {
		sets = append(sets, fmt.Sprintf("outcome = $%d", idx))
		args = append(args, *patch.Outcome)
		idx++
	}
	if patch.EmotionalWeight != nil {
		sets = append(sets, fmt.Sprintf("emotional_weight = $%d", idx))
		args = append(args, *patch.EmotionalWeight)
		idx++
	}
	if patch.ConfidenceScore != nil {
		sets = append(sets, fmt.Sprintf("confidence_score = $%d", idx))
		args = append(args, *patch.ConfidenceScore)
		idx++
	}
	if patch.Tags != nil {
		sets = append(sets, fmt.Sprintf("tags = $%d", idx))
		args = append(args, patch.Tags)
		idx++
	}
	if patch.Tier != nil {
		sets = append(sets, fmt.Sprintf("tier = $%d", idx))
		args = append(args, *patch.Tier)
		idx++
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, fmt.Sprintf("expires_at = $%d", idx))
		args = append(args, *patch.ExpiresAt)
	}

	query := fmt.Sprintf(
		`UPDATE memories SET %s
		 WHERE id = $1 AND user_id = $2 AND %s
		 RETURNING %s`,
		strings.Join(sets, ", "), liveClause, memoryColumns,
	)

	m, err := scanMemory(db.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: update memory: %w", err)
	}
	return m, nil
}

// SoftDeleteMemory tombstones a live memory by setting expires_at to now.
func (db *DB) SoftDeleteMemory(ctx context.Context, userID, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE memories SET expires_at = now(), updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND `+liveClause,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := db.enqueueMirrorDelete(ctx, tx, id, userID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit memory delete: %w", err)
	}
	return nil
}

// SoftDeleteMemoryWithUsage tombstones the memory and appends the
// compensating (negative) storage ledger entry in one transaction.
func (db *DB) SoftDeleteMemoryWithUsage(ctx context.Context, userID, id uuid.UUID, entry model.UsageEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE memories SET expires_at = now(), updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND `+liveClause,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := db.execInsertUsage(ctx, tx, entry); err != nil {
		return err
	}
	if err := db.enqueueMirrorDelete(ctx, tx, id, userID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit memory delete: %w", err)
	}
	return nil
}

// PromoteMemory moves a live memory to targetTier with the given expiry.
// expiresAt nil means the row never expires (the LTM contract).
func (db *DB) PromoteMemory(ctx context.Context, userID, id uuid.UUID, targetTier model.MemoryTier, expiresAt *time.Time) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE memories SET tier = $3, expires_at = $4, updated_at = now()
		 WHERE id = $1 AND user_id = $2 AND `+liveClause+`
		 RETURNING `+memoryColumns,
		id, userID, targetTier, expiresAt,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, ErrNotFound
		}
		return model.Memory{}, fmt.Errorf("storage: promote memory: %w", err)
	}

	// The mirror only holds LTM rows: promotion into LTM indexes the row,
	// movement out of LTM removes it.
	if targetTier == model.TierLTM {
		hasVec, err := db.memoryHasEmbedding(ctx, tx, id)
		if err != nil {
			return model.Memory{}, err
		}
		if hasVec {
			mm := m
			mm.Embedding = &pgvector.Vector{} // non-nil marker for the enqueue guard
			if err := db.enqueueMirrorUpsert(ctx, tx, mm); err != nil {
				return model.Memory{}, err
			}
		}
	} else if err := db.enqueueMirrorDelete(ctx, tx, id, userID); err != nil {
		return model.Memory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit promote: %w", err)
	}
	return m, nil
}

func (db *DB) memoryHasEmbedding(ctx context.Context, q pgx.Tx, id uuid.UUID) (bool, error) {
	var hasVec bool
	if err := q.QueryRow(ctx,
		`SELECT vector_embedding IS NOT NULL FROM memories WHERE id = $1`, id,
	).Scan(&hasVec); err != nil {
		return false, fmt.Errorf("storage: check embedding: %w", err)
	}
	return hasVec, nil
}

// MemoryStats returns live per-tier counts and the text byte footprint.
func (db *DB) MemoryStats(ctx context.Context, userID uuid.UUID) (model.MemoryStats, error) {
	stats := model.MemoryStats{CountsByTier: make(map[model.MemoryTier]int)}

	rows, err := db.pool.Query(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(length(input_context) + length(output_response)), 0)
		 FROM memories
		 WHERE user_id = $1 AND `+liveClause+`
		 GROUP BY tier`,
		userID,
	)
	if err != nil {
		return model.MemoryStats{}, fmt.Errorf("storage: memory stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier model.MemoryTier
		var count int
		var bytes int64
		if err := rows.Scan(&tier, &count, &bytes); err != nil {
			return model.MemoryStats{}, fmt.Errorf("storage: scan memory stats: %w", err)
		}
		stats.CountsByTier[tier] = count
		stats.TotalCount += count
		stats.TotalBytes += bytes
	}
	return stats, rows.Err()
}

// ListReflectionsSince returns live reflection memories created at or after
// since, across all users, ordered by user then creation time. Feeds the
// nightly distillation pass.
func (db *DB) ListReflectionsSince(ctx context.Context, since time.Time) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+`
		 FROM memories
		 WHERE memory_type = $1 AND created_at >= $2 AND `+liveClause+`
		 ORDER BY user_id, created_at ASC`,
		model.MemoryTypeReflection, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list reflections: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// PromoteEligibleITM promotes every live ITM memory that has been accessed
// at least threshold times and passed constitutional validation. Promoted
// rows become LTM and never expire; embedded ones are queued for the search
// mirror like any other LTM arrival. The bulk update contends with
// request-path access bumps, so a lost deadlock race is retried.
func (db *DB) PromoteEligibleITM(ctx context.Context, threshold int) (int64, error) {
	query := `WITH promoted AS (
		 UPDATE memories
		 SET tier = $1, expires_at = NULL, updated_at = now()
		 WHERE tier = $2 AND access_count >= $3 AND constitution_valid AND ` + liveClause + `
		 RETURNING id, user_id, vector_embedding IS NOT NULL AS has_vec
	 )`
	if db.mirror {
		query += `, queued AS (
		 INSERT INTO search_outbox (memory_id, user_id, operation)
		 SELECT id, user_id, 'upsert' FROM promoted WHERE has_vec
	 )`
	}
	query += ` SELECT count(*) FROM promoted`

	var promoted int64
	err := retryOnContention(ctx, contentionRetries, contentionBackoff, func() error {
		if err := db.pool.QueryRow(ctx, query,
			model.TierLTM, model.TierITM, threshold,
		).Scan(&promoted); err != nil {
			return fmt.Errorf("storage: promote eligible itm: %w", err)
		}
		return nil
	})
	return promoted, err
}

// SweepExpired re-marks already-past expiries on non-LTM rows so the nightly
// run can count tombstones. Reads never see these rows either way.
func (db *DB) SweepExpired(ctx context.Context) (int64, error) {
	var swept int64
	err := retryOnContention(ctx, contentionRetries, contentionBackoff, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE memories
			 SET expires_at = now(), updated_at = now()
			 WHERE tier <> $1 AND expires_at IS NOT NULL AND expires_at < now()`,
			model.TierLTM,
		)
		if err != nil {
			return fmt.Errorf("storage: sweep expired: %w", err)
		}
		swept = tag.RowsAffected()
		return nil
	})
	return swept, err
}

func buildMemoryWhereClause(userID uuid.UUID, f MemoryFilters, startArgIdx int) (string, []any) {
	conditions := []string{fmt.Sprintf("user_id = $%d", startArgIdx), liveClause}
	args := []any{userID}
	idx := startArgIdx + 1

	if f.Tier != nil {
		conditions = append(conditions, fmt.Sprintf("tier = $%d", idx))
		args = append(args, *f.Tier)
		idx++
	}
	if f.Type != nil {
		conditions = append(conditions, fmt.Sprintf("memory_type = $%d", idx))
		args = append(args, *f.Type)
		idx++
	}
	if f.SessionID != nil {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", idx))
		args = append(args, *f.SessionID)
		idx++
	}
	if f.MinConfidence != nil {
		conditions = append(conditions, fmt.Sprintf("confidence_score > $%d", idx))
		args = append(args, *f.MinConfidence)
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(
		&m.ID, &m.UserID, &m.SessionID, &m.Type, &m.InputContext, &m.OutputResponse,
		&m.Outcome, &m.EmotionalWeight, &m.ConfidenceScore, &m.ConstitutionValid, &m.Tags, &m.Metadata,
		&m.Tier, &m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
	)
	return m, err
}

func scanMemoryFields(rows pgx.Rows, m *model.Memory, similarity *float64) error {
	return rows.Scan(
		&m.ID, &m.UserID, &m.SessionID, &m.Type, &m.InputContext, &m.OutputResponse,
		&m.Outcome, &m.EmotionalWeight, &m.ConfidenceScore, &m.ConstitutionValid, &m.Tags, &m.Metadata,
		&m.Tier, &m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		similarity,
	)
}

func scanMemories(rows pgx.Rows) ([]model.Memory, error) {
	var memories []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(
			&m.ID, &m.UserID, &m.SessionID, &m.Type, &m.InputContext, &m.OutputResponse,
			&m.Outcome, &m.EmotionalWeight, &m.ConfidenceScore, &m.ConstitutionValid, &m.Tags, &m.Metadata,
			&m.Tier, &m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
