package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kokoro/internal/model"
)

// SearchTask is one row of the search outbox: an LTM memory change queued
// for the external vector index. Rows are written in the same transaction
// as the memory change, so the mirror never learns about a write that
// rolled back.
type SearchTask struct {
	ID        int64
	MemoryID  uuid.UUID
	UserID    uuid.UUID
	Operation string
	Attempts  int
	CreatedAt time.Time
}

// MemoryForIndex carries the fields the vector index stores per point.
// Embedding is nil when the row has no vector yet.
type MemoryForIndex struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Type       model.MemoryType
	Confidence float32
	CreatedAt  time.Time
	Embedding  []float32
}

// ClaimSearchTasks selects up to batchSize unlocked tasks under maxAttempts
// and leases them for the given duration. The select and the lease update
// commit together, so two workers never claim the same row.
func (db *DB) ClaimSearchTasks(ctx context.Context, batchSize, maxAttempts int, lease time.Duration) ([]SearchTask, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, memory_id, user_id, operation, attempts, created_at
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select search tasks: %w", err)
	}

	var tasks []SearchTask
	for rows.Next() {
		var t SearchTask
		if err := rows.Scan(&t.ID, &t.MemoryID, &t.UserID, &t.Operation, &t.Attempts, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan search task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read search tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + $1 WHERE id = ANY($2)`,
		lease, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease search tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return tasks, nil
}

// CompleteSearchTasks removes finished tasks.
func (db *DB) CompleteSearchTasks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: complete search tasks: %w", err)
	}
	return nil
}

// FailSearchTasks records a failure for each task and schedules the retry
// with exponential backoff, 2^attempts seconds capped at 5 minutes. Once
// attempts reaches the worker's maximum the row stops being claimed.
func (db *DB) FailSearchTasks(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		return fmt.Errorf("storage: fail search tasks: %w", err)
	}
	return nil
}

// DeferSearchTasks parks tasks whose memory is not indexable yet (no
// embedding) for 30 minutes. Longer than the failure backoff: the vector
// appears when the row is re-embedded, not when Qdrant recovers, so tight
// retries buy nothing.
func (db *DB) DeferSearchTasks(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + interval '30 minutes'
		 WHERE id = ANY($2)`,
		reason, ids,
	); err != nil {
		return fmt.Errorf("storage: defer search tasks: %w", err)
	}
	return nil
}

// PendingSearchCount returns the number of claimable tasks, for the
// queue-depth gauge.
func (db *DB) PendingSearchCount(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: pending search count: %w", err)
	}
	return count, nil
}

// CleanupDeadSearchTasks deletes dead-letter tasks older than the cutoff.
// Rows still under lease are left alone so a slow in-flight batch cannot
// have its bookkeeping rows deleted out from under it.
func (db *DB) CleanupDeadSearchTasks(ctx context.Context, maxAttempts int, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - $2
		   AND (locked_until IS NULL OR locked_until < now())`,
		maxAttempts, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead search tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoriesForIndex returns the index payload fields for the given memory
// IDs. Only live LTM rows come back: an ID that was deleted or moved out of
// long-term since its outbox row was written is simply absent, which the
// worker reads as "this upsert is obsolete".
func (db *DB) MemoriesForIndex(ctx context.Context, ids []uuid.UUID) ([]MemoryForIndex, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, memory_type, confidence_score, created_at, vector_embedding
		 FROM memories
		 WHERE id = ANY($1) AND tier = $2 AND `+liveClause,
		ids, model.TierLTM,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query memories for index: %w", err)
	}
	defer rows.Close()

	var results []MemoryForIndex
	for rows.Next() {
		var m MemoryForIndex
		var emb *pgvector.Vector
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Confidence, &m.CreatedAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan memory for index: %w", err)
		}
		if emb != nil {
			m.Embedding = emb.Slice()
		}
		results = append(results, m)
	}
	return results, rows.Err()
}
