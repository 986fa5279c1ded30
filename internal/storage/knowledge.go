package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// InsertDistilledKnowledge persists one synthesized principle. Rows are
// immutable; the source reflections are referenced, never modified.
func (db *DB) InsertDistilledKnowledge(ctx context.Context, k model.DistilledKnowledge) (model.DistilledKnowledge, error) {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO distilled_knowledge (id, user_id, source_reflection_ids, topic, principle, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.UserID, k.SourceReflections, k.Topic, k.Principle, k.Confidence, k.CreatedAt,
	)
	if err != nil {
		return model.DistilledKnowledge{}, fmt.Errorf("storage: insert distilled knowledge: %w", err)
	}
	return k, nil
}

// ListDistilledKnowledge returns a user's distilled principles, newest
// first, optionally filtered by topic.
func (db *DB) ListDistilledKnowledge(ctx context.Context, userID uuid.UUID, topic string, limit, offset int) ([]model.DistilledKnowledge, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	conditions := []string{"user_id = $1"}
	args := []any{userID}
	if topic != "" {
		conditions = append(conditions, "topic = $2")
		args = append(args, topic)
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, source_reflection_ids, topic, principle, confidence, created_at
		 FROM distilled_knowledge
		 WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		strings.Join(conditions, " AND "), limit, offset,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list distilled knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.DistilledKnowledge
	for rows.Next() {
		var k model.DistilledKnowledge
		if err := rows.Scan(&k.ID, &k.UserID, &k.SourceReflections, &k.Topic, &k.Principle, &k.Confidence, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan distilled knowledge: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertDistillationRun records the start of a scheduler run.
func (db *DB) InsertDistillationRun(ctx context.Context, run model.DistillationRun) (model.DistillationRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO distillation_runs (id, started_at) VALUES ($1, $2)`,
		run.ID, run.StartedAt,
	)
	if err != nil {
		return model.DistillationRun{}, fmt.Errorf("storage: insert distillation run: %w", err)
	}
	return run, nil
}

// FinishDistillationRun writes the run summary once the pass completes.
func (db *DB) FinishDistillationRun(ctx context.Context, run model.DistillationRun) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	if run.Errors == nil {
		run.Errors = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`UPDATE distillation_runs
		 SET finished_at = $2, reflections_processed = $3, knowledge_distilled = $4,
		     memories_promoted = $5, memories_expired = $6, errors = $7
		 WHERE id = $1`,
		run.ID, finished, run.ReflectionsProcessed, run.KnowledgeDistilled,
		run.MemoriesPromoted, run.MemoriesExpired, run.Errors,
	)
	if err != nil {
		return fmt.Errorf("storage: finish distillation run: %w", err)
	}
	return nil
}

// ListDistillationRuns returns recent runs, newest first.
func (db *DB) ListDistillationRuns(ctx context.Context, limit int) ([]model.DistillationRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, started_at, finished_at, reflections_processed, knowledge_distilled,
		        memories_promoted, memories_expired, errors
		 FROM distillation_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list distillation runs: %w", err)
	}
	defer rows.Close()

	var runs []model.DistillationRun
	for rows.Next() {
		var r model.DistillationRun
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.FinishedAt, &r.ReflectionsProcessed, &r.KnowledgeDistilled,
			&r.MemoriesPromoted, &r.MemoriesExpired, &r.Errors,
		); err != nil {
			return nil, fmt.Errorf("storage: scan distillation run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
