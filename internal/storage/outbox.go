package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReflectionTask is one row of the reflection outbox: an interaction queued
// for the self-assessment worker. Delivery is at-least-once; duplicate
// reflections are tolerated downstream as distinct memory rows.
type ReflectionTask struct {
	ID         int64
	UserID     uuid.UUID
	SessionID  uuid.UUID
	InputText  string
	OutputText string
	Context    map[string]any
	Attempts   int
	CreatedAt  time.Time
}

// EnqueueReflection appends a task to the reflection outbox.
func (db *DB) EnqueueReflection(ctx context.Context, t ReflectionTask) error {
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO reflection_outbox (user_id, session_id, input_text, output_text, context)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.UserID, t.SessionID, t.InputText, t.OutputText, t.Context,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue reflection: %w", err)
	}
	return nil
}

// ClaimReflectionTasks selects up to batchSize unlocked tasks under
// maxAttempts and leases them for the given duration. The select and the
// lease update commit together, so two workers never claim the same row.
func (db *DB) ClaimReflectionTasks(ctx context.Context, batchSize, maxAttempts int, lease time.Duration) ([]ReflectionTask, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, user_id, session_id, input_text, output_text, context, attempts, created_at
		 FROM reflection_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select reflection tasks: %w", err)
	}

	var tasks []ReflectionTask
	for rows.Next() {
		var t ReflectionTask
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.InputText, &t.OutputText, &t.Context, &t.Attempts, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan reflection task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read reflection tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE reflection_outbox SET locked_until = now() + $1 WHERE id = ANY($2)`,
		lease, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease reflection tasks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return tasks, nil
}

// CompleteReflectionTask removes a finished task.
func (db *DB) CompleteReflectionTask(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM reflection_outbox WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: complete reflection task: %w", err)
	}
	return nil
}

// FailReflectionTask records a failure and schedules the retry with
// exponential backoff, 2^attempts seconds capped at 5 minutes. Once
// attempts reaches the worker's maximum the row stops being claimed.
func (db *DB) FailReflectionTask(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE reflection_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail reflection task: %w", err)
	}
	return nil
}

// PendingReflectionCount returns the number of claimable tasks, for the
// queue-depth gauge.
func (db *DB) PendingReflectionCount(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reflection_outbox WHERE attempts < $1`, maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: pending reflection count: %w", err)
	}
	return count, nil
}

// CleanupDeadReflections deletes dead-letter tasks older than the cutoff.
func (db *DB) CleanupDeadReflections(ctx context.Context, maxAttempts int, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM reflection_outbox WHERE attempts >= $1 AND created_at < now() - $2`,
		maxAttempts, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead reflections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TopicTags extracts string tags from the task's context map, if the
// enqueuer attached any.
func (t ReflectionTask) TopicTags() []string {
	raw, ok := t.Context["tags"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}
