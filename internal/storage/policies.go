package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kokoro/internal/model"
)

const policyColumns = `id, version, name, content, is_active, signature, created_at`

// CreatePolicy inserts a new constitution version and makes it the active
// one. Version numbers come from MAX(version)+1, so creates take an advisory
// lock for the transaction; without it two concurrent creates would allocate
// the same version and one would die on the unique constraint.
func (db *DB) CreatePolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Policy{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, policyLockKey); err != nil {
		return model.Policy{}, fmt.Errorf("storage: lock policy version: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE policies SET is_active = false WHERE is_active`); err != nil {
		return model.Policy{}, fmt.Errorf("storage: deactivate policies: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO policies (id, version, name, content, is_active, signature, created_at)
		 VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM policies), $2, $3, true, $4, $5)
		 RETURNING version`,
		p.ID, p.Name, p.Content, p.Signature, p.CreatedAt,
	).Scan(&p.Version)
	if err != nil {
		return model.Policy{}, fmt.Errorf("storage: insert policy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Policy{}, fmt.Errorf("storage: commit policy: %w", err)
	}
	p.IsActive = true
	return p, nil
}

// GetActivePolicy returns the currently active constitution.
func (db *DB) GetActivePolicy(ctx context.Context) (model.Policy, error) {
	p, err := scanPolicy(db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE is_active ORDER BY version DESC LIMIT 1`,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, ErrNoActivePolicy
		}
		return model.Policy{}, fmt.Errorf("storage: get active policy: %w", err)
	}
	return p, nil
}

// GetPolicy returns a constitution version by ID.
func (db *DB) GetPolicy(ctx context.Context, id uuid.UUID) (model.Policy, error) {
	p, err := scanPolicy(db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, ErrNotFound
		}
		return model.Policy{}, fmt.Errorf("storage: get policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns all constitution versions, newest first.
func (db *DB) ListPolicies(ctx context.Context, limit, offset int) ([]model.Policy, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM policies`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count policies: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM policies ORDER BY version DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.ID, &p.Version, &p.Name, &p.Content, &p.IsActive, &p.Signature, &p.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, total, rows.Err()
}

// InsertAuditEvents appends a batch of policy audit events. The audit log is
// append-only and best-effort; callers buffer and flush asynchronously.
func (db *DB) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if e.Context == nil {
			e.Context = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO policy_audit_log (id, action, policy_id, user_id, context, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.Action, e.PolicyID, e.UserID, e.Context, e.CreatedAt,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("storage: insert audit events: %w", err)
		}
	}
	return nil
}

// ListAuditEvents returns recent policy audit events, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, limit, offset int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, action, policy_id, user_id, context, created_at
		 FROM policy_audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		if err := rows.Scan(&e.ID, &e.Action, &e.PolicyID, &e.UserID, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanPolicy(row pgx.Row) (model.Policy, error) {
	var p model.Policy
	err := row.Scan(&p.ID, &p.Version, &p.Name, &p.Content, &p.IsActive, &p.Signature, &p.CreatedAt)
	return p, err
}
