package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// InsertUsage appends one entry to the usage ledger. The ledger is
// append-only; rows are never updated or deleted.
func (db *DB) InsertUsage(ctx context.Context, entry model.UsageEntry) error {
	return db.execInsertUsage(ctx, db.pool, entry)
}

func (db *DB) execInsertUsage(ctx context.Context, q execer, entry model.UsageEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	_, err := q.Exec(ctx,
		`INSERT INTO usage_ledger (id, user_id, resource_type, amount, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.ResourceType, entry.Amount, entry.Metadata, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert usage: %w", err)
	}
	return nil
}

// SumUsageSince returns the signed amount total for a user and resource from
// since onward. Callers pass the UTC midnight boundary for daily quotas.
func (db *DB) SumUsageSince(ctx context.Context, userID uuid.UUID, resource model.ResourceType, since time.Time) (int64, error) {
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_ledger
		 WHERE user_id = $1 AND resource_type = $2 AND timestamp >= $3`,
		userID, resource, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum usage: %w", err)
	}
	return total, nil
}

// UsageByDay returns per-day totals for every resource a user consumed from
// since onward, bucketed at UTC day boundaries and ordered oldest first.
func (db *DB) UsageByDay(ctx context.Context, userID uuid.UUID, since time.Time) (map[model.ResourceType][]model.DailyAmount, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT resource_type, date_trunc('day', timestamp AT TIME ZONE 'utc') AS day, SUM(amount)
		 FROM usage_ledger
		 WHERE user_id = $1 AND timestamp >= $2
		 GROUP BY resource_type, day
		 ORDER BY resource_type, day`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: usage by day: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ResourceType][]model.DailyAmount)
	for rows.Next() {
		var resource model.ResourceType
		var day time.Time
		var amount int64
		if err := rows.Scan(&resource, &day, &amount); err != nil {
			return nil, fmt.Errorf("storage: scan usage rollup: %w", err)
		}
		out[resource] = append(out[resource], model.DailyAmount{Date: day, Amount: amount})
	}
	return out, rows.Err()
}

// StorageLedgerTotal returns the net memory_storage bytes a user holds
// according to the ledger (creates minus releases).
func (db *DB) StorageLedgerTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_ledger
		 WHERE user_id = $1 AND resource_type = $2`,
		userID, model.ResourceMemoryStorage,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: storage ledger total: %w", err)
	}
	return total, nil
}
