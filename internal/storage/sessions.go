package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kokoro/internal/model"
)

const sessionColumns = `id, user_id, status, started_at, last_active_at, closed_at`

// EnsureSession creates the session if it does not exist, or touches
// last_active_at if it does. One statement, so concurrent turns on the same
// session never race. A session owned by another user, or already closed,
// yields ErrNotFound.
func (db *DB) EnsureSession(ctx context.Context, userID, sessionID uuid.UUID) (model.ChatSession, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO chat_sessions (id, user_id, status, started_at, last_active_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (id) DO UPDATE SET last_active_at = now()
		 WHERE chat_sessions.user_id = EXCLUDED.user_id AND chat_sessions.status = $3
		 RETURNING `+sessionColumns,
		sessionID, userID, model.SessionActive,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatSession{}, ErrNotFound
		}
		return model.ChatSession{}, fmt.Errorf("storage: ensure session: %w", err)
	}
	return s, nil
}

// GetSession returns a session owned by userID.
func (db *DB) GetSession(ctx context.Context, userID, id uuid.UUID) (model.ChatSession, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatSession{}, ErrNotFound
		}
		return model.ChatSession{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// CloseSession marks an active session closed. Closing is terminal; the STM
// buffer is left to expire on its own TTL.
func (db *DB) CloseSession(ctx context.Context, userID, id uuid.UUID) (model.ChatSession, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE chat_sessions SET status = $3, closed_at = now()
		 WHERE id = $1 AND user_id = $2 AND status = $4
		 RETURNING `+sessionColumns,
		id, userID, model.SessionClosed, model.SessionActive,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatSession{}, ErrNotFound
		}
		return model.ChatSession{}, fmt.Errorf("storage: close session: %w", err)
	}
	return s, nil
}

// CountActiveSessions returns the number of open sessions across all users.
// Feeds the active-sessions gauge.
func (db *DB) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_sessions WHERE status = $1`, model.SessionActive,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count active sessions: %w", err)
	}
	return n, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (db *DB) ListSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.ChatSession, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_sessions WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = $1 ORDER BY last_active_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.ChatSession
	for rows.Next() {
		var s model.ChatSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Status, &s.StartedAt, &s.LastActiveAt, &s.ClosedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

func scanSession(row pgx.Row) (model.ChatSession, error) {
	var s model.ChatSession
	err := row.Scan(&s.ID, &s.UserID, &s.Status, &s.StartedAt, &s.LastActiveAt, &s.ClosedAt)
	return s, err
}
