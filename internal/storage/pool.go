// Package storage provides the PostgreSQL storage layer for Kokoro.
//
// It manages connection pooling (via pgxpool), embedded SQL migrations,
// and query methods for every durable table: memories with pgvector
// embeddings, the usage ledger, constitutional policies and their audit
// log, distilled knowledge, the reflection outbox, and chat sessions.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool and carries the package logger.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// mirror enables transactional search_outbox writes for LTM rows.
	// Off unless an external vector index is configured, so the outbox
	// never grows without a consumer.
	mirror bool
}

// EnableSearchMirror turns on search outbox writes. Call once during wiring,
// before the pool serves traffic.
func (db *DB) EnableSearchMirror() {
	db.mirror = true
}

// New creates a DB with a connection pool. dsn may point at Postgres
// directly or at PgBouncer; nothing here requires session state.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection so vector columns
	// encode natively. Best-effort: before migrations run the extension
	// may not exist yet, and later connections pick it up once it does.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
