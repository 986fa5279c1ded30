// Package tierstore keeps the two ephemeral memory tiers in Redis: the
// per-session STM ring buffer and the per-user ITM index of memory ids
// scored by access count. The tiers live in separate logical databases so
// their keyspaces cannot collide.
package tierstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

const (
	stmKeyPrefix = "stm:"
	itmKeyPrefix = "itm:"

	defaultSTMTTL     = time.Hour
	defaultITMTTL     = 7 * 24 * time.Hour
	defaultSTMEntries = 20
	defaultITMEntries = 100
)

const (
	// Append one interaction, keep the newest ring-size entries, restart
	// the absolute TTL.
	// KEYS[1]: STM list key
	// ARGV[1]: ring size
	// ARGV[2]: TTL seconds
	// ARGV[3]: serialized interaction
	// Returns: list length after the write.
	stmAppendScript = `
		redis.call('RPUSH', KEYS[1], ARGV[3])
		redis.call('LTRIM', KEYS[1], -tonumber(ARGV[1]), -1)
		redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
		return redis.call('LLEN', KEYS[1])
	`

	// Upsert a memory id with the given score, extend the TTL, evict the
	// lowest-scored entries beyond the cap.
	// KEYS[1]: ITM sorted set key
	// ARGV[1]: set cap
	// ARGV[2]: TTL seconds
	// ARGV[3]: score
	// ARGV[4]: memory id
	// Returns: set cardinality after the write.
	itmStoreScript = `
		redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[4])
		redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
		local cap = tonumber(ARGV[1])
		local size = redis.call('ZCARD', KEYS[1])
		if size > cap then
			redis.call('ZREMRANGEBYRANK', KEYS[1], 0, size - cap - 1)
		end
		return redis.call('ZCARD', KEYS[1])
	`

	// Bump a memory's access score and extend the TTL.
	// KEYS[1]: ITM sorted set key
	// ARGV[1]: TTL seconds
	// ARGV[2]: memory id
	// Returns: the new score.
	itmIncrScript = `
		local score = redis.call('ZINCRBY', KEYS[1], 1, ARGV[2])
		redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
		return score
	`
)

// Config carries connection and tier policy settings.
type Config struct {
	URL        string
	STMDB      int
	ITMDB      int
	STMTTL     time.Duration
	ITMTTL     time.Duration
	STMEntries int
	ITMEntries int
}

// ITMEntry is one member of a user's intermediate-tier index.
type ITMEntry struct {
	MemoryID    uuid.UUID
	AccessCount int64
}

// Store is the Redis-backed tier store. Every operation is atomic with
// respect to other clients; append+truncate+TTL runs as one script.
type Store struct {
	stm    *redis.Client
	itm    *redis.Client
	stmTTL time.Duration
	itmTTL time.Duration
	stmMax int
	itmMax int
	logger *slog.Logger
}

// New connects both tier clients from one URL, overriding the logical
// database per tier.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("tierstore: parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.STMTTL <= 0 {
		cfg.STMTTL = defaultSTMTTL
	}
	if cfg.ITMTTL <= 0 {
		cfg.ITMTTL = defaultITMTTL
	}
	if cfg.STMEntries <= 0 {
		cfg.STMEntries = defaultSTMEntries
	}
	if cfg.ITMEntries <= 0 {
		cfg.ITMEntries = defaultITMEntries
	}

	stmOpt := *opt
	stmOpt.DB = cfg.STMDB
	itmOpt := *opt
	itmOpt.DB = cfg.ITMDB

	s := &Store{
		stm:    redis.NewClient(&stmOpt),
		itm:    redis.NewClient(&itmOpt),
		stmTTL: cfg.STMTTL,
		itmTTL: cfg.ITMTTL,
		stmMax: cfg.STMEntries,
		itmMax: cfg.ITMEntries,
		logger: logger,
	}
	s.registerMetrics()
	return s, nil
}

// Ping checks both tier databases.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.stm.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("tierstore: stm ping: %w", err)
	}
	if err := s.itm.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("tierstore: itm ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return errors.Join(s.stm.Close(), s.itm.Close())
}

// STMTTL returns the configured short-term retention window.
func (s *Store) STMTTL() time.Duration { return s.stmTTL }

// ITMTTL returns the configured intermediate-term retention window.
func (s *Store) ITMTTL() time.Duration { return s.itmTTL }

// StoreSTM appends one interaction to the session's ring buffer, trimming
// to the newest entries and restarting the one-hour TTL.
func (s *Store) StoreSTM(ctx context.Context, sessionID uuid.UUID, rec model.Interaction) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tierstore: marshal interaction: %w", err)
	}
	err = s.stm.Eval(ctx, stmAppendScript, []string{stmKey(sessionID)},
		s.stmMax, int64(s.stmTTL.Seconds()), string(payload)).Err()
	if err != nil {
		return fmt.Errorf("tierstore: store stm: %w", err)
	}
	return nil
}

// GetSTM returns the last limit interactions in insertion order, or the
// whole buffer when limit is 0. A missing session yields an empty slice.
func (s *Store) GetSTM(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.Interaction, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.stm.LRange(ctx, stmKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tierstore: get stm: %w", err)
	}
	out := make([]model.Interaction, 0, len(raw))
	for _, item := range raw {
		var rec model.Interaction
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			s.logger.Warn("skipping unreadable stm entry", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ClearSTM(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.stm.Del(ctx, stmKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("tierstore: clear stm: %w", err)
	}
	return nil
}

// StoreITM upserts a memory id with the given access count, extends the
// seven-day TTL, and evicts the lowest-scored entries beyond the per-user
// cap. A count below 1 is stored as 1.
func (s *Store) StoreITM(ctx context.Context, userID, memoryID uuid.UUID, count int) error {
	if count < 1 {
		count = 1
	}
	err := s.itm.Eval(ctx, itmStoreScript, []string{itmKey(userID)},
		s.itmMax, int64(s.itmTTL.Seconds()), count, memoryID.String()).Err()
	if err != nil {
		return fmt.Errorf("tierstore: store itm: %w", err)
	}
	return nil
}

// GetITM returns up to limit entries in descending access-count order. A
// limit of 0 means the full cap.
func (s *Store) GetITM(ctx context.Context, userID uuid.UUID, limit int) ([]ITMEntry, error) {
	if limit <= 0 || limit > s.itmMax {
		limit = s.itmMax
	}
	zs, err := s.itm.ZRevRangeWithScores(ctx, itmKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("tierstore: get itm: %w", err)
	}
	out := make([]ITMEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(member)
		if err != nil {
			s.logger.Warn("skipping unreadable itm member", "user_id", userID, "member", member)
			continue
		}
		out = append(out, ITMEntry{MemoryID: id, AccessCount: int64(z.Score)})
	}
	return out, nil
}

// IncrementITMAccess bumps a memory's score by one, extending the TTL, and
// returns the new score. Incrementing a missing member creates it at 1.
func (s *Store) IncrementITMAccess(ctx context.Context, userID, memoryID uuid.UUID) (int64, error) {
	res, err := s.itm.Eval(ctx, itmIncrScript, []string{itmKey(userID)},
		int64(s.itmTTL.Seconds()), memoryID.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("tierstore: increment itm access: %w", err)
	}
	str, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("tierstore: increment itm access: unexpected reply %T", res)
	}
	score, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("tierstore: increment itm access: parse score: %w", err)
	}
	return int64(score), nil
}

func (s *Store) RemoveFromITM(ctx context.Context, userID, memoryID uuid.UUID) error {
	if err := s.itm.ZRem(ctx, itmKey(userID), memoryID.String()).Err(); err != nil {
		return fmt.Errorf("tierstore: remove from itm: %w", err)
	}
	return nil
}

// CountKeys reports live key counts per tier database.
func (s *Store) CountKeys(ctx context.Context) (stmKeys, itmKeys int64, err error) {
	stmKeys, err = s.stm.DBSize(ctx).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("tierstore: count stm keys: %w", err)
	}
	itmKeys, err = s.itm.DBSize(ctx).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("tierstore: count itm keys: %w", err)
	}
	return stmKeys, itmKeys, nil
}

func (s *Store) registerMetrics() {
	meter := telemetry.Meter("kokoro/tierstore")

	_, _ = meter.Int64ObservableGauge("tierstore_keys",
		otelmetric.WithDescription("Live keys per ephemeral memory tier"),
		otelmetric.WithInt64Callback(func(ctx context.Context, o otelmetric.Int64Observer) error {
			if n, err := s.stm.DBSize(ctx).Result(); err == nil {
				o.Observe(n, otelmetric.WithAttributes(attribute.String("tier", "stm")))
			}
			if n, err := s.itm.DBSize(ctx).Result(); err == nil {
				o.Observe(n, otelmetric.WithAttributes(attribute.String("tier", "itm")))
			}
			return nil
		}))
}

func stmKey(sessionID uuid.UUID) string { return stmKeyPrefix + sessionID.String() }
func itmKey(userID uuid.UUID) string    { return itmKeyPrefix + userID.String() }
