// Package usage meters resource consumption against per-tier quotas. The
// ledger is append-only; token and message quotas reset at UTC midnight,
// storage quotas track the running byte total.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// ErrQuotaExceeded is wrapped by CheckQuota failures. The error message
// carries the current/limit numbers for the caller to surface.
var ErrQuotaExceeded = errors.New("usage: quota exceeded")

// Unlimited is the sentinel limit that short-circuits quota checks.
const Unlimited int64 = -1

// Limits is one tier's quota set. Unlimited disables a check.
type Limits struct {
	LLMTokensPerDay int64
	MessagesPerDay  int64
	StorageBytes    int64
}

// DefaultLimits returns the built-in tier table.
func DefaultLimits() map[model.QuotaTier]Limits {
	return map[model.QuotaTier]Limits{
		model.QuotaTierFreeTrial: {LLMTokensPerDay: 1_000, MessagesPerDay: 100, StorageBytes: 1 << 30},
		model.QuotaTierBasic:     {LLMTokensPerDay: 50_000, MessagesPerDay: 5_000, StorageBytes: 10 << 30},
		model.QuotaTierPro:       {LLMTokensPerDay: Unlimited, MessagesPerDay: Unlimited, StorageBytes: Unlimited},
	}
}

// Ledger is the storage surface the service consumes.
type Ledger interface {
	InsertUsage(ctx context.Context, entry model.UsageEntry) error
	SumUsageSince(ctx context.Context, userID uuid.UUID, resource model.ResourceType, since time.Time) (int64, error)
	UsageByDay(ctx context.Context, userID uuid.UUID, since time.Time) (map[model.ResourceType][]model.DailyAmount, error)
	StorageLedgerTotal(ctx context.Context, userID uuid.UUID) (int64, error)
	MemoryStats(ctx context.Context, userID uuid.UUID) (model.MemoryStats, error)
}

// Service answers quota questions and records consumption.
type Service struct {
	ledger Ledger
	limits map[model.QuotaTier]Limits
	logger *slog.Logger
	now    func() time.Time
}

func New(ledger Ledger, limits map[model.QuotaTier]Limits, logger *slog.Logger) *Service {
	if limits == nil {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, limits: limits, logger: logger, now: time.Now}
}

// Record appends one ledger entry at now. Negative amounts release quota
// (storage freed by deletion).
func (s *Service) Record(ctx context.Context, userID uuid.UUID, resource model.ResourceType, amount int64, metadata map[string]any) error {
	if !model.ValidResourceType(resource) {
		return fmt.Errorf("usage: unknown resource type %q", resource)
	}
	return s.ledger.InsertUsage(ctx, model.UsageEntry{
		UserID:       userID,
		ResourceType: resource,
		Amount:       amount,
		Metadata:     metadata,
		Timestamp:    s.now().UTC(),
	})
}

// Today sums a resource over the current UTC day.
func (s *Service) Today(ctx context.Context, userID uuid.UUID, resource model.ResourceType) (int64, error) {
	return s.ledger.SumUsageSince(ctx, userID, resource, s.todayStart())
}

// CheckQuota verifies that current + requested stays within the tier limit.
// A failure wraps ErrQuotaExceeded with a current/limit message. Unlimited
// tiers short-circuit without touching the ledger.
func (s *Service) CheckQuota(ctx context.Context, userID uuid.UUID, tier model.QuotaTier, resource model.ResourceType, requested int64) error {
	limits, ok := s.limits[tier]
	if !ok {
		return fmt.Errorf("usage: unknown quota tier %q", tier)
	}
	limit := limits.limitFor(resource)
	if limit == Unlimited {
		return nil
	}

	var current int64
	var err error
	if resource == model.ResourceMemoryStorage {
		current, err = s.ledger.StorageLedgerTotal(ctx, userID)
	} else {
		current, err = s.Today(ctx, userID, resource)
	}
	if err != nil {
		return err
	}

	if current+requested > limit {
		pct := float64(current) / float64(limit) * 100
		return fmt.Errorf("%w: %s quota reached: %d/%d (%.0f%% used)",
			ErrQuotaExceeded, resource, current, limit, pct)
	}
	return nil
}

// RangeStats returns per-day amounts for every resource over the trailing
// days window, including today.
func (s *Service) RangeStats(ctx context.Context, userID uuid.UUID, days int) (map[model.ResourceType][]model.DailyAmount, error) {
	if days <= 0 {
		days = 7
	}
	since := s.todayStart().AddDate(0, 0, -(days - 1))
	return s.ledger.UsageByDay(ctx, userID, since)
}

// StorageUsage reports the ledger byte total alongside live per-tier counts.
func (s *Service) StorageUsage(ctx context.Context, userID uuid.UUID) (model.StorageUsage, error) {
	total, err := s.ledger.StorageLedgerTotal(ctx, userID)
	if err != nil {
		return model.StorageUsage{}, err
	}
	stats, err := s.ledger.MemoryStats(ctx, userID)
	if err != nil {
		return model.StorageUsage{}, err
	}
	if total < 0 {
		// Releases can momentarily outrun recorded creates (backfilled rows).
		total = 0
	}
	return model.StorageUsage{TotalBytes: total, CountsByTier: stats.CountsByTier}, nil
}

func (s *Service) todayStart() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (l Limits) limitFor(resource model.ResourceType) int64 {
	switch resource {
	case model.ResourceLLMTokens:
		return l.LLMTokensPerDay
	case model.ResourceMessages:
		return l.MessagesPerDay
	case model.ResourceMemoryStorage:
		return l.StorageBytes
	default:
		return 0
	}
}

// EstimateMemorySize approximates the bytes one memory row occupies: utf8
// length of the text fields, 4 bytes of structure per tag plus the tag
// itself, the metadata JSON encoding, 4 bytes per embedding dimension, and
// fixed row overhead for ids, enums, scores, and timestamps.
func EstimateMemorySize(m model.Memory, embeddingDims int) int64 {
	const rowOverhead = 162

	size := int64(len(m.InputContext) + len(m.OutputResponse))
	for _, tag := range m.Tags {
		size += int64(4 + len(tag))
	}
	if len(m.Metadata) > 0 {
		if payload, err := json.Marshal(m.Metadata); err == nil {
			size += int64(len(payload))
		}
	}
	switch {
	case m.Embedding != nil:
		size += int64(len(m.Embedding.Slice()) * 4)
	case embeddingDims > 0:
		size += int64(embeddingDims * 4)
	}
	return size + rowOverhead
}
