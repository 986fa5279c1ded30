package model

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType identifies what a usage ledger entry meters.
type ResourceType string

const (
	ResourceLLMTokens     ResourceType = "llm_tokens"
	ResourceMessages      ResourceType = "messages"
	ResourceMemoryStorage ResourceType = "memory_storage"
)

// ValidResourceType reports whether r is a known resource type.
func ValidResourceType(r ResourceType) bool {
	switch r {
	case ResourceLLMTokens, ResourceMessages, ResourceMemoryStorage:
		return true
	}
	return false
}

// QuotaTier is a user's subscription tier for quota purposes.
type QuotaTier string

const (
	QuotaTierFreeTrial QuotaTier = "free_trial"
	QuotaTierBasic     QuotaTier = "basic"
	QuotaTierPro       QuotaTier = "pro"
)

// ValidQuotaTier reports whether t is a known quota tier.
func ValidQuotaTier(t QuotaTier) bool {
	switch t {
	case QuotaTierFreeTrial, QuotaTierBasic, QuotaTierPro:
		return true
	}
	return false
}

// UsageEntry is one append-only row in the usage ledger. Amount is negative
// for releases (e.g. memory deletion returns storage bytes).
type UsageEntry struct {
	ID           uuid.UUID      `json:"id"`
	UserID       uuid.UUID      `json:"user_id"`
	ResourceType ResourceType   `json:"resource_type"`
	Amount       int64          `json:"amount"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DailyAmount is one day's aggregate for a resource in a range rollup.
type DailyAmount struct {
	Date   time.Time `json:"date"`
	Amount int64     `json:"amount"`
}

// StorageUsage summarizes a user's memory storage consumption.
type StorageUsage struct {
	TotalBytes   int64              `json:"total_bytes"`
	CountsByTier map[MemoryTier]int `json:"counts_by_tier"`
}
