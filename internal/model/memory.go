package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryTier identifies which retention tier a memory lives in.
type MemoryTier string

const (
	TierSTM MemoryTier = "stm"
	TierITM MemoryTier = "itm"
	TierLTM MemoryTier = "ltm"
)

// ValidTier reports whether t is a known memory tier.
func ValidTier(t MemoryTier) bool {
	switch t {
	case TierSTM, TierITM, TierLTM:
		return true
	}
	return false
}

// MemoryType classifies what kind of experience a memory records.
type MemoryType string

const (
	MemoryTypeLesson       MemoryType = "lesson"
	MemoryTypeTask         MemoryType = "task"
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeError        MemoryType = "error"
	MemoryTypeReflection   MemoryType = "reflection"
	MemoryTypeAchievement  MemoryType = "achievement"
)

// ValidMemoryType reports whether t is a known memory type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryTypeLesson, MemoryTypeTask, MemoryTypeConversation,
		MemoryTypeError, MemoryTypeReflection, MemoryTypeAchievement:
		return true
	}
	return false
}

// Outcome records how the interaction behind a memory turned out.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
)

// ValidOutcome reports whether o is a known outcome.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeNeutral:
		return true
	}
	return false
}

// Memory is the durable memory entity. STM-tier rows mirror the Redis ring
// buffer for persistence; ITM and LTM rows are the canonical copies.
//
// Tier/expiry invariant: tier=ltm rows have ExpiresAt=nil and never expire;
// stm and itm rows always carry an ExpiresAt. Reads treat a past ExpiresAt
// as a deleted row.
type Memory struct {
	ID                uuid.UUID        `json:"id"`
	UserID            uuid.UUID        `json:"user_id"`
	SessionID         *uuid.UUID       `json:"session_id,omitempty"`
	Type              MemoryType       `json:"type"`
	InputContext      string           `json:"input_context"`
	OutputResponse    string           `json:"output_response"`
	Outcome           Outcome          `json:"outcome"`
	EmotionalWeight   float32          `json:"emotional_weight"`
	ConfidenceScore   float32          `json:"confidence_score"`
	ConstitutionValid bool             `json:"constitution_valid"`
	Tags              []string         `json:"tags"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
	Embedding         *pgvector.Vector `json:"-"`
	Tier              MemoryTier       `json:"tier"`
	AccessCount       int              `json:"access_count"`
	LastAccessedAt    *time.Time       `json:"last_accessed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
}

// ScoredMemory pairs a memory with its vector-search similarity (0..1).
type ScoredMemory struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// MemoryStats summarizes a user's memory footprint.
type MemoryStats struct {
	TotalCount   int                `json:"total_count"`
	CountsByTier map[MemoryTier]int `json:"counts_by_tier"`
	TotalBytes   int64              `json:"total_bytes"`
}

// Field length limits for memory payloads. These bound what flows into the
// embedding pipeline and Postgres TEXT columns.
const (
	MaxInputContextLen   = 32 * 1024 // 32 KB
	MaxOutputResponseLen = 64 * 1024 // 64 KB
	MaxTagLen            = 100
	MaxTagCount          = 20
)

// ValidateMemoryPayload checks enum membership, score ranges, and per-field
// length limits on a store request.
func ValidateMemoryPayload(req StoreMemoryRequest) error {
	if !ValidMemoryType(req.Type) {
		return fmt.Errorf("unknown memory type %q", req.Type)
	}
	if !ValidOutcome(req.Outcome) {
		return fmt.Errorf("unknown outcome %q", req.Outcome)
	}
	if req.Tier != "" && !ValidTier(req.Tier) {
		return fmt.Errorf("unknown tier %q", req.Tier)
	}
	if req.EmotionalWeight < -1 || req.EmotionalWeight > 1 {
		return fmt.Errorf("emotional_weight must be in [-1, 1]")
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score must be in [0, 1]")
	}
	if len(req.InputContext) > MaxInputContextLen {
		return fmt.Errorf("input_context exceeds maximum length of %d bytes", MaxInputContextLen)
	}
	if len(req.OutputResponse) > MaxOutputResponseLen {
		return fmt.Errorf("output_response exceeds maximum length of %d bytes", MaxOutputResponseLen)
	}
	if len(req.Tags) > MaxTagCount {
		return fmt.Errorf("at most %d tags allowed", MaxTagCount)
	}
	for i, tag := range req.Tags {
		if tag == "" {
			return fmt.Errorf("tags[%d] is empty", i)
		}
		if len(tag) > MaxTagLen {
			return fmt.Errorf("tags[%d] exceeds maximum length of %d characters", i, MaxTagLen)
		}
	}
	return nil
}
