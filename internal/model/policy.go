package model

import (
	"time"

	"github.com/google/uuid"
)

// ValidationResult is the tri-state outcome of a content check.
type ValidationResult string

const (
	ValidationPassed  ValidationResult = "passed"
	ValidationWarning ValidationResult = "warning"
	ValidationFailed  ValidationResult = "failed"
)

// ContentResult is the outcome of checking a single piece of text against
// the active constitution. Warnings do not block; violations do.
type ContentResult struct {
	Result            ValidationResult `json:"result"`
	Score             float64          `json:"score"`
	Violations        []string         `json:"violations"`
	Warnings          []string         `json:"warnings"`
	PrinciplesChecked []string         `json:"principles_checked"`
}

// Passed reports whether the content had no violations.
func (r ContentResult) Passed() bool {
	return r.Result != ValidationFailed
}

// AlignmentResult is the outcome of validating an input/output pair against
// constitutional principles.
type AlignmentResult struct {
	Aligned         bool               `json:"aligned"`
	AlignmentScore  float64            `json:"alignment_score"`
	PerPrinciple    map[string]float64 `json:"per_principle"`
	Recommendations []string           `json:"recommendations"`
	Concerns        []string           `json:"concerns"`
}

// Policy is a versioned, signed constitution.
// Content is immutable once signed: Signature is the SHA-256 hex digest of
// the canonical (sorted-key) JSON encoding of Content.
type Policy struct {
	ID        uuid.UUID      `json:"id"`
	Version   int            `json:"version"`
	Name      string         `json:"name"`
	Content   map[string]any `json:"content"`
	IsActive  bool           `json:"is_active"`
	Signature string         `json:"signature"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditEvent is one append-only entry in the policy audit log.
// Writes are best-effort: they are buffered and never block or fail the
// operation that produced them.
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	Action    string         `json:"action"`
	PolicyID  *uuid.UUID     `json:"policy_id,omitempty"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
