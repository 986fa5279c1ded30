package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeProviderDown  = "PROVIDER_UNAVAILABLE"
)

// ChatMessageRequest is the request body for POST /v1/chat and /v1/chat/stream.
type ChatMessageRequest struct {
	Message     string     `json:"message"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
}

// StoreMemoryRequest is the request body for POST /v1/memories.
// UserID is always taken from JWT claims, never from the body.
type StoreMemoryRequest struct {
	UserID          uuid.UUID      `json:"-"`
	SessionID       *uuid.UUID     `json:"session_id,omitempty"`
	Type            MemoryType     `json:"type"`
	InputContext    string         `json:"input_context"`
	OutputResponse  string         `json:"output_response"`
	Outcome         Outcome        `json:"outcome"`
	EmotionalWeight float32        `json:"emotional_weight"`
	ConfidenceScore float32        `json:"confidence_score"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Tier            MemoryTier     `json:"tier,omitempty"` // defaults to stm
}

// UpdateMemoryRequest is the request body for PATCH /v1/memories/{id}.
// Nil fields are left unchanged.
type UpdateMemoryRequest struct {
	Outcome         *Outcome    `json:"outcome,omitempty"`
	EmotionalWeight *float32    `json:"emotional_weight,omitempty"`
	ConfidenceScore *float32    `json:"confidence_score,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	Tier            *MemoryTier `json:"tier,omitempty"`
}

// SearchMemoriesRequest is the request body for POST /v1/memories/search.
type SearchMemoriesRequest struct {
	Query         string      `json:"query"`
	Limit         int         `json:"limit,omitempty"`
	Tier          *MemoryTier `json:"tier,omitempty"`
	MinConfidence *float32    `json:"min_confidence,omitempty"`
}

// PromoteMemoryRequest is the request body for POST /v1/memories/{id}/promote.
type PromoteMemoryRequest struct {
	TargetTier MemoryTier `json:"target_tier"`
}

// CreatePolicyRequest is the request body for POST /v1/policies.
type CreatePolicyRequest struct {
	Name    string         `json:"name"`
	Content map[string]any `json:"content"`
}

// ValidateContentRequest is the request body for POST /v1/policies/validate.
type ValidateContentRequest struct {
	Content string         `json:"content"`
	Context map[string]any `json:"context,omitempty"`
}

// ReflectRequest is the request body for POST /v1/reflect (manual enqueue).
type ReflectRequest struct {
	UserID     uuid.UUID      `json:"user_id"`
	SessionID  uuid.UUID      `json:"session_id"`
	InputText  string         `json:"input_text"`
	OutputText string         `json:"output_text"`
	Context    map[string]any `json:"context,omitempty"`
}

// ProviderHealthResponse is one provider's entry in GET /v1/providers.
type ProviderHealthResponse struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Enabled           bool   `json:"enabled"`
	SupportsStreaming bool   `json:"supports_streaming"`
	Model             string `json:"model"`
	LastError         string `json:"last_error,omitempty"`
	CoolingDown       bool   `json:"cooling_down"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Postgres  string                   `json:"postgres"`
	Redis     string                   `json:"redis"`
	Providers []ProviderHealthResponse `json:"providers,omitempty"`
	Uptime    int64                    `json:"uptime_seconds"`
}
