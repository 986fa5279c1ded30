package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a chat session.
// Sessions move new → active → closed; closing flushes nothing (the STM
// buffer simply expires by TTL).
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// ChatSession groups a conversation. The session id keys the STM buffer.
type ChatSession struct {
	ID           uuid.UUID     `json:"id"`
	UserID       uuid.UUID     `json:"user_id"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// Interaction is one chat turn as held in the STM ring buffer.
type Interaction struct {
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"`
}

// ChatResponse is the result of one completed (non-streaming) chat turn.
type ChatResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	Content      string    `json:"content"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
}
