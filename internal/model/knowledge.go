package model

import (
	"time"

	"github.com/google/uuid"
)

// DistilledKnowledge is a reusable principle synthesized from a group of
// reflections during a distillation run. Immutable once written; source
// reflections are referenced, never deleted.
type DistilledKnowledge struct {
	ID                uuid.UUID   `json:"id"`
	UserID            uuid.UUID   `json:"user_id"`
	SourceReflections []uuid.UUID `json:"source_reflection_ids"`
	Topic             string      `json:"topic"`
	Principle         string      `json:"principle"`
	Confidence        float64     `json:"confidence"`
	CreatedAt         time.Time   `json:"created_at"`
}

// DistillationRun is the summary record emitted by one scheduler run.
type DistillationRun struct {
	ID                   uuid.UUID  `json:"id"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	ReflectionsProcessed int        `json:"reflections_processed"`
	KnowledgeDistilled   int        `json:"knowledge_distilled"`
	MemoriesPromoted     int        `json:"memories_promoted"`
	MemoriesExpired      int        `json:"memories_expired"`
	Errors               []string   `json:"errors,omitempty"`
}
