package kokoro

import "github.com/google/uuid"

// QuotaTier selects one of the built-in quota tiers.
type QuotaTier string

const (
	QuotaTierFreeTrial QuotaTier = "free_trial"
	QuotaTierBasic     QuotaTier = "basic"
	QuotaTierPro       QuotaTier = "pro"
)

// QuotaLimits is one tier's daily quota set, used with WithQuotaLimits.
// A value of -1 disables the corresponding check.
type QuotaLimits struct {
	LLMTokensPerDay int64
	MessagesPerDay  int64
	StorageBytes    int64
}

// GenerateRequest is a single-turn completion request handed to a custom
// LLMProvider. SystemPrompt carries the assembled memory context; Prompt is
// the sanitized user message.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// SearchResult holds a memory ID and similarity score from a Searcher.
// No internal package imports, so it is safe to use from outside the module.
type SearchResult struct {
	MemoryID uuid.UUID
	Score    float32
}
