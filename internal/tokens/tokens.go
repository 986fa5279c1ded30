// Package tokens counts LLM tokens for quota checks and usage records.
//
// The reference tokenizer is tiktoken's cl100k_base table. Loading it needs
// the embedded BPE data; when that fails the package degrades to a byte
// heuristic rather than refusing to start, since quota math tolerates
// approximate counts.
package tokens

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is the BPE table used for counting. cl100k_base matches
// the GPT-4-era models and is close enough for local models, whose exact
// tokenizers vary.
const defaultEncoding = "cl100k_base"

// Counter estimates how many tokens a text costs.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a real BPE encoding.
type TiktokenCounter struct {
	tke *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	tke, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{tke: tke}, nil
}

// Count returns the number of BPE tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.tke.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as ceil(len/4): the common
// English-text rule of thumb. Never undercounts to zero for non-empty text.
type HeuristicCounter struct{}

// Count returns ceil(len(text)/4).
func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// NewCounter returns the tiktoken counter when its encoding loads, otherwise
// the heuristic counter. Logs which one is in effect.
func NewCounter(logger *slog.Logger) Counter {
	c, err := NewTiktokenCounter()
	if err != nil {
		logger.Warn("tokens: tiktoken unavailable, using byte heuristic", "error", err)
		return HeuristicCounter{}
	}
	logger.Debug("tokens: tiktoken counter ready", "encoding", defaultEncoding)
	return c
}
