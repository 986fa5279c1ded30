// Package llm talks to text-generation backends and picks which one serves
// each request. Providers are adapters over one wire API apiece; the
// Orchestrator owns priority order, failure accounting, and cooldowns.
package llm

import (
	"context"
	"io"
	"sync"
	"time"
)

// probeTimeout caps health and readiness probes so a hung backend cannot
// stall the readiness endpoint.
const probeTimeout = 5 * time.Second

// GenerateRequest is a single-turn completion request. The coordinator
// assembles SystemPrompt from memory context; Prompt is the sanitized user
// message.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Provider is one generation backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name identifies the provider in config, metrics, and health output.
	Name() string
	// ModelName is the model this provider is bound to.
	ModelName() string
	// SupportsStreaming reports whether Stream is implemented.
	SupportsStreaming() bool
	// Enabled reports whether the operator turned this provider on.
	Enabled() bool
	// Configured reports whether required settings (credentials, URLs) are
	// present. An enabled but unconfigured provider is skipped, not an error.
	Configured() bool
	// EnsureReady performs lazy initialization: connectivity check and, for
	// local backends, pulling the model if absent. Callers may invoke it
	// concurrently; the orchestrator deduplicates in-flight calls.
	EnsureReady(ctx context.Context) error
	// CheckHealth is a lightweight liveness probe.
	CheckHealth(ctx context.Context) error
	// Generate produces the full completion in one call.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// Stream produces the completion incrementally. An error here means the
	// stream never started; errors after the first chunk surface via Recv.
	Stream(ctx context.Context, req GenerateRequest) (*Stream, error)
}

// Stream yields completion chunks from an in-flight request. Recv blocks
// until the next chunk, returning io.EOF after the final one. Not safe for
// concurrent Recv calls. Callers must Close when done, including after
// errors.
type Stream struct {
	next       func() (string, error)
	closeFn    func()
	onTerminal func(error)

	closeOnce sync.Once
	termOnce  sync.Once
	done      bool
}

// NewStream wraps a provider-specific chunk parser. next returns one chunk
// per call and io.EOF when the model signals completion; closeFn releases
// the underlying connection.
func NewStream(next func() (string, error), closeFn func()) *Stream {
	return &Stream{next: next, closeFn: closeFn}
}

// Recv returns the next text chunk. io.EOF marks clean completion; any
// other error means the stream died mid-generation.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	chunk, err := s.next()
	if err != nil {
		s.done = true
		s.terminal(err)
		s.release()
		return "", err
	}
	return chunk, nil
}

// Close releases the stream. Safe to call multiple times and after Recv
// returned an error. Closing before io.EOF abandons the generation.
func (s *Stream) Close() {
	if !s.done {
		s.done = true
		s.terminal(context.Canceled)
	}
	s.release()
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

func (s *Stream) terminal(err error) {
	s.termOnce.Do(func() {
		if s.onTerminal != nil {
			s.onTerminal(err)
		}
	})
}
