package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

const (
	defaultRetryLimit = 3
	defaultCooldown   = 300 * time.Second
)

// Result is a completed generation and the provider that served it.
type Result struct {
	Text     string
	Provider string
	Model    string
}

// StreamResult is an open stream and the provider serving it.
type StreamResult struct {
	Stream   *Stream
	Provider string
	Model    string
}

type providerState struct {
	failureCount  int
	lastErr       error
	cooldownUntil time.Time
}

// Orchestrator routes generation requests across providers in priority
// order. A provider that keeps failing is benched for a cooldown period so
// requests fall through to the next one instead of burning its timeout on
// every call.
type Orchestrator struct {
	providers  []Provider
	retryLimit int
	cooldown   time.Duration
	logger     *slog.Logger
	now        func() time.Time
	ready      singleflight.Group

	mu    sync.Mutex
	state map[string]*providerState
}

// NewOrchestrator builds an orchestrator over providers in the given
// priority order. retryLimit is how many consecutive failures bench a
// provider; cooldown is how long it stays benched.
func NewOrchestrator(providers []Provider, retryLimit int, cooldown time.Duration, logger *slog.Logger) *Orchestrator {
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers:  providers,
		retryLimit: retryLimit,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
		state:      make(map[string]*providerState),
	}
}

// Generate runs the request against the first eligible provider, falling
// through on failure. Returns ProviderExhaustedError when no provider could
// serve it.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	var lastErr error
	for _, p := range o.providers {
		if !o.eligible(p, false) {
			continue
		}
		start := o.now()
		text, err := p.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			o.markFailure(p, err)
			lastErr = err
			continue
		}
		o.markSuccess(p, o.now().Sub(start))
		return Result{Text: text, Provider: p.Name(), Model: p.ModelName()}, nil
	}
	return Result{}, &ProviderExhaustedError{LastErr: lastErr}
}

// Stream opens a stream on the first eligible streaming provider. Errors
// before the first chunk fall through to the next provider; errors after it
// surface through Recv and count against the provider serving the stream.
func (o *Orchestrator) Stream(ctx context.Context, req GenerateRequest) (StreamResult, error) {
	var lastErr error
	for _, p := range o.providers {
		if !o.eligible(p, true) {
			continue
		}
		start := o.now()
		stream, err := p.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return StreamResult{}, ctx.Err()
			}
			o.markFailure(p, err)
			lastErr = err
			continue
		}
		provider := p
		stream.onTerminal = func(termErr error) {
			switch {
			case errors.Is(termErr, io.EOF):
				o.markSuccess(provider, o.now().Sub(start))
			case errors.Is(termErr, context.Canceled):
				// Consumer walked away; not the provider's fault.
			default:
				o.markFailure(provider, termErr)
			}
		}
		return StreamResult{Stream: stream, Provider: p.Name(), Model: p.ModelName()}, nil
	}
	return StreamResult{}, &ProviderExhaustedError{LastErr: lastErr}
}

// EnsureReady initializes the highest-priority usable provider. Concurrent
// calls targeting the same provider share one in-flight initialization.
func (o *Orchestrator) EnsureReady(ctx context.Context) error {
	var lastErr error
	for _, p := range o.providers {
		if !o.eligible(p, false) {
			continue
		}
		_, err, _ := o.ready.Do(p.Name(), func() (any, error) {
			return nil, p.EnsureReady(ctx)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("provider not ready", "provider", p.Name(), "error", err)
		lastErr = err
	}
	if lastErr != nil {
		return lastErr
	}
	return &ProviderExhaustedError{}
}

// Health probes every provider and reports orchestration state alongside. A
// successful probe clears any accumulated failures and cooldown.
func (o *Orchestrator) Health(ctx context.Context) []model.ProviderHealthResponse {
	out := make([]model.ProviderHealthResponse, 0, len(o.providers))
	for _, p := range o.providers {
		entry := model.ProviderHealthResponse{
			Name:              p.Name(),
			Model:             p.ModelName(),
			Enabled:           p.Enabled(),
			SupportsStreaming: p.SupportsStreaming(),
		}
		o.mu.Lock()
		if st := o.state[p.Name()]; st != nil {
			entry.CoolingDown = st.cooldownUntil.After(o.now())
			if st.lastErr != nil {
				entry.LastError = st.lastErr.Error()
			}
		}
		o.mu.Unlock()

		if !p.Enabled() || !p.Configured() {
			out = append(out, entry)
			continue
		}
		if err := p.CheckHealth(ctx); err != nil {
			entry.LastError = err.Error()
		} else {
			entry.Healthy = true
			entry.CoolingDown = false
			entry.LastError = ""
			o.resetState(p.Name())
		}
		out = append(out, entry)
	}
	return out
}

func (o *Orchestrator) eligible(p Provider, needStream bool) bool {
	if !p.Enabled() || !p.Configured() {
		return false
	}
	if needStream && !p.SupportsStreaming() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state[p.Name()]
	return st == nil || !st.cooldownUntil.After(o.now())
}

func (o *Orchestrator) markSuccess(p Provider, elapsed time.Duration) {
	o.resetState(p.Name())

	meter := telemetry.Meter("kokoro/llm")
	attrs := otelmetric.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("model", p.ModelName()),
	)
	if hist, err := meter.Float64Histogram("provider_latency_seconds"); err == nil {
		hist.Record(context.Background(), elapsed.Seconds(), attrs)
	}
	if counter, err := meter.Int64Counter("llm_generate_total"); err == nil {
		counter.Add(context.Background(), 1, otelmetric.WithAttributes(
			attribute.String("provider", p.Name()),
			attribute.String("status", "success"),
		))
	}
}

func (o *Orchestrator) markFailure(p Provider, err error) {
	o.mu.Lock()
	st := o.stateLocked(p.Name())
	st.failureCount++
	st.lastErr = err
	cooling := false
	if st.failureCount >= o.retryLimit {
		st.cooldownUntil = o.now().Add(o.cooldown)
		cooling = true
	}
	count := st.failureCount
	until := st.cooldownUntil
	o.mu.Unlock()

	o.logger.Warn("provider call failed", "provider", p.Name(), "failures", count, "error", err)
	if cooling {
		o.logger.Warn("provider cooling down", "provider", p.Name(), "until", until.UTC().Format(time.RFC3339))
	}

	if counter, err2 := telemetry.Meter("kokoro/llm").Int64Counter("llm_generate_total"); err2 == nil {
		counter.Add(context.Background(), 1, otelmetric.WithAttributes(
			attribute.String("provider", p.Name()),
			attribute.String("status", errClass(err)),
		))
	}
}

func (o *Orchestrator) resetState(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.state[name]; st != nil {
		st.failureCount = 0
		st.lastErr = nil
		st.cooldownUntil = time.Time{}
	}
}

func (o *Orchestrator) stateLocked(name string) *providerState {
	st := o.state[name]
	if st == nil {
		st = &providerState{}
		o.state[name] = st
	}
	return st
}

// failureCount reports consecutive failures recorded for a provider.
func (o *Orchestrator) failureCount(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.state[name]; st != nil {
		return st.failureCount
	}
	return 0
}
