// Package chat coordinates one conversational turn end to end: session
// bookkeeping, prompt assembly from memory context, quota gating, provider
// inference, persistence, and the reflection enqueue.
package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/llm"
	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/tokens"
	"github.com/ashita-ai/kokoro/internal/usage"
)

// ErrInvalidInput marks message validation failures. The HTTP boundary maps
// it to 400.
var ErrInvalidInput = errors.New("chat: invalid input")

const (
	// maxMessageLen bounds the sanitized user message, in runes.
	maxMessageLen = 4000

	// expectedCompletionTokens is the reserve added to the prompt estimate
	// when pre-checking the token quota.
	expectedCompletionTokens = 500

	// turnConfidence is the confidence assigned to persisted conversation
	// turns. Above the prompt-context floor, so turns that earn promotion
	// stay visible in future context.
	turnConfidence = 0.75

	// finalizeTimeout bounds post-generation bookkeeping. The response has
	// already been served; a disconnecting client must not cancel it.
	finalizeTimeout = 10 * time.Second
)

// markupPattern matches HTML-style tags in user input.
var markupPattern = regexp.MustCompile(`<[^>]*>`)

// Coordinator runs chat turns. Safe for concurrent use.
type Coordinator struct {
	db           *storage.DB
	engine       *memory.Engine
	orchestrator *llm.Orchestrator
	quota        *usage.Service
	tiers        *tierstore.Store
	counter      tokens.Counter
	logger       *slog.Logger
}

func New(db *storage.DB, engine *memory.Engine, orchestrator *llm.Orchestrator, quota *usage.Service, tiers *tierstore.Store, counter tokens.Counter, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		db:           db,
		engine:       engine,
		orchestrator: orchestrator,
		quota:        quota,
		tiers:        tiers,
		counter:      counter,
		logger:       logger,
	}
	c.registerMetrics()
	return c
}

// Message runs one complete (non-streaming) turn.
func (c *Coordinator) Message(ctx context.Context, userID uuid.UUID, tier model.QuotaTier, req model.ChatMessageRequest) (model.ChatResponse, error) {
	start := time.Now()

	p, err := c.prepare(ctx, userID, tier, req)
	if err != nil {
		return model.ChatResponse{}, err
	}

	res, err := c.orchestrator.Generate(ctx, p.genReq)
	if err != nil {
		c.countMessage(ctx, "error")
		return model.ChatResponse{}, fmt.Errorf("chat: generate: %w", err)
	}

	inTokens, outTokens := c.finalizeTurn(ctx, turn{
		userID:    userID,
		sessionID: p.session.ID,
		tier:      tier,
		message:   p.message,
		output:    res.Text,
		provider:  res.Provider,
		model:     res.Model,
		inTokens:  p.inTokens,
	})
	c.countMessage(ctx, "success")

	return model.ChatResponse{
		SessionID:    p.session.ID,
		Content:      res.Text,
		Provider:     res.Provider,
		Model:        res.Model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
	}, nil
}

// Stream opens a streaming turn. The caller must drain the returned stream
// with Recv and Close it; persistence and usage accounting run when the
// stream completes cleanly.
func (c *Coordinator) Stream(ctx context.Context, userID uuid.UUID, tier model.QuotaTier, req model.ChatMessageRequest) (*Stream, error) {
	p, err := c.prepare(ctx, userID, tier, req)
	if err != nil {
		return nil, err
	}

	sr, err := c.orchestrator.Stream(ctx, p.genReq)
	if err != nil {
		c.countMessage(ctx, "error")
		return nil, fmt.Errorf("chat: stream: %w", err)
	}

	return &Stream{
		SessionID: p.session.ID,
		Provider:  sr.Provider,
		Model:     sr.Model,
		c:         c,
		inner:     sr.Stream,
		ctx:       ctx,
		t: turn{
			userID:    userID,
			sessionID: p.session.ID,
			tier:      tier,
			message:   p.message,
			provider:  sr.Provider,
			model:     sr.Model,
			inTokens:  p.inTokens,
		},
	}, nil
}

// preparedTurn is the state shared by Message and Stream after the
// pre-generation steps: sanitized text, a live session, an assembled prompt,
// and a passed quota check.
type preparedTurn struct {
	session  model.ChatSession
	message  string
	genReq   llm.GenerateRequest
	inTokens int
}

func (c *Coordinator) prepare(ctx context.Context, userID uuid.UUID, tier model.QuotaTier, req model.ChatMessageRequest) (preparedTurn, error) {
	message, err := sanitize(req.Message)
	if err != nil {
		c.countMessage(ctx, "invalid")
		return preparedTurn{}, err
	}

	sessionID := uuid.New()
	if req.SessionID != nil {
		sessionID = *req.SessionID
	}
	session, err := c.db.EnsureSession(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.countMessage(ctx, "invalid")
		} else {
			c.countMessage(ctx, "error")
		}
		return preparedTurn{}, err
	}

	if err := c.orchestrator.EnsureReady(ctx); err != nil {
		c.countMessage(ctx, "error")
		return preparedTurn{}, fmt.Errorf("chat: provider not ready: %w", err)
	}

	mc, err := c.engine.BuildContext(ctx, userID, &session.ID, 0)
	if err != nil {
		c.countMessage(ctx, "error")
		return preparedTurn{}, fmt.Errorf("chat: build context: %w", err)
	}

	prompt := systemPrompt(mc)
	inTokens := c.counter.Count(prompt) + c.counter.Count(message)
	estimate := int64(inTokens + expectedCompletionTokens)

	if err := c.checkQuotas(ctx, userID, tier, estimate); err != nil {
		return preparedTurn{}, err
	}

	genReq := llm.GenerateRequest{Prompt: message, SystemPrompt: prompt}
	if req.Temperature != nil {
		genReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		genReq.MaxTokens = *req.MaxTokens
	}

	return preparedTurn{session: session, message: message, genReq: genReq, inTokens: inTokens}, nil
}

func (c *Coordinator) checkQuotas(ctx context.Context, userID uuid.UUID, tier model.QuotaTier, tokenEstimate int64) error {
	for _, check := range []struct {
		resource model.ResourceType
		amount   int64
	}{
		{model.ResourceLLMTokens, tokenEstimate},
		{model.ResourceMessages, 1},
	} {
		if err := c.quota.CheckQuota(ctx, userID, tier, check.resource, check.amount); err != nil {
			if errors.Is(err, usage.ErrQuotaExceeded) {
				c.countMessage(ctx, "quota")
			} else {
				c.countMessage(ctx, "error")
			}
			return err
		}
	}
	return nil
}

// turn is one completed generation awaiting bookkeeping.
type turn struct {
	userID    uuid.UUID
	sessionID uuid.UUID
	tier      model.QuotaTier
	message   string
	output    string
	provider  string
	model     string
	inTokens  int
}

// finalizeTurn persists a served generation: the interaction row, the STM
// append, usage entries, and the reflection task. The user already has the
// response, so failures here are logged and never returned; the context is
// detached so a disconnecting client cannot cancel the bookkeeping.
func (c *Coordinator) finalizeTurn(ctx context.Context, t turn) (inTokens, outTokens int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	inTokens = t.inTokens
	outTokens = c.counter.Count(t.output)
	sessionID := t.sessionID

	if _, err := c.engine.Store(ctx, t.tier, model.StoreMemoryRequest{
		UserID:          t.userID,
		SessionID:       &sessionID,
		Type:            model.MemoryTypeConversation,
		InputContext:    t.message,
		OutputResponse:  t.output,
		Outcome:         model.OutcomeNeutral,
		ConfidenceScore: turnConfidence,
		Tier:            model.TierSTM,
	}); err != nil {
		c.logger.Error("chat: persist interaction failed", "session_id", sessionID, "error", err)
	}

	if err := c.tiers.StoreSTM(ctx, sessionID, model.Interaction{
		Input:     t.message,
		Output:    t.output,
		Timestamp: time.Now().UTC(),
		Tokens:    inTokens + outTokens,
	}); err != nil {
		c.logger.Error("chat: stm append failed", "session_id", sessionID, "error", err)
	}

	if err := c.quota.Record(ctx, t.userID, model.ResourceLLMTokens, int64(inTokens+outTokens), map[string]any{
		"session_id":    sessionID.String(),
		"provider":      t.provider,
		"model":         t.model,
		"input_tokens":  inTokens,
		"output_tokens": outTokens,
	}); err != nil {
		c.logger.Error("chat: token usage record failed", "session_id", sessionID, "error", err)
	}
	if err := c.quota.Record(ctx, t.userID, model.ResourceMessages, 1, map[string]any{
		"session_id": sessionID.String(),
		"provider":   t.provider,
	}); err != nil {
		c.logger.Error("chat: message usage record failed", "session_id", sessionID, "error", err)
	}

	if err := c.db.EnqueueReflection(ctx, storage.ReflectionTask{
		UserID:     t.userID,
		SessionID:  sessionID,
		InputText:  t.message,
		OutputText: t.output,
		Context:    map[string]any{"tier": string(t.tier), "provider": t.provider},
	}); err != nil {
		c.logger.Warn("chat: reflection enqueue failed", "session_id", sessionID, "error", err)
	}

	c.countTokens(ctx, "input", inTokens)
	c.countTokens(ctx, "output", outTokens)
	return inTokens, outTokens
}

// Stream is one in-flight streaming turn. Not safe for concurrent Recv.
type Stream struct {
	SessionID uuid.UUID
	Provider  string
	Model     string

	c     *Coordinator
	inner *llm.Stream
	ctx   context.Context
	t     turn
	buf   strings.Builder

	finished  bool
	inTokens  int
	outTokens int
}

// Recv returns the next completion chunk. io.EOF marks clean completion and
// triggers the turn's bookkeeping before returning.
func (s *Stream) Recv() (string, error) {
	chunk, err := s.inner.Recv()
	if err == nil {
		s.buf.WriteString(chunk)
		return chunk, nil
	}

	if !s.finished {
		s.finished = true
		if errors.Is(err, io.EOF) {
			s.t.output = s.buf.String()
			s.inTokens, s.outTokens = s.c.finalizeTurn(s.ctx, s.t)
			s.c.countMessage(s.ctx, "success")
		} else {
			s.c.countMessage(s.ctx, "error")
			s.c.logger.Warn("chat: stream failed mid-generation",
				"session_id", s.t.sessionID, "provider", s.t.provider, "error", err)
		}
	}
	return "", err
}

// Close releases the stream. Closing before io.EOF abandons the turn:
// nothing is persisted and no usage is recorded.
func (s *Stream) Close() {
	s.inner.Close()
	if !s.finished {
		s.finished = true
		s.c.countMessage(s.ctx, "canceled")
		s.c.logger.Info("chat: stream abandoned by client", "session_id", s.t.sessionID)
	}
}

// Usage reports the turn's token counts. Zero until the stream completed
// cleanly.
func (s *Stream) Usage() (inTokens, outTokens int) {
	return s.inTokens, s.outTokens
}

// sanitize strips HTML-style markup, collapses whitespace, and enforces the
// message length bound.
func sanitize(s string) (string, error) {
	s = markupPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(s) > maxMessageLen {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, maxMessageLen)
	}
	return s, nil
}

// systemPrompt renders memory context into the instruction block sent with
// every generation. Deterministic: identical context yields an identical
// prompt.
func systemPrompt(mc memory.Context) string {
	var b strings.Builder
	b.WriteString("You are a thoughtful assistant with persistent memory of this user. " +
		"Use the context below when it is relevant. Never invent memories.")

	if len(mc.STM) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, rec := range mc.STM {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", rec.Input, rec.Output)
		}
	}
	if len(mc.ITM) > 0 {
		b.WriteString("\nWorking memory:\n")
		for _, m := range mc.ITM {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.OutputResponse)
		}
	}
	if len(mc.LTM) > 0 {
		b.WriteString("\nLong-term memory:\n")
		for _, m := range mc.LTM {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.OutputResponse)
		}
	}
	return b.String()
}

func (c *Coordinator) registerMetrics() {
	meter := telemetry.Meter("kokoro/chat")

	_, _ = meter.Int64ObservableGauge("chat_active_sessions",
		otelmetric.WithDescription("Open chat sessions across all users"),
		otelmetric.WithInt64Callback(func(ctx context.Context, o otelmetric.Int64Observer) error {
			n, err := c.db.CountActiveSessions(ctx)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(n)
			return nil
		}),
	)
}

func (c *Coordinator) countMessage(ctx context.Context, status string) {
	if counter, err := telemetry.Meter("kokoro/chat").Int64Counter("chat_messages_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

func (c *Coordinator) countTokens(ctx context.Context, direction string, n int) {
	if n <= 0 {
		return
	}
	if counter, err := telemetry.Meter("kokoro/chat").Int64Counter("chat_tokens_total"); err == nil {
		counter.Add(ctx, int64(n), otelmetric.WithAttributes(attribute.String("direction", direction)))
	}
}
