package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/llm"
	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/testutil"
	"github.com/ashita-ai/kokoro/internal/tierstore"
	"github.com/ashita-ai/kokoro/internal/tokens"
	"github.com/ashita-ai/kokoro/internal/usage"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// stubProvider is a scriptable llm.Provider for driving the coordinator.
type stubProvider struct {
	streaming bool
	readyErr  error
	genErr    error
	streamErr error
	midErr    error
	reply     string
	chunks    []string
	lastReq   llm.GenerateRequest
}

func newStubProvider() *stubProvider {
	return &stubProvider{streaming: true, reply: "ok"}
}

func (p *stubProvider) Name() string            { return "stub" }
func (p *stubProvider) ModelName() string       { return "stub-model" }
func (p *stubProvider) SupportsStreaming() bool { return p.streaming }
func (p *stubProvider) Enabled() bool           { return true }
func (p *stubProvider) Configured() bool        { return true }

func (p *stubProvider) EnsureReady(context.Context) error { return p.readyErr }
func (p *stubProvider) CheckHealth(context.Context) error { return nil }

func (p *stubProvider) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	p.lastReq = req
	if p.genErr != nil {
		return "", p.genErr
	}
	return p.reply, nil
}

func (p *stubProvider) Stream(_ context.Context, req llm.GenerateRequest) (*llm.Stream, error) {
	p.lastReq = req
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	i := 0
	return llm.NewStream(func() (string, error) {
		if i < len(p.chunks) {
			chunk := p.chunks[i]
			i++
			return chunk, nil
		}
		if p.midErr != nil {
			return "", p.midErr
		}
		return "", io.EOF
	}, func() {}), nil
}

func newTestCoordinator(t *testing.T, p llm.Provider) (*Coordinator, *tierstore.Store, *usage.Service) {
	t.Helper()

	mr := miniredis.RunT(t)
	tiers, err := tierstore.New(tierstore.Config{
		URL:   "redis://" + mr.Addr(),
		ITMDB: 1,
	}, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tiers.Close() })

	logger := testutil.TestLogger()
	validator := policy.New(testDB, nil, logger)
	quota := usage.New(testDB, usage.DefaultLimits(), logger)
	engine := memory.New(testDB, tiers, embedding.NewNoopProvider(embedding.DefaultDimensions), quota, validator, logger)
	orch := llm.NewOrchestrator([]llm.Provider{p}, 3, time.Minute, logger)

	return New(testDB, engine, orch, quota, tiers, tokens.HeuristicCounter{}, logger), tiers, quota
}

func listConversations(t *testing.T, userID uuid.UUID) []model.Memory {
	t.Helper()
	conv := model.MemoryTypeConversation
	memories, _, err := testDB.ListMemories(context.Background(), userID, storage.MemoryFilters{Type: &conv}, 10, 0)
	require.NoError(t, err)
	return memories
}

func reflectionTaskCount(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM reflection_outbox WHERE user_id = $1`, userID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestMessageHappyPath(t *testing.T) {
	p := newStubProvider()
	p.reply = "A channel is a typed conduit for goroutine communication."
	c, tiers, quota := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	msg := "What is a channel in Go?"
	resp, err := c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: msg})
	require.NoError(t, err)

	assert.Equal(t, p.reply, resp.Content)
	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, "stub-model", resp.Model)
	assert.NotEqual(t, uuid.Nil, resp.SessionID)
	assert.GreaterOrEqual(t, resp.LatencyMS, int64(0))

	counter := tokens.HeuristicCounter{}
	wantIn := counter.Count(systemPrompt(memory.Context{})) + counter.Count(msg)
	assert.Equal(t, wantIn, resp.InputTokens)
	assert.Equal(t, counter.Count(p.reply), resp.OutputTokens)

	session, err := testDB.GetSession(ctx, userID, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)

	recs, err := tiers.GetSTM(ctx, resp.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, msg, recs[0].Input)
	assert.Equal(t, p.reply, recs[0].Output)
	assert.Equal(t, resp.InputTokens+resp.OutputTokens, recs[0].Tokens)

	rows := listConversations(t, userID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.TierSTM, rows[0].Tier)
	assert.Equal(t, msg, rows[0].InputContext)
	assert.Equal(t, p.reply, rows[0].OutputResponse)
	assert.InDelta(t, turnConfidence, rows[0].ConfidenceScore, 1e-6)
	require.NotNil(t, rows[0].SessionID)
	assert.Equal(t, resp.SessionID, *rows[0].SessionID)

	tokensUsed, err := quota.Today(ctx, userID, model.ResourceLLMTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(resp.InputTokens+resp.OutputTokens), tokensUsed)

	messagesUsed, err := quota.Today(ctx, userID, model.ResourceMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(1), messagesUsed)

	assert.Equal(t, 1, reflectionTaskCount(t, userID))
}

func TestMessageCarriesContextAcrossTurns(t *testing.T) {
	p := newStubProvider()
	p.reply = "Goroutines are lightweight threads."
	c, tiers, _ := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	first, err := c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "Tell me about goroutines"})
	require.NoError(t, err)

	sid := first.SessionID
	second, err := c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{
		Message:   "And how do they talk to each other?",
		SessionID: &sid,
	})
	require.NoError(t, err)
	assert.Equal(t, sid, second.SessionID)

	// The second prompt carries the first turn as conversation context.
	assert.Contains(t, p.lastReq.SystemPrompt, "User: Tell me about goroutines")
	assert.Contains(t, p.lastReq.SystemPrompt, "Assistant: "+p.reply)

	recs, err := tiers.GetSTM(ctx, sid, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, total, err := testDB.ListSessions(ctx, userID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestMessageRejectsEmptyAfterSanitize(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())
	userID := uuid.New()

	_, err := c.Message(context.Background(), userID, model.QuotaTierBasic, model.ChatMessageRequest{
		Message: "<p>   </p>",
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	// Rejected before any session was opened.
	_, total, err := testDB.ListSessions(context.Background(), userID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMessageRejectsOverlongMessage(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())

	_, err := c.Message(context.Background(), uuid.New(), model.QuotaTierBasic, model.ChatMessageRequest{
		Message: strings.Repeat("a", maxMessageLen+1),
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMessageRejectsClosedSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())
	ctx := context.Background()
	userID := uuid.New()
	sessionID := uuid.New()

	_, err := testDB.EnsureSession(ctx, userID, sessionID)
	require.NoError(t, err)
	_, err = testDB.CloseSession(ctx, userID, sessionID)
	require.NoError(t, err)

	_, err = c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{
		Message:   "hello again",
		SessionID: &sessionID,
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMessageSanitizesMarkup(t *testing.T) {
	p := newStubProvider()
	c, tiers, _ := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	resp, err := c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{
		Message: "<b>Hello</b>\n\n  world &amp; <script>alert(1)</script> friends",
	})
	require.NoError(t, err)

	want := "Hello world & alert(1) friends"
	assert.Equal(t, want, p.lastReq.Prompt)

	recs, err := tiers.GetSTM(ctx, resp.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, want, recs[0].Input)
}

func TestMessageTokenQuotaExceeded(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.InsertUsage(ctx, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceLLMTokens,
		Amount:       1_000,
	}))

	_, err := c.Message(ctx, userID, model.QuotaTierFreeTrial, model.ChatMessageRequest{Message: "hello"})
	require.ErrorIs(t, err, usage.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "llm_tokens quota reached")

	// The session was opened, but the turn went no further.
	_, total, err := testDB.ListSessions(ctx, userID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Empty(t, listConversations(t, userID))
	assert.Zero(t, reflectionTaskCount(t, userID))
}

func TestMessageMessageQuotaExceeded(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.InsertUsage(ctx, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceMessages,
		Amount:       100,
	}))

	_, err := c.Message(ctx, userID, model.QuotaTierFreeTrial, model.ChatMessageRequest{Message: "hi"})
	require.ErrorIs(t, err, usage.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "messages quota reached")
}

func TestMessageUnlimitedTierSkipsQuota(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newStubProvider())
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, testDB.InsertUsage(ctx, model.UsageEntry{
		UserID:       userID,
		ResourceType: model.ResourceLLMTokens,
		Amount:       1 << 40,
	}))

	_, err := c.Message(ctx, userID, model.QuotaTierPro, model.ChatMessageRequest{Message: "still here?"})
	require.NoError(t, err)
}

func TestMessageProviderNotReady(t *testing.T) {
	p := newStubProvider()
	p.readyErr = fmt.Errorf("model pull pending: %w", llm.ErrNotReady)
	c, _, quota := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	_, err := c.Message(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "anyone home?"})
	require.ErrorIs(t, err, llm.ErrNotReady)

	used, err := quota.Today(ctx, userID, model.ResourceMessages)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestMessageProviderExhausted(t *testing.T) {
	p := newStubProvider()
	p.genErr = &llm.ProviderError{Provider: "stub", Message: "boom"}
	c, _, _ := newTestCoordinator(t, p)
	userID := uuid.New()

	_, err := c.Message(context.Background(), userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "hello"})

	var exhausted *llm.ProviderExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, listConversations(t, userID))
	assert.Zero(t, reflectionTaskCount(t, userID))
}

func TestStreamHappyPath(t *testing.T) {
	p := newStubProvider()
	p.chunks = []string{"Hel", "lo ", "world"}
	c, tiers, quota := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	s, err := c.Stream(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "Say hello"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "stub", s.Provider)
	assert.NotEqual(t, uuid.Nil, s.SessionID)

	var got strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got.WriteString(chunk)
	}
	assert.Equal(t, "Hello world", got.String())

	inTokens, outTokens := s.Usage()
	assert.Positive(t, inTokens)
	assert.Equal(t, tokens.HeuristicCounter{}.Count("Hello world"), outTokens)

	recs, err := tiers.GetSTM(ctx, s.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Hello world", recs[0].Output)

	rows := listConversations(t, userID)
	require.Len(t, rows, 1)
	assert.Equal(t, "Hello world", rows[0].OutputResponse)

	tokensUsed, err := quota.Today(ctx, userID, model.ResourceLLMTokens)
	require.NoError(t, err)
	assert.Equal(t, int64(inTokens+outTokens), tokensUsed)

	assert.Equal(t, 1, reflectionTaskCount(t, userID))
}

func TestStreamAbandonedPersistsNothing(t *testing.T) {
	p := newStubProvider()
	p.chunks = []string{"Hel", "lo ", "world"}
	c, tiers, quota := newTestCoordinator(t, p)
	ctx := context.Background()
	userID := uuid.New()

	s, err := c.Stream(ctx, userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "Say hello"})
	require.NoError(t, err)

	_, err = s.Recv()
	require.NoError(t, err)
	s.Close()

	recs, err := tiers.GetSTM(ctx, s.SessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, listConversations(t, userID))
	assert.Zero(t, reflectionTaskCount(t, userID))

	used, err := quota.Today(ctx, userID, model.ResourceLLMTokens)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestStreamFailsMidGeneration(t *testing.T) {
	p := newStubProvider()
	p.chunks = []string{"Hel"}
	p.midErr = errors.New("connection reset")
	c, _, _ := newTestCoordinator(t, p)
	userID := uuid.New()

	s, err := c.Stream(context.Background(), userID, model.QuotaTierBasic, model.ChatMessageRequest{Message: "Say hello"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)

	assert.Empty(t, listConversations(t, userID))
	assert.Zero(t, reflectionTaskCount(t, userID))
}

func TestStreamRequiresStreamingProvider(t *testing.T) {
	p := newStubProvider()
	p.streaming = false
	c, _, _ := newTestCoordinator(t, p)

	_, err := c.Stream(context.Background(), uuid.New(), model.QuotaTierBasic, model.ChatMessageRequest{Message: "hello"})

	var exhausted *llm.ProviderExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestSanitize(t *testing.T) {
	got, err := sanitize("<b>Hello</b>\n\n  world &amp; <script>alert(1)</script> friends")
	require.NoError(t, err)
	assert.Equal(t, "Hello world & alert(1) friends", got)

	_, err = sanitize("<p>   </p>")
	require.ErrorIs(t, err, ErrInvalidInput)

	longest := strings.Repeat("a", maxMessageLen)
	got, err = sanitize(longest)
	require.NoError(t, err)
	assert.Equal(t, longest, got)

	_, err = sanitize(strings.Repeat("a", maxMessageLen+1))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSystemPrompt(t *testing.T) {
	base := systemPrompt(memory.Context{})
	assert.NotEmpty(t, base)
	assert.NotContains(t, base, "Recent conversation")

	mc := memory.Context{
		STM: []model.Interaction{{Input: "hi", Output: "hello"}},
		ITM: []model.Memory{{Type: model.MemoryTypeLesson, OutputResponse: "Always test."}},
		LTM: []model.Memory{{Type: model.MemoryTypeReflection, OutputResponse: "Be concise."}},
	}
	prompt := systemPrompt(mc)
	assert.Contains(t, prompt, "Recent conversation:\nUser: hi\nAssistant: hello")
	assert.Contains(t, prompt, "Working memory:\n- [lesson] Always test.")
	assert.Contains(t, prompt, "Long-term memory:\n- [reflection] Be concise.")
	assert.Equal(t, prompt, systemPrompt(mc))
}
