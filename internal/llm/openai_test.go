package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIGenerate(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Hi!"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "gpt-4o-mini", 0, true)
	text, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:       "Say hi",
		SystemPrompt: "Be friendly.",
		Temperature:  0.7,
		MaxTokens:    128,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", text)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, openAIChatMessage{Role: "system", Content: "Be friendly."}, got.Messages[0])
	assert.Equal(t, openAIChatMessage{Role: "user", Content: "Say hi"}, got.Messages[1])
	assert.Equal(t, 0.7, got.Temperature)
	assert.Equal(t, 128, got.MaxTokens)
	assert.False(t, got.Stream)
}

func TestOpenAIGenerateOmitsSystemWhenEmpty(t *testing.T) {
	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limit reached"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "429")
	assert.Contains(t, pe.Message, "rate limit reached")
}

func TestOpenAIGenerateUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("bad-key", srv.URL, "", 0, true)
	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "no choices")
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, drainStream(t, stream))
}

func TestOpenAIStreamTruncatedIsNotEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"par"}}]}`+"\n\n")
		// Connection drops without a [DONE] sentinel.
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	stream, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "par", chunk)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "ended before completion")
}

func TestOpenAIStreamStartError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", srv.URL, "", 0, true)
	_, err := p.Stream(context.Background(), GenerateRequest{Prompt: "hi"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "overloaded")
}

func TestOpenAIConfigured(t *testing.T) {
	p := NewOpenAIProvider("", "", "", 0, true)
	assert.False(t, p.Configured())
	assert.ErrorIs(t, p.EnsureReady(context.Background()), ErrConfiguration)

	p = NewOpenAIProvider("sk-test", "", "", 0, true)
	assert.True(t, p.Configured())
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, defaultOpenAIModel, p.ModelName())
	assert.Equal(t, defaultHostedTimeout, p.timeout)
}

func TestOpenAICheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	good := NewOpenAIProvider("good-key", srv.URL, "", 0, true)
	assert.NoError(t, good.CheckHealth(context.Background()))

	bad := NewOpenAIProvider("bad-key", srv.URL, "", 0, true)
	assert.ErrorIs(t, bad.CheckHealth(context.Background()), ErrConfiguration)
}
