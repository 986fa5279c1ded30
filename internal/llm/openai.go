package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIName           = "openai"
	defaultOpenAIURL     = "https://api.openai.com"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultHostedTimeout = 60 * time.Second
)

// OpenAIProvider generates text through the chat completions API. Streaming
// responses arrive as SSE data lines terminated by a [DONE] sentinel.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	enabled    bool
	httpClient *http.Client
}

func NewOpenAIProvider(apiKey, baseURL, model string, timeout time.Duration, enabled bool) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = defaultHostedTimeout
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		enabled:    enabled,
		httpClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string            { return openAIName }
func (p *OpenAIProvider) ModelName() string       { return p.model }
func (p *OpenAIProvider) SupportsStreaming() bool { return true }
func (p *OpenAIProvider) Enabled() bool           { return p.enabled }
func (p *OpenAIProvider) Configured() bool        { return p.apiKey != "" }

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// EnsureReady verifies credentials with a models listing. Hosted providers
// have nothing to pull or warm.
func (p *OpenAIProvider) EnsureReady(ctx context.Context) error {
	if !p.Configured() {
		return fmt.Errorf("%w: openai API key missing", ErrConfiguration)
	}
	return p.CheckHealth(ctx)
}

func (p *OpenAIProvider) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("openai: health: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: health: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: openai rejected API key", ErrConfiguration)
	default:
		return &ProviderError{Provider: openAIName, Message: fmt.Sprintf("health returned status %d", resp.StatusCode)}
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(ctx, p.chatBody(req, false))
	if err != nil {
		return "", p.transportErr("generate", ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", p.apiError(resp)
	}
	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Provider: openAIName, Message: "decode response", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &ProviderError{Provider: openAIName, Message: "response has no choices"}
	}
	return out.Choices[0].Message.Content, nil
}

// Stream issues a streaming chat completion. Recv parses SSE data lines,
// skipping keepalive comments and empty deltas, until [DONE].
func (p *OpenAIProvider) Stream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	resp, err := p.post(streamCtx, p.chatBody(req, true))
	if err != nil {
		defer cancel()
		return nil, p.transportErr("stream", streamCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := p.apiError(resp)
		resp.Body.Close()
		cancel()
		return nil, apiErr
	}

	reader := bufio.NewReader(resp.Body)
	finished := false
	next := func() (string, error) {
		for !finished {
			line, err := reader.ReadString('\n')
			if err != nil {
				// A body that ends before [DONE] is a dead stream, not a
				// clean completion; io.EOF must not leak to the caller.
				if errors.Is(err, io.EOF) {
					return "", &ProviderError{Provider: openAIName, Message: "stream ended before completion"}
				}
				return "", p.transportErr("stream", streamCtx, err)
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				finished = true
				return "", io.EOF
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", &ProviderError{Provider: openAIName, Message: "decode stream chunk", Err: err}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				return chunk.Choices[0].Delta.Content, nil
			}
		}
		return "", io.EOF
	}
	closeFn := func() {
		resp.Body.Close()
		cancel()
	}
	return NewStream(next, closeFn), nil
}

func (p *OpenAIProvider) chatBody(req GenerateRequest, stream bool) openAIChatRequest {
	messages := make([]openAIChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.Prompt})
	return openAIChatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return p.httpClient.Do(req)
}

func (p *OpenAIProvider) transportErr(op string, reqCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("openai: %s: %w", op, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Provider: openAIName, Message: op + " failed", Err: err}
}

func (p *OpenAIProvider) apiError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	var apiErr openAIErrorResponse
	if err := json.Unmarshal(detail, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, apiErr.Error.Message)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: openai: %s", ErrConfiguration, msg)
	}
	return &ProviderError{Provider: openAIName, Message: msg}
}
