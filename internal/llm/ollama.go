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
	ollamaName          = "ollama"
	defaultOllamaURL    = "http://localhost:11434"
	defaultOllamaModel  = "llama3.2"
	defaultLocalTimeout = 120 * time.Second

	// Model pulls download gigabytes on first use.
	ollamaPullTimeout = 10 * time.Minute
)

// OllamaProvider generates text through a local Ollama server using the
// /api/generate endpoint. Streaming responses arrive as newline-delimited
// JSON chunks with a done flag on the last one.
type OllamaProvider struct {
	baseURL    string
	model      string
	timeout    time.Duration
	enabled    bool
	httpClient *http.Client
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration, enabled bool) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	if timeout <= 0 {
		timeout = defaultLocalTimeout
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		enabled: enabled,
		// Deadlines are set per call; pulls run far longer than chat.
		httpClient: &http.Client{},
	}
}

func (p *OllamaProvider) Name() string            { return ollamaName }
func (p *OllamaProvider) ModelName() string       { return p.model }
func (p *OllamaProvider) SupportsStreaming() bool { return true }
func (p *OllamaProvider) Enabled() bool           { return p.enabled }
func (p *OllamaProvider) Configured() bool        { return p.baseURL != "" }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// EnsureReady confirms the server is reachable and the model is present,
// pulling it when absent.
func (p *OllamaProvider) EnsureReady(ctx context.Context) error {
	present, err := p.hasModel(ctx)
	if err != nil {
		return fmt.Errorf("%w: ollama unreachable at %s: %v", ErrNotReady, p.baseURL, err)
	}
	if present {
		return nil
	}
	if err := p.pullModel(ctx); err != nil {
		return fmt.Errorf("%w: ollama pull %s: %v", ErrNotReady, p.model, err)
	}
	return nil
}

func (p *OllamaProvider) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: health: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Provider: ollamaName, Message: fmt.Sprintf("health returned status %d", resp.StatusCode)}
	}
	return nil
}

func (p *OllamaProvider) hasModel(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("list models returned status %d", resp.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, fmt.Errorf("decode tags: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == p.model || strings.HasPrefix(m.Name, p.model+":") {
			return true, nil
		}
	}
	return false, nil
}

func (p *OllamaProvider) pullModel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ollamaPullTimeout)
	defer cancel()

	resp, err := p.post(ctx, "/api/pull", map[string]any{"name": p.model, "stream": false})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.post(ctx, "/api/generate", p.generateBody(req, false))
	if err != nil {
		return "", p.transportErr("generate", ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", p.apiError(resp)
	}
	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ProviderError{Provider: ollamaName, Message: "decode response", Err: err}
	}
	return out.Response, nil
}

// Stream issues a streaming generate call. The returned Stream parses one
// NDJSON chunk per Recv until the done flag.
func (p *OllamaProvider) Stream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	resp, err := p.post(streamCtx, "/api/generate", p.generateBody(req, true))
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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finished := false
	next := func() (string, error) {
		for !finished && scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return "", &ProviderError{Provider: ollamaName, Message: "decode stream chunk", Err: err}
			}
			if chunk.Done {
				finished = true
				if chunk.Response != "" {
					return chunk.Response, nil
				}
				return "", io.EOF
			}
			if chunk.Response != "" {
				return chunk.Response, nil
			}
		}
		if finished {
			return "", io.EOF
		}
		if err := scanner.Err(); err != nil {
			return "", p.transportErr("stream", streamCtx, err)
		}
		return "", &ProviderError{Provider: ollamaName, Message: "stream ended before completion"}
	}
	closeFn := func() {
		resp.Body.Close()
		cancel()
	}
	return NewStream(next, closeFn), nil
}

func (p *OllamaProvider) generateBody(req GenerateRequest, stream bool) ollamaGenerateRequest {
	body := ollamaGenerateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: stream,
	}
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}
	return body
}

func (p *OllamaProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(req)
}

func (p *OllamaProvider) transportErr(op string, reqCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("ollama: %s: %w", op, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Provider: ollamaName, Message: op + " failed", Err: err}
}

func (p *OllamaProvider) apiError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if trimmed := strings.TrimSpace(string(detail)); trimmed != "" {
		msg = fmt.Sprintf("%s: %s", msg, trimmed)
	}
	return &ProviderError{Provider: ollamaName, Message: msg}
}
