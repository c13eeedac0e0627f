// Package openaiapi implements kestrel.Model against any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama's /v1 endpoint, vLLM, LM Studio, and any other server
// that implements the OpenAI chat completions API.
package openaiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/kestrel-ai/kestrel"
)

const backendName = "openai"

// Option configures a Model.
type Option func(*Model)

// WithHTTPClient replaces the default HTTP client, e.g. to set a timeout
// or a custom transport.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.client = c }
}

// WithContextSize declares the model's context window in tokens. Remote
// APIs do not report it, so callers who know the deployed model should set
// it; history summarization uses it as its budget.
func WithContextSize(n int) Option {
	return func(m *Model) { m.contextSize = n }
}

// WithLogger sets a structured logger for the backend.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// Model is a remote OpenAI-compatible chat backend.
type Model struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	contextSize int
	logger      *slog.Logger
	closed      atomic.Bool
}

var _ kestrel.Model = (*Model)(nil)

// New creates a Model against an OpenAI-compatible API.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) (*Model, error) {
	if model == "" {
		return nil, &kestrel.ErrBackendInit{Backend: backendName, Message: "model name is required"}
	}
	if baseURL == "" {
		return nil, &kestrel.ErrBackendInit{Backend: backendName, Message: "base URL is required"}
	}
	m := &Model{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Info describes the backend. Device and memory fields stay zero for
// remote APIs; ContextSize reflects WithContextSize when set.
func (m *Model) Info() kestrel.ModelInfo {
	return kestrel.ModelInfo{
		Backend:     backendName,
		Device:      "remote",
		ContextSize: m.contextSize,
	}
}

// Warmup verifies the endpoint is reachable and the credentials work by
// requesting a single token. Remote APIs have no weights to page in, so
// this is purely a connectivity check.
func (m *Model) Warmup(ctx context.Context) error {
	_, err := m.Generate(ctx, kestrel.ChatRequest{
		Messages:  []kestrel.Message{kestrel.UserMessage("ping")},
		MaxTokens: 1,
	})
	return err
}

// Generate sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// ToolCalls.
func (m *Model) Generate(ctx context.Context, req kestrel.ChatRequest) (kestrel.ChatResponse, error) {
	if m.closed.Load() {
		return kestrel.ChatResponse{}, kestrel.ErrClosed
	}
	body := buildBody(req, m.model)

	resp, err := m.sendHTTP(ctx, body)
	if err != nil {
		return kestrel.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return kestrel.ChatResponse{}, httpErr(resp)
	}

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return kestrel.ChatResponse{}, &kestrel.ErrParse{What: "chat completions response", Err: err}
	}
	return parseResponse(wire), nil
}

// GenerateStream streams the response, invoking onFragment for each text
// delta in arrival order, and returns the accumulated response. A non-nil
// onFragment error aborts the stream and is returned unchanged.
func (m *Model) GenerateStream(ctx context.Context, req kestrel.ChatRequest, onFragment func(string) error) (kestrel.ChatResponse, error) {
	if m.closed.Load() {
		return kestrel.ChatResponse{}, kestrel.ErrClosed
	}
	body := buildBody(req, m.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := m.sendHTTP(ctx, body)
	if err != nil {
		return kestrel.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return kestrel.ChatResponse{}, httpErr(resp)
	}
	return streamSSE(ctx, resp.Body, onFragment)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (m *Model) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &kestrel.ErrInference{Backend: backendName, Message: "marshal request", Err: err}
	}

	url := m.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &kestrel.ErrInference{Backend: backendName, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, &kestrel.ErrInference{Backend: backendName, Message: fmt.Sprintf("POST %s", url), Err: err}
	}
	return resp, nil
}

// httpErr reads the response body and returns an *ErrHTTP carrying the
// status and server message.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &kestrel.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

// Close releases the backend handle. Idempotent; generation calls after
// Close fail with ErrClosed.
func (m *Model) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.client.CloseIdleConnections()
	m.logger.Debug("openai backend closed", "model", m.model)
	return nil
}
