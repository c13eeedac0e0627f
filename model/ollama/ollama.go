// Package ollama implements kestrel.Model against a local Ollama server
// using the official API client.
package ollama

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/kestrel-ai/kestrel"
	"github.com/ollama/ollama/api"
)

const backendName = "ollama"

// Option configures a Model.
type Option func(*Model)

// WithContextSize sets num_ctx for every request and reports it through
// Info so history summarization can budget against it.
func WithContextSize(n int) Option {
	return func(m *Model) { m.contextSize = n }
}

// WithLogger sets a structured logger for the backend.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// Model is a chat backend served by a local Ollama instance.
type Model struct {
	client      *api.Client
	model       string
	contextSize int
	logger      *slog.Logger
	closed      atomic.Bool
}

var _ kestrel.Model = (*Model)(nil)

// New creates a Model against the Ollama server at baseURL
// (e.g. "http://localhost:11434"). An empty baseURL falls back to the
// OLLAMA_HOST environment convention.
//
// The HTTP client carries no timeout: local generation can legitimately
// take minutes while a model pages in, and callers cancel via context.
func New(model, baseURL string, opts ...Option) (*Model, error) {
	if model == "" {
		return nil, &kestrel.ErrBackendInit{Backend: backendName, Message: "model name is required"}
	}

	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, &kestrel.ErrBackendInit{Backend: backendName, Message: "invalid base URL", Err: err}
		}
		client = api.NewClient(u, &http.Client{Timeout: 0})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, &kestrel.ErrBackendInit{Backend: backendName, Message: "client from environment", Err: err}
		}
	}

	m := &Model{
		client: client,
		model:  model,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Info("ollama backend initialized", "model", model, "base_url", baseURL)
	return m, nil
}

// Info describes the backend.
func (m *Model) Info() kestrel.ModelInfo {
	return kestrel.ModelInfo{
		Backend:     backendName,
		Device:      "local",
		ContextSize: m.contextSize,
	}
}

// Warmup loads the model into server memory. Ollama treats a chat request
// with no messages as a pure load, so this pages in the weights without
// generating anything.
func (m *Model) Warmup(ctx context.Context) error {
	if m.closed.Load() {
		return kestrel.ErrClosed
	}
	stream := false
	req := &api.ChatRequest{Model: m.model, Stream: &stream}
	err := m.client.Chat(ctx, req, func(api.ChatResponse) error { return nil })
	if err != nil {
		return &kestrel.ErrInference{Backend: backendName, Message: "warmup", Err: err}
	}
	return nil
}

// Generate sends a non-streaming chat request and returns the complete
// response.
func (m *Model) Generate(ctx context.Context, req kestrel.ChatRequest) (kestrel.ChatResponse, error) {
	return m.chat(ctx, req, false, nil)
}

// GenerateStream streams the response, invoking onFragment for each piece
// of content in arrival order, and returns the accumulated response. A
// non-nil onFragment error aborts the stream and is returned unchanged.
func (m *Model) GenerateStream(ctx context.Context, req kestrel.ChatRequest, onFragment func(string) error) (kestrel.ChatResponse, error) {
	return m.chat(ctx, req, true, onFragment)
}

func (m *Model) chat(ctx context.Context, req kestrel.ChatRequest, stream bool, onFragment func(string) error) (kestrel.ChatResponse, error) {
	if m.closed.Load() {
		return kestrel.ChatResponse{}, kestrel.ErrClosed
	}

	apiReq := &api.ChatRequest{
		Model:    m.model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
		Options:  m.requestOptions(req),
		Stream:   &stream,
	}

	var content strings.Builder
	var calls []kestrel.ToolCall
	var u kestrel.Usage
	var fragmentErr error

	err := m.client.Chat(ctx, apiReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if onFragment != nil {
				if err := onFragment(resp.Message.Content); err != nil {
					fragmentErr = err
					return err
				}
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, kestrel.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
		if resp.Done {
			u.InputTokens = resp.PromptEvalCount
			u.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if fragmentErr != nil {
		// The consumer aborted; hand its error back with identity intact.
		return kestrel.ChatResponse{}, fragmentErr
	}
	if err != nil {
		return kestrel.ChatResponse{}, &kestrel.ErrInference{Backend: backendName, Message: "chat " + m.model, Err: err}
	}

	return kestrel.ChatResponse{
		Content:   content.String(),
		ToolCalls: calls,
		Usage:     u,
	}, nil
}

// requestOptions maps sampling parameters onto Ollama's options map.
func (m *Model) requestOptions(req kestrel.ChatRequest) map[string]any {
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = float64(req.Temperature)
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if m.contextSize > 0 {
		opts["num_ctx"] = m.contextSize
	}
	return opts
}

// convertMessages converts conversation messages to the Ollama API format.
// Tool-call arguments ride through a JSON round-trip because the SDK's
// argument type only unmarshals from a JSON object.
func convertMessages(messages []kestrel.Message) []api.Message {
	var out []api.Message
	for _, m := range messages {
		msg := api.Message{Role: m.Role, Content: m.Content}
		if m.Role == kestrel.RoleAssistant && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				var apiArgs api.ToolCallFunctionArguments
				if err := json.Unmarshal(tc.Args, &apiArgs); err != nil {
					_ = json.Unmarshal([]byte("{}"), &apiArgs)
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: apiArgs,
					},
				})
			}
		}
		if m.Role == kestrel.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

// convertTools converts tool definitions to []api.Tool through a JSON
// round-trip, avoiding a field-by-field mapping onto the SDK's nested
// function schema types.
func convertTools(tools []kestrel.ToolDefinition) []api.Tool {
	if len(tools) == 0 {
		return nil
	}
	wire := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Close releases the backend handle. Idempotent; generation calls after
// Close fail with ErrClosed. The Ollama server itself keeps running.
func (m *Model) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Debug("ollama backend closed", "model", m.model)
	return nil
}
