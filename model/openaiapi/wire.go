package openaiapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/kestrel-ai/kestrel"
)

// --- Request types ---

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// When streaming, request usage in the final chunk.
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// message is a single message in the OpenAI chat format.
type message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []toolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// tool wraps a function definition in the OpenAI tool format.
type tool struct {
	Type     string   `json:"type"` // always "function"
	Function function `json:"function"`
}

type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCallRequest represents a tool call in an OpenAI response or request.
// During streaming, Index indicates which tool call is being updated.
type toolCallRequest struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function functionCall `json:"function"`
}

// functionCall holds the function name and arguments (as a JSON string).
type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- Response types ---

// chatResponse is the OpenAI chat completions response.
type chatResponse struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// choiceMessage is the message content within a choice (used for both
// message and delta).
type choiceMessage struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []toolCallRequest `json:"tool_calls,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// buildBody converts a kestrel ChatRequest into the OpenAI wire format.
// System messages stay in the messages array as role:"system".
func buildBody(req kestrel.ChatRequest, model string) chatRequest {
	var msgs []message

	for _, m := range req.Messages {
		switch {
		case m.Role == kestrel.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []toolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, toolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, message{
				Role:      kestrel.RoleAssistant,
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == kestrel.RoleTool:
			msgs = append(msgs, message{
				Role:       kestrel.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, message{Role: m.Role, Content: m.Content})
		}
	}

	body := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := float64(req.Temperature)
		body.Temperature = &t
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

// buildToolDefs converts kestrel ToolDefinitions to OpenAI tool format.
func buildToolDefs(tools []kestrel.ToolDefinition) []tool {
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// parseResponse converts an OpenAI-format chatResponse to a kestrel
// ChatResponse, extracting content, tool calls, and usage from choices[0].
func parseResponse(resp chatResponse) kestrel.ChatResponse {
	var out kestrel.ChatResponse

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out.Content = resp.Choices[0].Message.Content
		out.ToolCalls = parseToolCalls(resp.Choices[0].Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = kestrel.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts OpenAI tool call requests to kestrel ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so dispatch still gets a parseable payload.
func parseToolCalls(tcs []toolCallRequest) []kestrel.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]kestrel.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, kestrel.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// streamSSE reads an SSE stream from body, forwards text deltas through
// onFragment, and returns the fully accumulated response (content + tool
// calls + usage). A non-nil onFragment error aborts the read and is
// returned unchanged.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, onFragment func(string) error) (kestrel.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var u kestrel.Usage

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each chunk has an index, and arguments arrive as
	// string fragments. Entries are pointers so a grow of the slice never
	// copies a Builder that has been written to.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []*partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return kestrel.ChatResponse{}, err
		}
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			u.InputTokens = chunk.Usage.PromptTokens
			u.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			if onFragment != nil {
				if err := onFragment(delta.Content); err != nil {
					return kestrel.ChatResponse{}, err
				}
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, &partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return kestrel.ChatResponse{}, err
	}

	var calls []kestrel.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, kestrel.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return kestrel.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: calls,
		Usage:     u,
	}, nil
}
