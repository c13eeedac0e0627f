package openaiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrel-ai/kestrel"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m, err := New("test-key", "test-model", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewValidation(t *testing.T) {
	var initErr *kestrel.ErrBackendInit

	_, err := New("k", "", "http://localhost")
	if !errors.As(err, &initErr) {
		t.Errorf("missing model: expected *ErrBackendInit, got %v", err)
	}
	_, err = New("k", "m", "")
	if !errors.As(err, &initErr) {
		t.Errorf("missing base URL: expected *ErrBackendInit, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"id": "resp-1",
			"choices": [{"message": {"role": "assistant", "content": "hello there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	})

	resp, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages:    []kestrel.Message{kestrel.UserMessage("hi")},
		Temperature: 0.5,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 1 {
		t.Errorf("request body = %+v", gotBody)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.5 {
		t.Errorf("temperature not forwarded: %+v", gotBody.Temperature)
	}
}

func TestGenerateToolCalls(t *testing.T) {
	var gotBody chatRequest
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"choices": [{"message": {
				"role": "assistant",
				"tool_calls": [{"id": "call-1", "type": "function",
					"function": {"name": "echo", "arguments": "{\"text\":\"hi\"}"}}]
			}}]
		}`)
	})

	resp, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("use the tool")},
		Tools: []kestrel.ToolDefinition{
			{Name: "echo", Description: "echoes", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "echo" || string(tc.Args) != `{"text":"hi"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if len(gotBody.Tools) != 1 || gotBody.Tools[0].Function.Name != "echo" {
		t.Errorf("tools not advertised: %+v", gotBody.Tools)
	}
}

func TestGenerateToolHistoryRoundTrip(t *testing.T) {
	var gotBody chatRequest
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"choices": [{"message": {"content": "done"}}]}`)
	})

	_, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{
			kestrel.UserMessage("go"),
			{Role: kestrel.RoleAssistant, ToolCalls: []kestrel.ToolCall{
				{ID: "call-1", Name: "echo", Args: json.RawMessage(`{}`)},
			}},
			kestrel.ToolResultMessage("call-1", "tool output"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gotBody.Messages) != 3 {
		t.Fatalf("messages = %+v", gotBody.Messages)
	}
	asst := gotBody.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Name != "echo" {
		t.Errorf("assistant tool calls not encoded: %+v", asst)
	}
	toolMsg := gotBody.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call-1" {
		t.Errorf("tool result not encoded: %+v", toolMsg)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "rate limited"}`)
	})

	_, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	})
	var httpErr *kestrel.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *ErrHTTP, got %v", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", httpErr.Status)
	}
}

func TestGenerateStream(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var frags []string
	resp, err := m.GenerateStream(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	}, func(f string) error {
		frags = append(frags, f)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(frags) != 2 || frags[0] != "Hel" || frags[1] != "lo" {
		t.Errorf("fragments = %v", frags)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestGenerateStreamToolCallAssembly(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call-1\",\"function\":{\"name\":\"echo\",\"arguments\":\"{\\\"te\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"xt\\\":\\\"hi\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp, err := m.GenerateStream(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "echo" || string(tc.Args) != `{"text":"hi"}` {
		t.Errorf("assembled tool call = %+v", tc)
	}
}

func TestGenerateStreamInterleavedToolCalls(t *testing.T) {
	// Argument deltas for two tool calls arrive interleaved; each must
	// accumulate under its own index.
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call-1\",\"function\":{\"name\":\"first\",\"arguments\":\"{\\\"a\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"call-2\",\"function\":{\"name\":\"second\",\"arguments\":\"{\\\"b\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"1}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":1,\"function\":{\"arguments\":\"2}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp, err := m.GenerateStream(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if got := resp.ToolCalls[0]; got.ID != "call-1" || got.Name != "first" || string(got.Args) != `{"a":1}` {
		t.Errorf("first call = %+v", got)
	}
	if got := resp.ToolCalls[1]; got.ID != "call-2" || got.Name != "second" || string(got.Args) != `{"b":2}` {
		t.Errorf("second call = %+v", got)
	}
}

func TestGenerateStreamFragmentErrorAborts(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	abort := errors.New("consumer gone")
	calls := 0
	_, err := m.GenerateStream(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	}, func(string) error {
		calls++
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("onFragment called %d times, want 1", calls)
	}
}

func TestCloseIdempotent(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	})
	if !errors.Is(err, kestrel.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
