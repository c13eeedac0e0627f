package ollama

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
	m, err := New("test-model", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewValidation(t *testing.T) {
	var initErr *kestrel.ErrBackendInit
	_, err := New("", "http://localhost:11434")
	if !errors.As(err, &initErr) {
		t.Errorf("missing model: expected *ErrBackendInit, got %v", err)
	}
	_, err = New("m", "://not-a-url")
	if !errors.As(err, &initErr) {
		t.Errorf("bad URL: expected *ErrBackendInit, got %v", err)
	}
}

func TestGenerate(t *testing.T) {
	var gotReq map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model": "test-model", "message": {"role": "assistant", "content": "pong"}, "done": true, "prompt_eval_count": 8, "eval_count": 1}`)
	})

	resp, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages:    []kestrel.Message{kestrel.UserMessage("ping")},
		Temperature: 0.3,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 1 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	opts, _ := gotReq["options"].(map[string]any)
	if opts == nil || opts["temperature"] != 0.3 || opts["num_predict"] != float64(64) {
		t.Errorf("options = %v", opts)
	}
}

func TestGenerateStream(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "Hel"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "lo"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": ""}, "done": true, "prompt_eval_count": 4, "eval_count": 2}`)
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
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestGenerateStreamFragmentErrorAborts(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "a"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "b"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": ""}, "done": true}`)
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

func TestGenerateToolCalls(t *testing.T) {
	var gotReq map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message": {"role": "assistant", "content": "", "tool_calls": [{"id": "call-1", "function": {"name": "echo", "arguments": {"text": "hi"}}}]}, "done": true}`)
	})

	resp, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("use the tool")},
		Tools: []kestrel.ToolDefinition{
			{Name: "echo", Description: "echoes", Parameters: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "echo" {
		t.Errorf("Name = %q", tc.Name)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil || args["text"] != "hi" {
		t.Errorf("Args = %s", tc.Args)
	}

	tools, _ := gotReq["tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("tools not advertised: %v", gotReq["tools"])
	}
}

func TestGenerateBackendError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": "model exploded"}`)
	})

	_, err := m.Generate(context.Background(), kestrel.ChatRequest{
		Messages: []kestrel.Message{kestrel.UserMessage("hi")},
	})
	var infErr *kestrel.ErrInference
	if !errors.As(err, &infErr) {
		t.Fatalf("expected *ErrInference, got %v", err)
	}
	if infErr.Backend != "ollama" {
		t.Errorf("Backend = %q", infErr.Backend)
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
	if err := m.Warmup(context.Background()); !errors.Is(err, kestrel.ErrClosed) {
		t.Errorf("Warmup after Close: expected ErrClosed, got %v", err)
	}
}

func TestConvertMessages(t *testing.T) {
	msgs := convertMessages([]kestrel.Message{
		kestrel.SystemMessage("be terse"),
		kestrel.UserMessage("go"),
		{Role: kestrel.RoleAssistant, ToolCalls: []kestrel.ToolCall{
			{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)},
		}},
		kestrel.ToolResultMessage("call-1", "tool output"),
	})
	if len(msgs) != 4 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "echo" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolCallID != "call-1" {
		t.Errorf("tool result = %+v", msgs[3])
	}
}
