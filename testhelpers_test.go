package kestrel

import (
	"context"
	"encoding/json"
	"sync"
)

// scriptStep is one scripted backend reply.
type scriptStep struct {
	resp ChatResponse
	err  error
}

// mockModel replays a script of responses, recording every request.
// GenerateStream chops the scripted content into chunkSize-rune fragments.
type mockModel struct {
	mu          sync.Mutex
	script      []scriptStep
	calls       []ChatRequest
	contextSize int
	chunkSize   int
}

var _ Model = (*mockModel)(nil)

func (m *mockModel) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.script) == 0 {
		return ChatResponse{Content: "unscripted"}, nil
	}
	step := m.script[0]
	m.script = m.script[1:]
	return step.resp, step.err
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockModel) Info() ModelInfo {
	return ModelInfo{Backend: "mock", ContextSize: m.contextSize}
}

func (m *mockModel) Warmup(context.Context) error { return nil }

func (m *mockModel) Generate(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockModel) GenerateStream(_ context.Context, req ChatRequest, onFragment func(string) error) (ChatResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	size := m.chunkSize
	if size <= 0 {
		size = 3
	}
	runes := []rune(resp.Content)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if err := onFragment(string(runes[start:end])); err != nil {
			return ChatResponse{}, err
		}
	}
	return resp, nil
}

func (m *mockModel) Close() error { return nil }

func textStep(content string) scriptStep {
	return scriptStep{resp: ChatResponse{Content: content}}
}

func toolCallStep(id, name, args string) scriptStep {
	return scriptStep{resp: ChatResponse{ToolCalls: []ToolCall{
		{ID: id, Name: name, Args: json.RawMessage(args)},
	}}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}
