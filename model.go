package kestrel

import "context"

// ModelInfo describes a backend instance.
type ModelInfo struct {
	// Backend identifies the implementation, e.g. "ollama" or "openai".
	Backend string
	// Device is the execution target reported by the backend
	// ("CPU", "Metal", "remote", ...).
	Device string
	// GPULayers is the number of layers loaded on an accelerator, when the
	// backend reports it. -1 when unknown.
	GPULayers int
	// MemoryBytes is the backend's estimated memory footprint. 0 when unknown.
	MemoryBytes int64
	// ContextSize is the context window in tokens. Drives the
	// auto-summarization budget.
	ContextSize int
}

// Model abstracts one inference backend instance. A Model is safe for
// concurrent use and may be shared by multiple Agents; the Agent that uses
// it never owns it, and Agent.Close never closes it.
//
// Close releases backend resources and is idempotent. Any generation call
// on a closed Model fails with ErrClosed.
type Model interface {
	// Info returns static facts about the backend instance.
	Info() ModelInfo
	// Warmup exercises the backend once to cut first-response latency.
	Warmup(ctx context.Context) error
	// Generate produces a complete response for the request.
	Generate(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// GenerateStream produces a response incrementally, invoking onFragment
	// for each text fragment in generation order. A non-nil error returned
	// by onFragment stops generation; GenerateStream returns that error.
	// The returned ChatResponse carries the accumulated content and any
	// tool calls the backend requested.
	GenerateStream(ctx context.Context, req ChatRequest, onFragment func(fragment string) error) (ChatResponse, error)
	// Close releases backend resources. Idempotent, never an error to call twice.
	Close() error
}
