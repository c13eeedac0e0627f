// Package kestrel is an agent orchestration core for language-model backends.
//
// It sits between an application and an inference backend (a local
// Ollama-served model or a remote OpenAI-compatible API) and turns a user
// message into a complete or streamed response while managing conversation
// history, tool calling, and a set of built-in productivity tools.
//
// # Quick Start
//
//	model := openaiapi.New(apiKey, "gpt-4o-mini", "https://api.openai.com/v1")
//	agent, err := kestrel.NewAgent(model,
//		kestrel.WithSystemPrompt("You are a helpful assistant."),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer agent.Close()
//
//	reply, err := agent.Generate(ctx, "What's on my todo list?")
//
// # Core pieces
//
//   - [Model]: the backend contract. Info, warmup, blocking and streaming
//     generation. Implementations: model/ollama (local weights via an Ollama
//     server) and model/openaiapi (any OpenAI-compatible endpoint). A Model
//     may be shared by several Agents; closing an Agent never closes it.
//   - [Agent]: owns one [Conversation] and one [ToolRegistry], holds a
//     shared Model reference, and runs the tool-dispatch loop.
//   - [ToolRegistry]: named tool callbacks with JSON-schema descriptors;
//     [ToolRegistry.RegisterFunc] infers the schema from a typed args struct.
//   - [Stream]: pull- or channel-based consumption of a streamed response,
//     backed by one worker goroutine per stream.
//   - Built-in tools: todo list and notes (registered through the same
//     registry as user tools, enabled by default, opt-out) plus an
//     auto-summarization policy that folds old history into a summary when
//     the context budget fills.
//
// Persistence for the built-in tools goes through [RecordStore]: a JSON file
// ([NewFileStore]) or SQLite (store/sqlite). The observer package provides an
// OpenTelemetry-backed [Tracer].
package kestrel
