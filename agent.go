package kestrel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultTemperature   = 0.7
	defaultMaxToolRounds = 10
)

// AgentOption configures an Agent at construction time. The resulting
// configuration is immutable for the Agent's life.
type AgentOption func(*agentConfig)

type agentConfig struct {
	systemPrompt  string
	temperature   float32
	maxTokens     int
	toolCalling   bool
	history       bool
	builtinTools  bool
	maxToolRounds int
	logger        *slog.Logger
	tracer        Tracer
}

// WithSystemPrompt sets the system prompt. It becomes the first history
// entry and survives ClearHistory.
func WithSystemPrompt(prompt string) AgentOption {
	return func(c *agentConfig) { c.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature passed to the backend.
func WithTemperature(t float32) AgentOption {
	return func(c *agentConfig) { c.temperature = t }
}

// WithMaxTokens caps tokens generated per response (0 = backend default).
func WithMaxTokens(n int) AgentOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithoutToolCalling disables tool dispatch: registered tools are never
// advertised to the backend.
func WithoutToolCalling() AgentOption {
	return func(c *agentConfig) { c.toolCalling = false }
}

// WithoutHistory disables conversation history management. Generation calls
// then see only the system prompt and the current message, and nothing is
// recorded.
func WithoutHistory() AgentOption {
	return func(c *agentConfig) { c.history = false }
}

// WithoutBuiltinTools disables the opt-out built-in tools (todo, notes,
// auto-summarization). Individual Enable* calls re-enable them.
func WithoutBuiltinTools() AgentOption {
	return func(c *agentConfig) { c.builtinTools = false }
}

// WithMaxToolRounds bounds the tool-call rounds in one generation call.
// Exceeding the bound fails that call with *ErrInference.
func WithMaxToolRounds(n int) AgentOption {
	return func(c *agentConfig) {
		if n > 0 {
			c.maxToolRounds = n
		}
	}
}

// WithLogger sets the structured logger. When unset, logs are discarded.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer enables span creation around generation calls and tool
// dispatches. observer.NewTracer() provides an OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// nopLogger discards all log output.
var nopLogger = slog.New(slog.DiscardHandler)

// Agent turns user messages into responses against one shared Model,
// managing conversation history, tool dispatch, and built-in tools.
//
// An Agent supports at most one in-flight generation at a time; a
// concurrent Generate or GenerateStream fails with ErrBusy. The Model
// reference is shared, not owned: Close releases only agent-local
// resources and never touches the Model.
type Agent struct {
	model  Model
	conv   *Conversation
	tools  *ToolRegistry
	cfg    agentConfig
	logger *slog.Logger
	tracer Tracer

	// genMu guards the single in-flight generation. Tool registration is
	// mutually exclusive with generation via the same lock, so a tool is
	// never replaced mid-dispatch.
	genMu  sync.Mutex
	closed atomic.Bool

	summarizeOn bool
	todo        *todoTool
	notes       *notesTool
}

// NewAgent creates an Agent against model. Built-in tools are enabled by
// default (opt-out via WithoutBuiltinTools), memory-only until an Enable*
// call supplies a storage location.
func NewAgent(model Model, opts ...AgentOption) (*Agent, error) {
	if model == nil {
		return nil, &ErrInvalidParam{Param: "model", Reason: "must be non-nil"}
	}
	cfg := agentConfig{
		temperature:   defaultTemperature,
		toolCalling:   true,
		history:       true,
		builtinTools:  true,
		maxToolRounds: defaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Agent{
		model:  model,
		conv:   NewConversation(cfg.systemPrompt),
		tools:  NewToolRegistry(),
		cfg:    cfg,
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	if cfg.builtinTools {
		if err := a.EnableTodoTool(""); err != nil {
			return nil, err
		}
		if err := a.EnableNotesTool(""); err != nil {
			return nil, err
		}
		a.EnableSummarization()
	}
	return a, nil
}

// Model returns the shared backend handle.
func (a *Agent) Model() Model { return a.model }

// Tools returns the agent's tool registry. Mutating it during an in-flight
// generation is disallowed; use RegisterTool / RegisterToolFunc, which
// enforce that.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// RegisterTool registers a tool callback with an explicit definition.
// Re-registering an existing name replaces it. Fails with ErrBusy while a
// generation is in flight.
func (a *Agent) RegisterTool(def ToolDefinition, fn ToolFunc) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.genMu.TryLock() {
		return ErrBusy
	}
	defer a.genMu.Unlock()
	return a.tools.Register(def, fn)
}

// RegisterToolFunc registers a typed callback, inferring the parameter
// schema from its args struct. See ToolRegistry.RegisterFunc.
func (a *Agent) RegisterToolFunc(name, description string, fn any) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.genMu.TryLock() {
		return ErrBusy
	}
	defer a.genMu.Unlock()
	return a.tools.RegisterFunc(name, description, fn)
}

// AddMessage appends a message to the conversation history. The role must
// be one of the recognized set.
func (a *Agent) AddMessage(role, content string) error {
	if a.closed.Load() {
		return ErrClosed
	}
	return a.conv.Add(role, content)
}

// ClearHistory removes all non-system messages, preserving the system
// prompt entry.
func (a *Agent) ClearHistory() error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.conv.Clear()
	return nil
}

// History returns a copy of the conversation in insertion order.
func (a *Agent) History() ([]Message, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	return a.conv.History(), nil
}

// Generate produces a complete response for message, blocking until done.
//
// With history management on, the user message is appended before the
// backend call and the assistant reply after; tool request/result rounds
// land in history as assistant/tool entries. History committed before a
// failure is not rolled back, so a retry can reuse the context.
func (a *Agent) Generate(ctx context.Context, message string) (string, error) {
	if a.closed.Load() {
		return "", ErrClosed
	}
	if message == "" && a.cfg.history {
		return "", &ErrInvalidParam{Param: "message", Reason: "must be non-empty"}
	}
	if !a.genMu.TryLock() {
		return "", ErrBusy
	}
	defer a.genMu.Unlock()

	ctx, span := a.startSpan(ctx, "agent.generate")
	messages := a.prepare(message)
	out, err := runLoop(ctx, a.loopConfig(nil), messages)
	if err != nil {
		if span != nil {
			span.Error(err)
			span.End()
		}
		return "", err
	}
	if span != nil {
		span.End()
	}
	a.maybeSummarize(ctx)
	return out, nil
}

// prepare commits the user message to history (when managed) and returns
// the message slice for this generation call.
func (a *Agent) prepare(message string) []Message {
	if a.cfg.history {
		if message != "" {
			a.conv.append(UserMessage(message))
		}
		return a.conv.History()
	}
	var messages []Message
	if a.cfg.systemPrompt != "" {
		messages = append(messages, SystemMessage(a.cfg.systemPrompt))
	}
	if message != "" {
		messages = append(messages, UserMessage(message))
	}
	return messages
}

// loopConfig wires agent state into the dispatch loop for one call.
func (a *Agent) loopConfig(emit func(StreamEvent) error) loopConfig {
	record := func(Message) {}
	if a.cfg.history {
		record = a.conv.append
	}
	return loopConfig{
		model:       a.model,
		registry:    a.tools,
		toolCalling: a.cfg.toolCalling,
		maxRounds:   a.cfg.maxToolRounds,
		temperature: a.cfg.temperature,
		maxTokens:   a.cfg.maxTokens,
		record:      record,
		emit:        emit,
		tracer:      a.tracer,
		logger:      a.logger,
	}
}

func (a *Agent) startSpan(ctx context.Context, name string) (context.Context, Span) {
	if a.tracer == nil {
		return ctx, nil
	}
	return a.tracer.Start(ctx, name,
		StringAttr("model.backend", a.model.Info().Backend),
		BoolAttr("tools.enabled", a.cfg.toolCalling))
}

// Close releases agent-owned resources: built-in tool stores. The shared
// Model is left untouched. Idempotent; cleanup failures are logged, never
// returned.
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if a.todo != nil {
		if err := a.todo.close(); err != nil {
			a.logger.Warn("todo store close failed", "error", err)
		}
	}
	if a.notes != nil {
		if err := a.notes.close(); err != nil {
			a.logger.Warn("notes store close failed", "error", err)
		}
	}
	return nil
}
