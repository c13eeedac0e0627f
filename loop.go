package kestrel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// loopConfig carries everything runLoop needs for one generation call.
type loopConfig struct {
	model       Model
	registry    *ToolRegistry
	toolCalling bool
	maxRounds   int
	temperature float32
	maxTokens   int
	// record appends a message to the owning conversation. A no-op when
	// history management is disabled.
	record func(Message)
	// emit forwards a stream event to the consumer. nil in blocking mode.
	// A non-nil return aborts the loop (consumer gone).
	emit   func(StreamEvent) error
	tracer Tracer
	logger *slog.Logger
}

// runLoop is the dispatch state machine for one generation call: invoke the
// backend, dispatch any tool calls it requests through the registry, feed
// the results back, and repeat until the backend produces final text or the
// round bound is hit.
//
// Backend errors are fatal for the call and surfaced unchanged. An unknown
// tool name is fatal (*ErrToolNotFound). A failing or unparsable tool call
// is recoverable: the error is fed back to the backend as an error
// tool-result so it can self-correct. History committed before a failure
// stays committed.
func runLoop(ctx context.Context, cfg loopConfig, messages []Message) (string, error) {
	var toolDefs []ToolDefinition
	if cfg.toolCalling {
		toolDefs = cfg.registry.Definitions()
	}

	for round := 0; round < cfg.maxRounds; round++ {
		iterCtx := ctx
		var iterSpan Span
		if cfg.tracer != nil {
			iterCtx, iterSpan = cfg.tracer.Start(ctx, "agent.loop.round",
				IntAttr("round", round),
				BoolAttr("has_tools", len(toolDefs) > 0))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		req := ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Temperature: cfg.temperature,
			MaxTokens:   cfg.maxTokens,
		}

		var resp ChatResponse
		var err error
		if cfg.emit != nil && len(toolDefs) == 0 {
			// No tools in play: stream straight from the backend.
			resp, err = cfg.model.GenerateStream(iterCtx, req, func(fragment string) error {
				return cfg.emit(StreamEvent{Type: EventFragment, Content: fragment})
			})
		} else {
			resp, err = cfg.model.Generate(iterCtx, req)
		}
		if err != nil {
			endIter()
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			// Final text.
			if cfg.emit != nil && len(toolDefs) > 0 {
				// Tool rounds run blocking; the final text arrives as one
				// fragment.
				if err := cfg.emit(StreamEvent{Type: EventFragment, Content: resp.Content}); err != nil {
					endIter()
					return "", err
				}
			}
			cfg.record(AssistantMessage(resp.Content))
			endIter()
			return resp.Content, nil
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		asst := Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, asst)
		cfg.record(asst)

		for _, tc := range resp.ToolCalls {
			if cfg.emit != nil {
				if err := cfg.emit(StreamEvent{Type: EventToolCall, Name: tc.Name, Args: tc.Args}); err != nil {
					endIter()
					return "", err
				}
			}

			result, dispatchErr := cfg.registry.Dispatch(iterCtx, tc.Name, tc.Args)
			if dispatchErr != nil {
				var notFound *ErrToolNotFound
				if errors.As(dispatchErr, &notFound) {
					// The backend asked for a tool it was never offered.
					// That mismatch is an orchestrator bug, so surface it.
					if iterSpan != nil {
						iterSpan.Error(dispatchErr)
					}
					endIter()
					return "", dispatchErr
				}
				result = ToolResult{Error: dispatchErr.Error()}
			}

			content := result.Content
			if result.Error != "" {
				content = "error: " + result.Error
				cfg.logger.Warn("tool call failed", "tool", tc.Name, "error", result.Error)
			}
			if cfg.emit != nil {
				if err := cfg.emit(StreamEvent{Type: EventToolResult, Name: tc.Name, Content: content}); err != nil {
					endIter()
					return "", err
				}
			}

			msg := ToolResultMessage(tc.ID, content)
			messages = append(messages, msg)
			cfg.record(msg)
		}
		endIter()
	}

	cfg.logger.Warn("tool-call round limit reached", "rounds", cfg.maxRounds)
	return "", &ErrInference{
		Backend: cfg.model.Info().Backend,
		Message: fmt.Sprintf("tool-call round limit (%d) exceeded", cfg.maxRounds),
	}
}
