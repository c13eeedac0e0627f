package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventFragment carries one incremental piece of generated text.
	EventFragment StreamEventType = "fragment"
	// EventToolCall signals a tool is about to be dispatched.
	EventToolCall StreamEventType = "tool-call"
	// EventToolResult carries the result of a completed tool dispatch.
	EventToolResult StreamEventType = "tool-result"
	// EventError carries a mid-stream failure. The Err field preserves the
	// original error identity; it is the last event before the channel
	// closes.
	EventError StreamEventType = "error"
)

// StreamEvent is one typed event on a generation stream. End-of-stream is
// signaled by channel close, distinct from any valid event, so an empty
// fragment can never be mistaken for completion.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Name    string          // tool name, for tool events
	Args    json.RawMessage // tool arguments, for tool-call events
	Err     error           // set for error events only
}

const streamBuffer = 16

// Stream is a single-pass sequence of events from one generation call. One
// worker goroutine drives the backend and forwards fragments in generation
// order; no reordering or coalescing.
//
// Consume it either by pulling (Next/Text/Err) or by ranging over
// Events() for select-based consumers. Use one mode per stream, not both.
// Abandoning the stream early requires Close, which stops the worker and
// the backend call at the next fragment boundary.
type Stream struct {
	events chan StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	text      string
	err       error
	// finished is atomic because Close may come from a goroutine other
	// than the pulling consumer.
	finished atomic.Bool
}

// GenerateStream starts a streamed generation for message. The user message
// is committed to history (when managed) before the call returns; the
// assistant reply is committed when the stream completes.
//
// While tool calling is active, tool rounds run blocking and the final text
// arrives as a single fragment; without tools, fragments arrive
// token-by-token from the backend.
func (a *Agent) GenerateStream(ctx context.Context, message string) (*Stream, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if message == "" && a.cfg.history {
		return nil, &ErrInvalidParam{Param: "message", Reason: "must be non-empty"}
	}
	if !a.genMu.TryLock() {
		return nil, ErrBusy
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan StreamEvent, streamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	messages := a.prepare(message)

	go func() {
		defer close(s.done)
		defer a.genMu.Unlock()
		defer cancel()
		defer close(s.events)
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("stream worker panic", "panic", fmt.Sprintf("%v", p))
			}
		}()

		emit := func(ev StreamEvent) error {
			select {
			case s.events <- ev:
				return nil
			case <-sctx.Done():
				return sctx.Err()
			}
		}

		_, err := runLoop(sctx, a.loopConfig(emit), messages)
		if err != nil {
			// Forward the failure through the same channel, identity intact.
			select {
			case s.events <- StreamEvent{Type: EventError, Err: err}:
			case <-sctx.Done():
			}
			return
		}
		a.maybeSummarize(sctx)
	}()

	return s, nil
}

// Next advances to the next fragment, blocking until one arrives. It
// returns false at end of stream or on failure; check Err afterwards.
// Tool progress events are skipped in pull mode.
func (s *Stream) Next() bool {
	if s.finished.Load() {
		return false
	}
	for ev := range s.events {
		switch ev.Type {
		case EventFragment:
			s.text = ev.Content
			return true
		case EventError:
			s.err = ev.Err
			s.finished.Store(true)
			return false
		}
	}
	s.finished.Store(true)
	return false
}

// Text returns the fragment most recently produced by Next.
func (s *Stream) Text() string { return s.text }

// Err returns the error that ended the stream, or nil after normal
// completion. The original backend error identity is preserved:
// errors.Is and errors.As see through to it.
func (s *Stream) Err() error { return s.err }

// Events returns the underlying event channel for select-based consumers.
// The channel closes at end of stream; a mid-stream failure arrives as an
// EventError just before the close.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Close abandons the stream. The worker observes the cancellation at the
// next fragment boundary, stops the backend call, and exits; no further
// events are delivered to a pull consumer. Idempotent and safe to call at
// any point, including after normal completion.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.finished.Store(true)
	})
}
