package kestrel

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation on a closed Agent or Model.
var ErrClosed = errors.New("kestrel: closed")

// ErrBusy is returned when a second generation is attempted on an Agent
// while one is already in flight. Concurrent generations on one Agent are
// rejected, never serialized.
var ErrBusy = errors.New("kestrel: generation already in progress")

// ErrInvalidParam marks a malformed construction or call argument.
type ErrInvalidParam struct {
	Param  string
	Reason string
}

func (e *ErrInvalidParam) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// ErrInference marks a generation failure, including an exceeded
// tool-call round limit.
type ErrInference struct {
	Backend string
	Message string
	Err     error
}

func (e *ErrInference) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *ErrInference) Unwrap() error { return e.Err }

// ErrToolNotFound marks a dispatch to a tool name the backend was never
// told about. Surfaced to the caller, never silently swallowed: it means
// the advertised tool surface and the registry disagree.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// ErrParse marks a malformed structured payload: tool arguments from the
// backend, or a persisted built-in-tool record.
type ErrParse struct {
	What string
	Err  error
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ErrParse) Unwrap() error { return e.Err }

// ErrHTTP marks a remote backend transport failure.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrBackendInit marks a backend construction failure, including a missing
// local model source or an allocation failure reported by the backend.
type ErrBackendInit struct {
	Backend string
	Message string
	Err     error
}

func (e *ErrBackendInit) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s init: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("%s init: %s", e.Backend, e.Message)
}

func (e *ErrBackendInit) Unwrap() error { return e.Err }
