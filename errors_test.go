package kestrel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ErrInvalidParam{Param: "model", Reason: "must be non-nil"}, "invalid parameter model: must be non-nil"},
		{&ErrInference{Backend: "ollama", Message: "timed out"}, "ollama: timed out"},
		{&ErrToolNotFound{Name: "ghost"}, `tool "ghost" is not registered`},
		{&ErrHTTP{Status: 429, Body: "slow down"}, "http 429: slow down"},
		{&ErrBackendInit{Backend: "openai", Message: "model must be non-empty"}, "openai init: model must be non-empty"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")

	wrapped := fmt.Errorf("starting backend: %w", &ErrInference{Backend: "ollama", Message: "unreachable", Err: cause})
	if !errors.Is(wrapped, cause) {
		t.Error("ErrInference must unwrap to its cause")
	}
	var inf *ErrInference
	if !errors.As(wrapped, &inf) || inf.Backend != "ollama" {
		t.Errorf("errors.As failed: %v", wrapped)
	}

	parse := &ErrParse{What: "tool arguments", Err: cause}
	if !errors.Is(parse, cause) {
		t.Error("ErrParse must unwrap to its cause")
	}

	initErr := &ErrBackendInit{Backend: "openai", Message: "bad url", Err: cause}
	if !errors.Is(initErr, cause) {
		t.Error("ErrBackendInit must unwrap to its cause")
	}
}
