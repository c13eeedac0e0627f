// kestrel-chat is a terminal chat REPL over a kestrel Agent.
//
// Configuration comes from kestrel.toml (see internal/config); the backend
// can be a local Ollama server or any OpenAI-compatible API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kestrel-ai/kestrel"
	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/model/ollama"
	"github.com/kestrel-ai/kestrel/model/openaiapi"
	"github.com/kestrel-ai/kestrel/observer"
	"github.com/kestrel-ai/kestrel/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to kestrel.toml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel-chat:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Load(configPath)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	model, err := buildModel(cfg)
	if err != nil {
		return err
	}
	defer model.Close()

	opts := []kestrel.AgentOption{
		kestrel.WithLogger(logger),
		kestrel.WithTemperature(cfg.Model.Temperature),
	}
	if cfg.Agent.SystemPrompt != "" {
		opts = append(opts, kestrel.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if cfg.Agent.MaxTokens > 0 {
		opts = append(opts, kestrel.WithMaxTokens(cfg.Agent.MaxTokens))
	}
	if cfg.Agent.MaxToolRounds > 0 {
		opts = append(opts, kestrel.WithMaxToolRounds(cfg.Agent.MaxToolRounds))
	}
	if !cfg.Agent.BuiltinTools {
		opts = append(opts, kestrel.WithoutBuiltinTools())
	}
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(ctx)
		opts = append(opts, kestrel.WithTracer(observer.NewTracer()))
	}

	agent, err := kestrel.NewAgent(model, opts...)
	if err != nil {
		return err
	}
	defer agent.Close()

	// Durable storage for the built-in tools when a path is configured.
	if cfg.Storage.Path != "" && cfg.Agent.BuiltinTools {
		db := sqlite.New(cfg.Storage.Path)
		defer db.Close()
		if err := db.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		if err := agent.EnableTodoToolStore(db.Collection("todos")); err != nil {
			return err
		}
		if err := agent.EnableNotesToolStore(db.Collection("notes")); err != nil {
			return err
		}
	}

	fmt.Printf("kestrel-chat %s | backend %s, model %s\n", kestrel.Version(), cfg.Model.Backend, cfg.Model.Name)
	fmt.Print("warming up backend... ")
	if err := model.Warmup(ctx); err != nil {
		fmt.Println()
		return fmt.Errorf("warmup: %w", err)
	}
	fmt.Println("ready.")
	fmt.Println("commands: /history /clear /quit")

	return repl(ctx, agent)
}

// buildModel constructs the configured backend.
func buildModel(cfg config.Config) (kestrel.Model, error) {
	switch cfg.Model.Backend {
	case "ollama":
		var opts []ollama.Option
		if cfg.Model.ContextSize > 0 {
			opts = append(opts, ollama.WithContextSize(cfg.Model.ContextSize))
		}
		return ollama.New(cfg.Model.Name, cfg.Model.BaseURL, opts...)
	case "openai":
		var opts []openaiapi.Option
		if cfg.Model.ContextSize > 0 {
			opts = append(opts, openaiapi.WithContextSize(cfg.Model.ContextSize))
		}
		return openaiapi.New(cfg.Model.APIKey, cfg.Model.Name, cfg.Model.BaseURL, opts...)
	default:
		return nil, &kestrel.ErrInvalidParam{Param: "model.backend", Reason: "must be \"ollama\" or \"openai\""}
	}
}

// repl reads lines from stdin and streams responses until /quit or EOF.
func repl(ctx context.Context, agent *kestrel.Agent) error {
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			fmt.Println()
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := agent.ClearHistory(); err != nil {
				return err
			}
			fmt.Println("history cleared.")
			continue
		case "/history":
			printHistory(agent)
			continue
		}

		if err := streamTurn(ctx, agent, line); err != nil {
			return err
		}
	}
}

// streamTurn runs one streamed generation and prints fragments as they
// arrive. Backend failures are reported but do not end the session.
func streamTurn(ctx context.Context, agent *kestrel.Agent, line string) error {
	stream, err := agent.GenerateStream(ctx, line)
	if err != nil {
		if errors.Is(err, kestrel.ErrBusy) {
			fmt.Println("still generating, try again in a moment.")
			return nil
		}
		return err
	}
	defer stream.Close()

	for ev := range stream.Events() {
		switch ev.Type {
		case kestrel.EventFragment:
			fmt.Print(ev.Content)
		case kestrel.EventToolCall:
			fmt.Printf("\n[tool %s %s]\n", ev.Name, ev.Args)
		case kestrel.EventError:
			fmt.Printf("\nerror: %v\n", ev.Err)
			return nil
		}
	}
	fmt.Println()
	return nil
}

func printHistory(agent *kestrel.Agent) {
	msgs, err := agent.History()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			content = fmt.Sprintf("(requested %d tool call(s))", len(m.ToolCalls))
		}
		fmt.Printf("%-9s %s\n", m.Role+":", content)
	}
}
