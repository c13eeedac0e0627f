// Package config loads chat CLI configuration from TOML with env overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Model    ModelConfig    `toml:"model"`
	Agent    AgentConfig    `toml:"agent"`
	Storage  StorageConfig  `toml:"storage"`
	Observer ObserverConfig `toml:"observer"`
}

type ModelConfig struct {
	// Backend selects the inference backend: "ollama" or "openai".
	Backend     string  `toml:"backend"`
	Name        string  `toml:"name"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	ContextSize int     `toml:"context_size"`
	Temperature float32 `toml:"temperature"`
}

type AgentConfig struct {
	SystemPrompt  string `toml:"system_prompt"`
	MaxTokens     int    `toml:"max_tokens"`
	MaxToolRounds int    `toml:"max_tool_rounds"`
	BuiltinTools  bool   `toml:"builtin_tools"`
}

type StorageConfig struct {
	// Path to the SQLite file backing the built-in tools. Empty keeps
	// them memory-only.
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Backend:     "ollama",
			Name:        "qwen3",
			BaseURL:     "http://localhost:11434",
			Temperature: 0.7,
		},
		Agent: AgentConfig{
			BuiltinTools: true,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "kestrel.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("KESTREL_MODEL_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("KESTREL_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("KESTREL_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("KESTREL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("KESTREL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("KESTREL_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
