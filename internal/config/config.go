// Package config loads the unified configuration: a YAML file for
// static defaults, overlaid by BUB_* environment variables, overlaid by
// CLI flags (spec.md §6, §11.3). The load-then-ApplyEnv idiom and
// defaults-after-unmarshal style are carried from the teacher's
// internal/config/config.go Load, generalized from cell/pool YAML to the
// tape/bus/agent settings original_source/src/bub/config/settings.py
// splits across BUB_TAPE_/BUB_BUS_/BUB_AGENT_ prefixed settings classes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the unified settings struct: the Go collapse of
// TapeSettings/BusSettings/AgentSettings into one value, since Go has no
// pydantic-settings equivalent to compose from.
type Config struct {
	Tape  TapeConfig  `yaml:"tape"`
	Bus   BusConfig   `yaml:"bus"`
	Agent AgentConfig `yaml:"agent"`
	Log   LogConfig   `yaml:"log"`
}

type TapeConfig struct {
	Home string `yaml:"home"`
}

type BusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AgentConfig struct {
	Model         string `yaml:"model"`
	APIKey        string `yaml:"api_key"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxSteps      int    `yaml:"max_steps"`
	ModelTimeoutS int    `yaml:"model_timeout_seconds"`
	SystemPrompt  string `yaml:"system_prompt"`

	// ContextWindowTokens turns on internal/context's token-budget
	// trimming when positive; 0 (the default) leaves a session's
	// reconstructed context untrimmed.
	ContextWindowTokens int `yaml:"context_window_tokens"`
	ReserveTokens       int `yaml:"reserve_tokens"`
}

type LogConfig struct {
	Filter string `yaml:"filter"`
	Dir    string `yaml:"dir"`
}

func defaults() Config {
	return Config{
		Tape: TapeConfig{Home: ""},
		Bus:  BusConfig{Host: "localhost", Port: 7892},
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-5",
			MaxTokens:     1024,
			MaxSteps:      20,
			ModelTimeoutS: 90,
		},
		Log: LogConfig{Filter: "info"},
	}
}

// LoadError marks a failure that originates from Load itself (bad file,
// bad YAML, bad env value) so callers like cmd/bub can map it to the
// config-specific exit code spec.md §6 calls for, distinct from a
// runtime failure.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// Load reads an optional YAML file for static fields, then applies every
// recognized BUB_* environment variable on top (env always wins over
// file, mirroring the teacher's env-overrides-file precedence). path may
// be empty, in which case only defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &LoadError{Err: fmt.Errorf("config: read %s: %w", path, err)}
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &LoadError{Err: fmt.Errorf("config: parse %s: %w", path, err)}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, &LoadError{Err: err}
	}

	cfg.Agent.APIKey = cfg.resolveAPIKey()
	return &cfg, nil
}

// ApplyEnv overlays every BUB_* variable spec.md §6 names.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("BUB_TAPE_HOME"); ok {
		c.Tape.Home = v
	}
	if v, ok := os.LookupEnv("BUB_BUS_HOST"); ok {
		c.Bus.Host = v
	}
	if v, ok := os.LookupEnv("BUB_BUS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BUB_BUS_PORT: %w", err)
		}
		c.Bus.Port = port
	}
	if v, ok := os.LookupEnv("BUB_AGENT_MODEL"); ok {
		c.Agent.Model = v
	}
	if v, ok := os.LookupEnv("BUB_AGENT_API_KEY"); ok {
		c.Agent.APIKey = v
	}
	if v, ok := os.LookupEnv("BUB_AGENT_MAX_STEPS"); ok {
		steps, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BUB_AGENT_MAX_STEPS: %w", err)
		}
		c.Agent.MaxSteps = steps
	}
	if v, ok := os.LookupEnv("BUB_AGENT_CONTEXT_WINDOW_TOKENS"); ok {
		tokens, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BUB_AGENT_CONTEXT_WINDOW_TOKENS: %w", err)
		}
		c.Agent.ContextWindowTokens = tokens
	}
	if v, ok := os.LookupEnv("BUB_LOG_FILTER"); ok {
		c.Log.Filter = v
	}
	return nil
}

// resolveAPIKey mirrors AgentSettings.resolved_api_key's fallback chain:
// explicit config, then LLM_API_KEY, then OPENROUTER_API_KEY.
func (c *Config) resolveAPIKey() string {
	if c.Agent.APIKey != "" {
		return c.Agent.APIKey
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		return v
	}
	return os.Getenv("OPENROUTER_API_KEY")
}

// Flags carries CLI overrides (spec.md §6's --session-id/--model/
// --workspace) and is the outermost precedence layer.
type Flags struct {
	SessionID string
	Model     string
	Workspace string
}

// ApplyFlags overlays non-empty flag values, the topmost layer in the
// flag > env > file > default precedence chain. --model always wins;
// --workspace only sets the tape home (<workspace>/.bub) when neither the
// file nor BUB_TAPE_HOME configured one. SessionID is not stored in
// Config.
func (c *Config) ApplyFlags(f Flags) {
	if f.Model != "" {
		c.Agent.Model = f.Model
	}
	if f.Workspace != "" && c.Tape.Home == "" {
		c.Tape.Home = strings.TrimRight(f.Workspace, "/") + "/.bub"
	}
}
