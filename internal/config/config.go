// Package config loads tyler-chat configuration from a TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration for a tyler-chat process.
type Config struct {
	Agent    AgentConfig    `toml:"agent"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Files    FilesConfig    `toml:"files"`
	Observer ObserverConfig `toml:"observer"`
	MCP      MCPConfig      `toml:"mcp"`
}

// AgentConfig shapes the agent itself: identity, model, and tool modules.
type AgentConfig struct {
	Name          string   `toml:"name"`
	Purpose       string   `toml:"purpose"`
	Notes         string   `toml:"notes"`
	Model         string   `toml:"model"`
	Temperature   float64  `toml:"temperature"`
	MaxIterations int      `toml:"max_iterations"`
	Modules       []string `toml:"modules"`
}

// LLMConfig carries provider credentials and client-side rate limits.
// APIKey and BaseURL are optional; the provider's usual environment
// variables apply when they are empty.
type LLMConfig struct {
	APIKey               string `toml:"api_key"`
	BaseURL              string `toml:"base_url"`
	MaxRequestsPerMinute int    `toml:"max_requests_per_minute"`
	MaxTokensPerMinute   int    `toml:"max_tokens_per_minute"`
}

// DatabaseConfig selects the thread store. URL takes precedence: a
// postgres:// URL selects PostgreSQL, otherwise Path names a SQLite file.
type DatabaseConfig struct {
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

// FilesConfig locates attachment storage on disk.
type FilesConfig struct {
	Path string `toml:"path"`
}

// ObserverConfig enables OTEL instrumentation. TraceURL is the base URL
// of a trace UI used to build per-call links. Pricing entries extend or
// override the built-in model pricing table.
type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	TraceURL string                     `toml:"trace_url"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is cost per million tokens for one model.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// MCPConfig lists MCP servers to launch and attach at startup.
type MCPConfig struct {
	Servers []MCPServer `toml:"servers"`
}

// MCPServer describes one stdio MCP server process.
type MCPServer struct {
	Name    string            `toml:"name"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name:          "Tyler",
			Purpose:       "To be a helpful assistant.",
			Model:         "openai/gpt-4o",
			Temperature:   0.7,
			MaxIterations: 10,
			Modules:       []string{"files", "web", "shell"},
		},
		Database: DatabaseConfig{
			Path: "tyler.db",
		},
	}
}

// Load builds the configuration in three layers: defaults, then the TOML
// file at path (default "tyler.toml", missing file ignored), then
// environment variables. A file named explicitly must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = "tyler.toml"
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if explicit {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TYLER_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("TYLER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TYLER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TYLER_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("TYLER_FILE_STORAGE_PATH"); v != "" {
		cfg.Files.Path = v
	}
	if v := os.Getenv("TYLER_TRACE_URL"); v != "" {
		cfg.Observer.TraceURL = v
	}
	switch os.Getenv("TYLER_OBSERVER_ENABLED") {
	case "true", "1":
		cfg.Observer.Enabled = true
	}
}
