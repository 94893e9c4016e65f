// Package resolve turns litellm-style "prefix/model" strings into configured
// chat providers backed by the openaicompat adapter.
package resolve

import (
	"fmt"
	"os"
	"strings"

	"github.com/tyler-ai/tyler"
	"github.com/tyler-ai/tyler/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
// Generation parameters live on the agent (temperature) or on a directly
// constructed openaicompat.Provider, not here.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "ollama", "gemini"
	APIKey   string // empty = read the provider's environment variable
	BaseURL  string // empty = the provider's default endpoint
}

// providerDefaults maps a provider name to its endpoint and API key variable.
// Gemini is served through Google's OpenAI-compatible endpoint; Ollama runs
// locally and needs no key.
var providerDefaults = map[string]struct {
	baseURL string
	keyEnv  string
}{
	"openai":     {"https://api.openai.com/v1", "OPENAI_API_KEY"},
	"openrouter": {"https://openrouter.ai/api/v1", "OPENROUTER_API_KEY"},
	"groq":       {"https://api.groq.com/openai/v1", "GROQ_API_KEY"},
	"gemini":     {"https://generativelanguage.googleapis.com/v1beta/openai", "GEMINI_API_KEY"},
	"ollama":     {"http://localhost:11434/v1", ""},
}

// Model resolves a "prefix/model" string into a configured Provider and the
// bare model name to carry in requests:
//
//	p, model, err := resolve.Model("openai/gpt-4o")
//	p, model, err := resolve.Model("openrouter/meta-llama/llama-3.3-70b-instruct")
//	p, model, err := resolve.Model("ollama/llama3")
//
// A string without a prefix resolves to OpenAI. Only the first path segment
// is a prefix; the rest is the model, slashes and all.
func Model(s string) (tyler.Provider, string, error) {
	return ModelWith(s, Config{})
}

// ModelWith resolves s like Model with explicit credentials: cfg's APIKey
// and BaseURL override the prefix's defaults when non-empty. cfg.Provider
// is ignored; the prefix decides.
func ModelWith(s string, cfg Config) (tyler.Provider, string, error) {
	name := "openai"
	model := s
	if prefix, rest, ok := strings.Cut(s, "/"); ok {
		if _, known := providerDefaults[prefix]; !known {
			return nil, "", fmt.Errorf("resolve: unknown provider %q in model %q", prefix, s)
		}
		name, model = prefix, rest
	}
	if model == "" {
		return nil, "", fmt.Errorf("resolve: empty model in %q", s)
	}
	cfg.Provider = name
	p, err := Provider(cfg)
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

// Provider creates a tyler.Provider from a provider-agnostic Config.
// A missing API key fails here, not on the first request.
func Provider(cfg Config) (tyler.Provider, error) {
	d, ok := providerDefaults[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}

	apiKey := cfg.APIKey
	if apiKey == "" && d.keyEnv != "" {
		apiKey = os.Getenv(d.keyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("resolve: %s not set for provider %q", d.keyEnv, cfg.Provider)
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = d.baseURL
		if cfg.Provider == "ollama" {
			if host := os.Getenv("OLLAMA_API_BASE"); host != "" {
				baseURL = host
			}
		}
	}

	return openaicompat.NewProvider(apiKey, baseURL, openaicompat.WithName(cfg.Provider)), nil
}
