package resolve

import (
	"strings"
	"testing"
)

func TestModel_PrefixedModels(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENROUTER_API_KEY", "or-test")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("GEMINI_API_KEY", "ai-test")

	tests := []struct {
		in       string
		provider string
		model    string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"openrouter/meta-llama/llama-3.3-70b-instruct", "openrouter", "meta-llama/llama-3.3-70b-instruct"},
		{"groq/llama-3.1-8b-instant", "groq", "llama-3.1-8b-instant"},
		{"gemini/gemini-2.0-flash", "gemini", "gemini-2.0-flash"},
		{"ollama/llama3", "ollama", "llama3"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
	}

	for _, tt := range tests {
		p, model, err := Model(tt.in)
		if err != nil {
			t.Errorf("Model(%q) returned error: %v", tt.in, err)
			continue
		}
		if p.Name() != tt.provider {
			t.Errorf("Model(%q): expected provider %q, got %q", tt.in, tt.provider, p.Name())
		}
		if model != tt.model {
			t.Errorf("Model(%q): expected model %q, got %q", tt.in, tt.model, model)
		}
	}
}

func TestModel_UnknownPrefix(t *testing.T) {
	_, _, err := Model("anthropic/claude-sonnet")
	if err == nil {
		t.Fatal("expected error for unknown prefix")
	}
	if !strings.Contains(err.Error(), "anthropic") {
		t.Errorf("expected error to name the prefix, got %v", err)
	}
}

func TestModel_EmptyModel(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	if _, _, err := Model("openai/"); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestModelWith_ExplicitKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")
	p, model, err := ModelWith("groq/llama-3.1-8b-instant", Config{APIKey: "gsk-explicit"})
	if err != nil {
		t.Fatalf("ModelWith returned error: %v", err)
	}
	if p.Name() != "groq" {
		t.Errorf("expected provider 'groq', got %q", p.Name())
	}
	if model != "llama-3.1-8b-instant" {
		t.Errorf("expected bare model name, got %q", model)
	}
}

func TestProvider_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := Provider(Config{Provider: "openai"})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("expected error to name the variable, got %v", err)
	}
}

func TestProvider_OllamaNeedsNoKey(t *testing.T) {
	p, err := Provider(Config{Provider: "ollama"})
	if err != nil {
		t.Fatalf("Provider returned error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("expected name 'ollama', got %q", p.Name())
	}
}

func TestProvider_ExplicitKeyAndBaseURL(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	p, err := Provider(Config{Provider: "openai", APIKey: "sk-explicit", BaseURL: "http://localhost:8080/v1"})
	if err != nil {
		t.Fatalf("Provider returned error: %v", err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}
}

func TestProvider_Unknown(t *testing.T) {
	if _, err := Provider(Config{Provider: "bedrock"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
