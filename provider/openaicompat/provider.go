package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tyler-ai/tyler"
)

// Provider implements tyler.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, Gemini's OpenAI endpoint,
// and any other provider that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	headers http.Header
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// The model travels in each CompletionRequest, so one Provider serves any
// model the endpoint hosts. Provider-level options (WithOptions) are applied
// to every request; the request's own temperature is applied after them.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// requestOptions returns the provider's base options with the request's
// temperature appended. Request values override provider defaults because
// options are applied in order (last wins).
func (p *Provider) requestOptions(req tyler.CompletionRequest) []Option {
	opts := make([]Option, 0, len(p.opts)+1)
	opts = append(opts, p.opts...)
	opts = append(opts, WithTemperature(req.Temperature))
	return opts
}

// Complete sends a non-streaming chat request and returns the full response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Complete(ctx context.Context, req tyler.CompletionRequest) (*tyler.CompletionResponse, error) {
	body := BuildBody(req.Messages, req.Tools, req.Model, p.requestOptions(req)...)
	return p.doRequest(ctx, body)
}

// CompleteStream streams chunks into ch as they arrive. The channel is closed
// before returning in all cases, success and error alike. When req.Tools is
// non-empty, tool call arguments stream as incremental fragments.
func (p *Provider) CompleteStream(ctx context.Context, req tyler.CompletionRequest, ch chan<- tyler.StreamChunk) error {
	body := BuildBody(req.Messages, req.Tools, req.Model, p.requestOptions(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (*tyler.CompletionResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &tyler.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &tyler.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &tyler.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, values := range p.headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &tyler.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: tyler.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ tyler.Provider = (*Provider)(nil)
