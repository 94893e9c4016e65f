package tyler

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// CompleteStream sends a request and emits raw chunks into ch as they
	// arrive. The provider closes ch when the stream ends, whether or not
	// an error occurred. Fold the chunks with AssembleStream.
	CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- StreamChunk) error
	// Name returns the provider name (e.g. "openai", "openrouter").
	Name() string
}
