package tyler

import "encoding/json"

// --- LLM protocol types ---
//
// These are the shapes that cross the provider boundary. Threads project
// into them (Thread.MessagesForChatCompletion) and providers parse their
// wire formats back into them.

// ChatMessage is a single message in provider-wire form.
// Content is either a string or a []ContentPart for multimodal messages.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ContentPart is a typed block inside multimodal message content.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds the URL (or data URI) for an image content part.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is a model-emitted request to invoke a named function.
// This is the single tool-call shape carried everywhere: on the wire,
// inside persisted assistant messages, and through the Tool Runner.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and arguments (as a JSON string).
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NormalizeToolCall fills the defaults the wire shape guarantees: Type is
// "function" and empty Arguments read as the empty JSON object.
func NormalizeToolCall(tc ToolCall) ToolCall {
	if tc.Type == "" {
		tc.Type = "function"
	}
	if tc.Function.Arguments == "" {
		tc.Function.Arguments = "{}"
	}
	return tc
}

// ToolDefinition is the LLM-visible description of a callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Usage contains token usage for one completion call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates token counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// CompletionRequest is one LLM round-trip request.
type CompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Temperature float64          `json:"temperature"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// CompletionResponse is the provider's answer for one step.
type CompletionResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// StreamChunk is one unit of a streaming completion. A chunk may carry any
// combination of a content delta, tool-call fragments, and a usage record
// (usage arrives on the final chunk only).
type StreamChunk struct {
	ContentDelta string          `json:"content_delta,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
}

// ToolCallDelta is an incremental fragment of one tool call inside a
// streaming response. Index identifies the call being built; a nil Index
// means "by position". The first fragment for an index establishes id,
// type, and function name; later fragments append to Arguments.
type ToolCallDelta struct {
	Index     *int   `json:"index,omitempty"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
