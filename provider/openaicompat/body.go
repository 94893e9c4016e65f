package openaicompat

import (
	"encoding/json"

	"github.com/tyler-ai/tyler"
)

// BuildBody converts a tyler CompletionRequest's messages and tools into an
// OpenAI-format ChatRequest. Message content passes through unchanged: tyler
// ChatMessages already carry either a string or wire-shaped content parts.
// Options configure generation parameters (temperature, top_p, etc.).
func BuildBody(messages []tyler.ChatMessage, tools []tyler.ToolDefinition, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))

	for _, m := range messages {
		msg := Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]ToolCallRequest, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				tc = tyler.NormalizeToolCall(tc)
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:   tc.ID,
					Type: tc.Type,
					Function: FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			// The API wants null content, not "", alongside tool calls.
			if s, ok := msg.Content.(string); ok && s == "" {
				msg.Content = nil
			}
		}
		msgs = append(msgs, msg)
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts tyler ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []tyler.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
