package openaicompat

import (
	"github.com/tyler-ai/tyler"
)

// ParseResponse converts an OpenAI-format ChatResponse to a tyler
// CompletionResponse. It extracts content, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (*tyler.CompletionResponse, error) {
	out := &tyler.CompletionResponse{}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message != nil {
			out.Content = choice.Message.Content
			out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
		}
	}

	if resp.Usage != nil {
		out.Usage = tyler.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to tyler ToolCalls.
// Arguments pass through as the raw JSON string the model produced; the
// tool runner reports unparseable arguments back to the model, so nothing
// is sanitized here.
func ParseToolCalls(tcs []ToolCallRequest) []tyler.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]tyler.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, tyler.NormalizeToolCall(tyler.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: tyler.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}))
	}
	return out
}
