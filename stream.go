package tyler

import "strings"

// ExecutionEventType identifies the kind of streaming turn event.
type ExecutionEventType string

const (
	// EventContentDelta carries an incremental text chunk from the LLM.
	EventContentDelta ExecutionEventType = "content-delta"
	// EventMessageCreated signals a message was appended to the thread.
	EventMessageCreated ExecutionEventType = "message-created"
	// EventToolSelected signals the model requested a tool call.
	EventToolSelected ExecutionEventType = "tool-selected"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult ExecutionEventType = "tool-result"
	// EventComplete signals the turn finished; Thread and NewMessages are set.
	EventComplete ExecutionEventType = "complete"
	// EventError signals the turn ended with an in-loop error message.
	EventError ExecutionEventType = "error"
)

// ExecutionEvent is a typed event emitted during a streaming turn
// (Agent.GoStream). Consumers receive these on the returned channel.
type ExecutionEvent struct {
	Type ExecutionEventType `json:"type"`
	// Content carries the text delta (content-delta), the error text
	// (error), or the tool result content (tool-result).
	Content string `json:"content,omitempty"`
	// Name is the tool name for tool events.
	Name string `json:"name,omitempty"`
	// Message is the appended message (message-created, tool-result).
	Message *Message `json:"message,omitempty"`
	// Thread and NewMessages are set on the complete event.
	Thread      *Thread    `json:"thread,omitempty"`
	NewMessages []*Message `json:"new_messages,omitempty"`
}

// AssembleStream folds a provider chunk stream into the final response:
// content deltas concatenate in arrival order; tool-call fragments merge by
// index (position when the index is absent), the first fragment for an
// index establishing id, type, and function name and later ones appending
// to the arguments string; usage is taken from the final chunk that carries
// one. An empty stream yields an empty response.
//
// onDelta, when non-nil, observes each content delta as it arrives.
func AssembleStream(ch <-chan StreamChunk, onDelta func(string)) *CompletionResponse {
	var content strings.Builder
	var usage Usage

	type partialToolCall struct {
		id   string
		typ  string
		name string
		args strings.Builder
	}
	var calls []*partialToolCall

	for chunk := range ch {
		if chunk.ContentDelta != "" {
			content.WriteString(chunk.ContentDelta)
			if onDelta != nil {
				onDelta(chunk.ContentDelta)
			}
		}
		for pos, tc := range chunk.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx < 0 {
				continue
			}
			for len(calls) <= idx {
				calls = append(calls, &partialToolCall{})
			}
			pc := calls[idx]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Type != "" {
				pc.typ = tc.Type
			}
			if tc.Name != "" {
				pc.name = tc.Name
			}
			if tc.Arguments != "" {
				pc.args.WriteString(tc.Arguments)
			}
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	resp := &CompletionResponse{
		Content: content.String(),
		Usage:   usage,
	}
	for _, pc := range calls {
		resp.ToolCalls = append(resp.ToolCalls, NormalizeToolCall(ToolCall{
			ID:   pc.id,
			Type: pc.typ,
			Function: FunctionCall{
				Name:      pc.name,
				Arguments: pc.args.String(),
			},
		}))
	}
	return resp
}
