package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/tyler-ai/tyler"
)

// StreamSSE reads an SSE stream from body and forwards each chunk to ch as a
// tyler.StreamChunk. Reassembly into a full response is the caller's job
// (tyler.AssembleStream); this function only translates the wire format.
//
// The channel is closed when streaming completes, whether or not an error
// occurred. The context cancels channel sends if the consumer is no longer
// interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- tyler.StreamChunk) error {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		out, ok := convertChunk(chunk)
		if !ok {
			continue
		}

		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return scanner.Err()
}

// convertChunk maps a wire chunk onto a tyler.StreamChunk. The second return
// is false for chunks that carry nothing worth forwarding.
func convertChunk(chunk ChatResponse) (tyler.StreamChunk, bool) {
	var out tyler.StreamChunk

	if len(chunk.Choices) > 0 {
		if delta := chunk.Choices[0].Delta; delta != nil {
			out.ContentDelta = delta.Content
			for _, tc := range delta.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, tyler.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Type:      tc.Type,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}

	// Usage arrives on the final chunk, sometimes with no choices at all.
	if chunk.Usage != nil {
		out.Usage = &tyler.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	if out.ContentDelta == "" && len(out.ToolCalls) == 0 && out.Usage == nil {
		return tyler.StreamChunk{}, false
	}
	return out, true
}
