package tyler

import (
	"testing"
)

func chunks(cs ...StreamChunk) <-chan StreamChunk {
	ch := make(chan StreamChunk, len(cs))
	for _, c := range cs {
		ch <- c
	}
	close(ch)
	return ch
}

func intp(i int) *int { return &i }

func TestAssembleStreamContent(t *testing.T) {
	resp := AssembleStream(chunks(
		StreamChunk{ContentDelta: "Hello"},
		StreamChunk{ContentDelta: ", "},
		StreamChunk{ContentDelta: "world."},
		StreamChunk{Usage: &Usage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12}},
	), nil)

	if resp.Content != "Hello, world." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAssembleStreamOnDelta(t *testing.T) {
	var seen []string
	AssembleStream(chunks(
		StreamChunk{ContentDelta: "a"},
		StreamChunk{ContentDelta: "b"},
	), func(delta string) { seen = append(seen, delta) })

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("deltas = %v", seen)
	}
}

func TestAssembleStreamToolCallFragments(t *testing.T) {
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), ID: "c1", Type: "function", Name: "get_weather"}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), Arguments: `{"location":`}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), Arguments: `"Paris"}`}}},
		StreamChunk{Usage: &Usage{TotalTokens: 20}},
	), nil)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Name != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"location":"Paris"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestAssembleStreamInterleavedCalls(t *testing.T) {
	// Fragments for two calls arrive interleaved; each accumulates under
	// its own index.
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), ID: "c1", Name: "first"}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(1), ID: "c2", Name: "second"}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), Arguments: `{"a":1}`}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(1), Arguments: `{"b":2}`}}},
	), nil)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "c1" || resp.ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("call 0 = %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].ID != "c2" || resp.ToolCalls[1].Function.Arguments != `{"b":2}` {
		t.Errorf("call 1 = %+v", resp.ToolCalls[1])
	}
}

func TestAssembleStreamPositionalFragments(t *testing.T) {
	// Without indices, fragments map to calls by their position within
	// each chunk's tool_calls array.
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{
			{ID: "c1", Name: "first"},
			{ID: "c2", Name: "second"},
		}},
		StreamChunk{ToolCalls: []ToolCallDelta{
			{Arguments: `{"a":1}`},
			{Arguments: `{"b":2}`},
		}},
	), nil)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Function.Arguments != `{"a":1}` || resp.ToolCalls[1].Function.Arguments != `{"b":2}` {
		t.Errorf("arguments = %q, %q", resp.ToolCalls[0].Function.Arguments, resp.ToolCalls[1].Function.Arguments)
	}
}

func TestAssembleStreamNormalizesCalls(t *testing.T) {
	// A stream that never sends type or arguments still yields a
	// well-formed call.
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), ID: "c1", Name: "ping"}}},
	), nil)

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Type != "function" {
		t.Errorf("type = %q, want function", tc.Type)
	}
	if tc.Function.Arguments != "{}" {
		t.Errorf("arguments = %q, want {}", tc.Function.Arguments)
	}
}

func TestAssembleStreamNegativeIndexIgnored(t *testing.T) {
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(-1), ID: "bad", Name: "bad"}}},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), ID: "c1", Name: "good"}}},
	), nil)

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "c1" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestAssembleStreamSparseIndexes(t *testing.T) {
	// An index beyond the current slice grows it; the skipped slot becomes
	// an empty (but normalized) call.
	resp := AssembleStream(chunks(
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(1), ID: "c2", Name: "second"}}},
	), nil)

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[1].ID != "c2" {
		t.Errorf("call 1 = %+v", resp.ToolCalls[1])
	}
	if resp.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("skipped slot = %+v", resp.ToolCalls[0])
	}
}

func TestAssembleStreamUsageLastWins(t *testing.T) {
	resp := AssembleStream(chunks(
		StreamChunk{ContentDelta: "x", Usage: &Usage{TotalTokens: 1}},
		StreamChunk{Usage: &Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}},
	), nil)
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v, want the final chunk's record", resp.Usage)
	}
}

func TestAssembleStreamEmpty(t *testing.T) {
	resp := AssembleStream(chunks(), nil)
	if resp == nil {
		t.Fatal("empty stream must still yield a response")
	}
	if resp.Content != "" || len(resp.ToolCalls) != 0 || resp.Usage != (Usage{}) {
		t.Errorf("resp = %+v, want zero values", resp)
	}
}

func TestAssembleStreamMixedContentAndCalls(t *testing.T) {
	resp := AssembleStream(chunks(
		StreamChunk{ContentDelta: "Let me check."},
		StreamChunk{ToolCalls: []ToolCallDelta{{Index: intp(0), ID: "c1", Name: "check", Arguments: `{}`}}},
		StreamChunk{Usage: &Usage{TotalTokens: 8}},
	), nil)

	if resp.Content != "Let me check." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "check" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}
