package tyler

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// --- Provider mocks (shared across agent_test.go, loop_test.go, ...) ---

// mockStep is one scripted provider response: a response or an error. A
// step with neither models a provider returning (nil, nil).
type mockStep struct {
	resp *CompletionResponse
	err  error
}

func textStep(content string) mockStep {
	return mockStep{resp: &CompletionResponse{
		Content: content,
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
}

func toolCallStep(calls ...ToolCall) mockStep {
	return mockStep{resp: &CompletionResponse{
		ToolCalls: calls,
		Usage:     Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
	}}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}}
}

// mockProvider is a test Provider that returns canned responses in order.
// It records every request it receives. Safe for concurrent use so child
// agents running in parallel can share one instance.
type mockProvider struct {
	mu       sync.Mutex
	steps    []mockStep
	idx      int
	requests []CompletionRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.idx >= len(m.steps) {
		return &CompletionResponse{Content: "exhausted"}, nil
	}
	step := m.steps[m.idx]
	m.idx++
	return step.resp, step.err
}

// CompleteStream replays the next scripted response as chunks: the content
// split in two deltas, each tool call as a head fragment plus an arguments
// fragment, and usage on the final chunk.
func (m *mockProvider) CompleteStream(ctx context.Context, req CompletionRequest, ch chan<- StreamChunk) error {
	defer close(ch)
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if resp.Content != "" {
		half := len(resp.Content) / 2
		if half > 0 {
			ch <- StreamChunk{ContentDelta: resp.Content[:half]}
		}
		ch <- StreamChunk{ContentDelta: resp.Content[half:]}
	}
	for i, tc := range resp.ToolCalls {
		idx := i
		ch <- StreamChunk{ToolCalls: []ToolCallDelta{{Index: &idx, ID: tc.ID, Type: tc.Type, Name: tc.Function.Name}}}
		ch <- StreamChunk{ToolCalls: []ToolCallDelta{{Index: &idx, Arguments: tc.Function.Arguments}}}
	}
	u := resp.Usage
	ch <- StreamChunk{Usage: &u}
	return nil
}

// callCount returns how many completion calls the provider received.
func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) request(i int) CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// --- Thread invariants ---

// checkThreadInvariants verifies the structural guarantees every turn must
// preserve: non-system sequences strictly increasing from 1 in insertion
// order, at most one system message at sequence 0 and first, tool messages
// answering the immediately preceding assistant's tool calls in call order,
// updated_at never before created_at, and no system message in the
// chat-completion projection.
func checkThreadInvariants(t *testing.T, th *Thread) {
	t.Helper()

	systemCount := 0
	lastSeq := 0
	for i, m := range th.Messages {
		if m.Role == RoleSystem {
			systemCount++
			if m.Sequence != 0 {
				t.Errorf("system message has sequence %d, want 0", m.Sequence)
			}
			if i != 0 {
				t.Errorf("system message at position %d, want 0", i)
			}
			continue
		}
		if m.Sequence < 1 {
			t.Errorf("message %d: sequence %d < 1", i, m.Sequence)
		}
		if m.Sequence <= lastSeq {
			t.Errorf("message %d: sequence %d not strictly increasing after %d", i, m.Sequence, lastSeq)
		}
		lastSeq = m.Sequence
	}
	if systemCount > 1 {
		t.Errorf("thread has %d system messages, want at most 1", systemCount)
	}

	// Tool messages answer the immediately preceding assistant message's
	// tool calls, in the order of its tool_calls array.
	for i := 0; i < len(th.Messages); i++ {
		m := th.Messages[i]
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			if m.Role == RoleTool && m.ToolCallID == "" {
				t.Errorf("tool message %d has empty tool_call_id", i)
			}
			continue
		}
		var answers []*Message
		for j := i + 1; j < len(th.Messages) && th.Messages[j].Role == RoleTool; j++ {
			answers = append(answers, th.Messages[j])
		}
		if len(answers) != len(m.ToolCalls) {
			t.Errorf("assistant at %d has %d tool calls but %d tool messages follow", i, len(m.ToolCalls), len(answers))
			continue
		}
		for k, tc := range m.ToolCalls {
			if answers[k].ToolCallID != tc.ID {
				t.Errorf("tool message %d answers %q, want %q (call order)", k, answers[k].ToolCallID, tc.ID)
			}
		}
		i += len(answers)
	}

	if th.UpdatedAt.Before(th.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", th.UpdatedAt, th.CreatedAt)
	}
	for _, cm := range th.MessagesForChatCompletion() {
		if cm.Role == RoleSystem {
			t.Error("chat-completion projection contains a system message")
		}
	}
}

// --- File store stub ---

// stubFileStore is an in-memory FileStore for agent and store tests.
// failFilename makes Save fail for that filename, for rollback tests.
type stubFileStore struct {
	mu           sync.Mutex
	saved        map[string][]byte
	failFilename string
	seq          int
}

func newStubFileStore() *stubFileStore {
	return &stubFileStore{saved: make(map[string][]byte)}
}

var _ FileStore = (*stubFileStore)(nil)

func (f *stubFileStore) Save(ctx context.Context, content []byte, filename, mimeType string) (*FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFilename != "" && filename == f.failFilename {
		return nil, fmt.Errorf("stub: refusing %s", filename)
	}
	f.seq++
	id := fmt.Sprintf("f%07d", f.seq)
	f.saved[id] = append([]byte(nil), content...)
	if mimeType == "" {
		mimeType = DetectMIME(content, filename)
	}
	return &FileMetadata{
		ID:             id,
		Filename:       filename,
		MimeType:       mimeType,
		StoragePath:    id[:2] + "/" + id,
		StorageBackend: "stub",
		Size:           int64(len(content)),
		CreatedAt:      NowUTC(),
	}, nil
}

func (f *stubFileStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.saved[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return content, nil
}

func (f *stubFileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	return nil
}

func (f *stubFileStore) ListFiles(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.saved))
	for id := range f.saved {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *stubFileStore) BatchSave(ctx context.Context, files []FileInput) ([]*FileMetadata, error) {
	var out []*FileMetadata
	for _, in := range files {
		meta, err := f.Save(ctx, in.Content, in.Filename, in.MimeType)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (f *stubFileStore) BatchDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := f.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *stubFileStore) CleanupOrphaned(ctx context.Context, live map[string]bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id := range f.saved {
		if !live[id] {
			delete(f.saved, id)
			removed++
		}
	}
	return removed, nil
}

func (f *stubFileStore) CheckHealth(ctx context.Context) (StoreHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var size int64
	for _, b := range f.saved {
		size += int64(len(b))
	}
	return StoreHealth{Healthy: true, Files: len(f.saved), TotalSize: size}, nil
}

func (f *stubFileStore) fileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}
