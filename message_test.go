package tyler

import (
	"strings"
	"testing"
	"time"
)

// --- Validation ---

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{"user", UserMessage("hi"), false},
		{"assistant", AssistantMessage("hello"), false},
		{"system", SystemMessage("prompt"), false},
		{"tool", ToolMessage("out", "c1", "lookup"), false},
		{"unknown role", &Message{Role: "narrator", Content: "x"}, true},
		{"tool without call id", &Message{Role: RoleTool, Content: "x"}, true},
		{"tool_calls on user", &Message{
			Role: RoleUser, Content: "x",
			ToolCalls: []ToolCall{call("c1", "lookup", `{}`)},
		}, true},
		{"tool call without id", &Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{Type: "function", Function: FunctionCall{Name: "lookup"}}},
		}, true},
		{"tool call without name", &Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{{ID: "c1", Type: "function"}},
		}, true},
		{"assistant with tool_calls", &Message{
			Role:      RoleAssistant,
			ToolCalls: []ToolCall{call("c1", "lookup", `{}`)},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Identity ---

func TestGenerateIDDeterministic(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	base := func() *Message {
		m := UserMessage("same content")
		m.Sequence = 3
		m.Timestamp = ts
		return m
	}

	if a, b := base().generateID(), base().generateID(); a != b {
		t.Error("identical messages must share an id")
	}

	seq := base()
	seq.Sequence = 4
	if seq.generateID() == base().generateID() {
		t.Error("sequence must be part of identity")
	}

	content := base()
	content.Content = "different"
	if content.generateID() == base().generateID() {
		t.Error("content must be part of identity")
	}

	when := base()
	when.Timestamp = ts.Add(time.Nanosecond)
	if when.generateID() == base().generateID() {
		t.Error("timestamp must be part of identity")
	}

	src := base()
	src.Source = map[string]any{"name": "slack"}
	if src.generateID() == base().generateID() {
		t.Error("source must be part of identity")
	}
}

func TestGenerateIDToolName(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := ToolMessage("out", "c1", "lookup")
	a.Sequence = 2
	a.Timestamp = ts
	b := ToolMessage("out", "c1", "search")
	b.Sequence = 2
	b.Timestamp = ts
	if a.generateID() == b.generateID() {
		t.Error("tool name must be part of tool message identity")
	}
}

// --- Reactions ---

func TestMessageReactions(t *testing.T) {
	m := AssistantMessage("react")

	if !m.AddReaction("👍", "u1") {
		t.Error("first reaction should report a change")
	}
	if m.AddReaction("👍", "u1") {
		t.Error("duplicate reaction should report no change")
	}
	if !m.AddReaction("👍", "u2") {
		t.Error("second user should report a change")
	}
	if !m.AddReaction("🎉", "u1") {
		t.Error("second emoji should report a change")
	}
	if got := m.Reactions["👍"]; len(got) != 2 {
		t.Errorf("👍 users = %v", got)
	}

	if m.RemoveReaction("🚀", "u1") {
		t.Error("removing an unknown emoji should report no change")
	}
	if m.RemoveReaction("👍", "u9") {
		t.Error("removing an unknown user should report no change")
	}
	if !m.RemoveReaction("👍", "u1") {
		t.Error("removal should report a change")
	}
	if got := m.Reactions["👍"]; len(got) != 1 || got[0] != "u2" {
		t.Errorf("👍 users after removal = %v", got)
	}

	if !m.RemoveReaction("🎉", "u1") {
		t.Fatal("removal should report a change")
	}
	if _, ok := m.Reactions["🎉"]; ok {
		t.Error("emoji with no users must be deleted from the map")
	}
}

// --- Chat-completion projection ---

func TestToChatCompletionBasic(t *testing.T) {
	user := UserMessage("hello").ToChatCompletion()
	if user.Role != RoleUser || user.Content != "hello" {
		t.Errorf("user projection = %+v", user)
	}

	tool := ToolMessage("result", "c1", "lookup").ToChatCompletion()
	if tool.Role != RoleTool || tool.ToolCallID != "c1" || tool.Name != "lookup" {
		t.Errorf("tool projection = %+v", tool)
	}
	if tool.Content != "result" {
		t.Errorf("tool content = %v", tool.Content)
	}
}

func TestToChatCompletionNormalizesToolCalls(t *testing.T) {
	m := AssistantMessage("")
	m.ToolCalls = []ToolCall{{ID: "c1", Function: FunctionCall{Name: "lookup"}}}

	cm := m.ToChatCompletion()
	if len(cm.ToolCalls) != 1 {
		t.Fatalf("projected %d tool calls", len(cm.ToolCalls))
	}
	tc := cm.ToolCalls[0]
	if tc.Type != "function" {
		t.Errorf("type = %q, want function", tc.Type)
	}
	if tc.Function.Arguments != "{}" {
		t.Errorf("arguments = %q, want {}", tc.Function.Arguments)
	}
	// The source message is untouched.
	if m.ToolCalls[0].Type != "" {
		t.Error("projection must not mutate the message")
	}
}

func TestToChatCompletionParts(t *testing.T) {
	m := UserMessage("ignored")
	m.Parts = []ContentPart{
		{Type: "text", Text: "look at this"},
		{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,AAAA"}},
	}
	cm := m.ToChatCompletion()
	parts, ok := cm.Content.([]ContentPart)
	if !ok {
		t.Fatalf("content = %T, want []ContentPart", cm.Content)
	}
	if len(parts) != 2 || parts[0].Text != "look at this" {
		t.Errorf("parts = %+v", parts)
	}
}

func storedAttachment(filename, path, mime string) *Attachment {
	return &Attachment{
		Filename:    filename,
		MimeType:    mime,
		StoragePath: path,
		Status:      AttachmentStored,
	}
}

func TestToChatCompletionFileReferences(t *testing.T) {
	user := UserMessage("see attached")
	user.AddAttachment(storedAttachment("report.pdf", "ab/abc123", "application/pdf"))
	cm := user.ToChatCompletion()
	want := "see attached\n\n[File: file://ab/abc123 (application/pdf)]"
	if cm.Content != want {
		t.Errorf("user content = %q, want %q", cm.Content, want)
	}

	bare := UserMessage("")
	bare.AddAttachment(storedAttachment("report.pdf", "ab/abc123", "application/pdf"))
	if got := bare.ToChatCompletion().Content; got != "[File: file://ab/abc123 (application/pdf)]" {
		t.Errorf("bare content = %q", got)
	}
}

func TestToChatCompletionGeneratedFiles(t *testing.T) {
	m := AssistantMessage("here is the chart")
	m.AddAttachment(storedAttachment("chart.png", "cd/cdef45", "image/png"))
	cm := m.ToChatCompletion()
	content, _ := cm.Content.(string)
	if !strings.HasPrefix(content, "here is the chart\n\nGenerated Files:\n") {
		t.Errorf("assistant content = %q", content)
	}
	if !strings.Contains(content, "[File: file://cd/cdef45 (image/png)]") {
		t.Errorf("assistant content missing reference: %q", content)
	}

	bare := AssistantMessage("")
	bare.AddAttachment(storedAttachment("chart.png", "cd/cdef45", "image/png"))
	if got, _ := bare.ToChatCompletion().Content.(string); !strings.HasPrefix(got, "Generated Files:\n") {
		t.Errorf("bare assistant content = %q", got)
	}
}

func TestToChatCompletionSkipsUnstoredAttachments(t *testing.T) {
	m := UserMessage("pending upload")
	m.AddAttachment(NewAttachment("raw.bin", []byte{1, 2, 3}, "application/octet-stream"))
	if got := m.ToChatCompletion().Content; got != "pending upload" {
		t.Errorf("content = %q, want the text only", got)
	}
}
