package tyler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Message roles. System messages are accepted on ingest but never persisted
// by durable backends; the agent re-injects the system prompt each turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Metrics records per-message measurements: which model produced it, how
// long the call took, and what it cost in tokens. Tool messages carry
// timing only. All fields are optional; aggregations treat missing as zero.
type Metrics struct {
	Model  string `json:"model,omitempty"`
	Timing Timing `json:"timing"`
	Usage  Usage  `json:"usage"`
	// WeaveCall cross-references the trace span for this step when a
	// Tracer is configured.
	WeaveCall *TraceCall `json:"weave_call,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Timing captures wall-clock boundaries of one call. Latency is milliseconds.
type Timing struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Latency   float64    `json:"latency,omitempty"`
}

// TraceCall identifies the trace span that produced a message.
type TraceCall struct {
	ID    string `json:"id,omitempty"`
	UIURL string `json:"ui_url,omitempty"`
}

// Message is one entry in a thread's conversation.
//
// Content is a union: plain text in Content, or multimodal parts in Parts.
// When Parts is non-empty it is the effective content and Content is
// ignored by the chat-completion projection.
type Message struct {
	ID          string              `json:"id"`
	Role        string              `json:"role"`
	Sequence    int                 `json:"sequence"`
	Content     string              `json:"content"`
	Parts       []ContentPart       `json:"parts,omitempty"`
	Name        string              `json:"name,omitempty"`
	ToolCallID  string              `json:"tool_call_id,omitempty"`
	ToolCalls   []ToolCall          `json:"tool_calls,omitempty"`
	Attachments []*Attachment       `json:"attachments,omitempty"`
	Attributes  map[string]any      `json:"attributes,omitempty"`
	Source      map[string]any      `json:"source,omitempty"`
	Metrics     Metrics             `json:"metrics"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// --- Constructors ---

// UserMessage creates a user message with plain text content.
func UserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content, Timestamp: NowUTC()}
}

// SystemMessage creates a system message. At most one may exist per thread.
func SystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content, Timestamp: NowUTC()}
}

// AssistantMessage creates an assistant message with plain text content.
func AssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content, Timestamp: NowUTC()}
}

// ToolMessage creates a tool-result message answering the tool call with
// the given id. name is the effective tool name.
func ToolMessage(content, toolCallID, name string) *Message {
	return &Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Name:       name,
		Timestamp:  NowUTC(),
	}
}

// Validate reports programmer errors in message construction: an unknown
// role, a tool message without tool_call_id, tool calls on a non-assistant
// message, or a malformed tool-call entry.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("tool_calls are only valid on assistant messages, got role %q", m.Role)
	}
	for i, tc := range m.ToolCalls {
		if tc.ID == "" {
			return fmt.Errorf("tool_calls[%d]: missing id", i)
		}
		if tc.Function.Name == "" {
			return fmt.Errorf("tool_calls[%d]: missing function name", i)
		}
	}
	return nil
}

// generateID derives the message id from its identity-bearing fields:
// role, sequence, content, ISO timestamp, name (tool role only), and
// source. Identical messages in identical positions share an id. Called
// after sequence assignment so position is part of identity.
func (m *Message) generateID() string {
	var content any = m.Content
	if len(m.Parts) > 0 {
		content = m.Parts
	}
	fields := map[string]any{
		"role":      m.Role,
		"sequence":  m.Sequence,
		"content":   content,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.Role == RoleTool && m.Name != "" {
		fields["name"] = m.Name
	}
	if len(m.Source) > 0 {
		fields["source"] = m.Source
	}
	// json.Marshal sorts map keys, so the serialization is deterministic.
	b, _ := json.Marshal(fields)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// --- Reactions ---

// AddReaction records that userID reacted with emoji. Returns true when
// the reaction set changed.
func (m *Message) AddReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	if slices.Contains(m.Reactions[emoji], userID) {
		return false
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// RemoveReaction removes userID's emoji reaction. Returns true when the
// reaction set changed. An emoji with no remaining users is deleted.
func (m *Message) RemoveReaction(emoji, userID string) bool {
	users, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	i := slices.Index(users, userID)
	if i < 0 {
		return false
	}
	users = slices.Delete(users, i, i+1)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
	return true
}

// --- Chat-completion projection ---

// ToChatCompletion projects the message into provider-wire form.
//
// Attachment handling depends on role: user and tool messages append one
// "[File: <url> (<mime>)]" reference per stored attachment after the text;
// assistant messages list them under a "Generated Files:" header. Multipart
// content passes through as-is.
func (m *Message) ToChatCompletion() ChatMessage {
	cm := ChatMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
		cm.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			cm.ToolCalls[i] = NormalizeToolCall(tc)
		}
	}

	if len(m.Parts) > 0 {
		cm.Content = m.Parts
		return cm
	}

	content := m.Content
	if refs := m.fileReferences(); len(refs) > 0 {
		joined := strings.Join(refs, "\n")
		switch m.Role {
		case RoleAssistant:
			if content != "" {
				content += "\n\nGenerated Files:\n" + joined
			} else {
				content = "Generated Files:\n" + joined
			}
		default: // user and tool messages reference files directly
			if content != "" {
				content += "\n\n" + joined
			} else {
				content = joined
			}
		}
	}
	cm.Content = content
	return cm
}

// fileReferences returns one "[File: <url> (<mime>)]" line per attachment
// that has been stored. Attachments without a storage path are skipped.
func (m *Message) fileReferences() []string {
	var refs []string
	for _, a := range m.Attachments {
		if a == nil || a.StoragePath == "" {
			continue
		}
		refs = append(refs, fmt.Sprintf("[File: %s (%s)]", a.URL(), a.MimeType))
	}
	return refs
}

// AddAttachment binds an attachment to the message.
func (m *Message) AddAttachment(a *Attachment) {
	m.Attachments = append(m.Attachments, a)
}
