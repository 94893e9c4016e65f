package tyler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Thread is the canonical conversation entity: an ordered list of messages
// with sequencing, reactions, and metrics aggregation. Threads are not safe
// for concurrent mutation; callers serialize turns on a thread.
type Thread struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Messages   []*Message     `json:"messages"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// Source describes the originating platform ({name, ...props}).
	Source map[string]any `json:"source,omitempty"`
	// Platforms holds external anchors, e.g. a chat channel + thread ts.
	Platforms map[string]any `json:"platforms,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewThread creates an empty thread with a fresh UUIDv7 id.
func NewThread() *Thread {
	now := NowUTC()
	return &Thread{
		ID:        NewID(),
		Title:     "Untitled Thread",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// touch bumps UpdatedAt. Every mutation goes through here.
func (t *Thread) touch() {
	now := NowUTC()
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

// AddMessage validates m, assigns its sequence, and appends it.
//
// System messages take sequence 0 and the head position; adding a second
// system message is a programmer error. All other messages get the next
// sequence starting at 1 in insertion order. The message id is derived
// after sequence assignment so that position is part of identity.
func (t *Thread) AddMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = NowUTC()
	}
	if m.Role == RoleSystem {
		if t.SystemMessage() != nil {
			return fmt.Errorf("thread %s already has a system message", t.ID)
		}
		m.Sequence = 0
		if m.ID == "" {
			m.ID = m.generateID()
		}
		t.Messages = append([]*Message{m}, t.Messages...)
		t.touch()
		return nil
	}
	maxSeq := 0
	for _, existing := range t.Messages {
		if existing.Role != RoleSystem && existing.Sequence > maxSeq {
			maxSeq = existing.Sequence
		}
	}
	m.Sequence = maxSeq + 1
	if m.ID == "" {
		m.ID = m.generateID()
	}
	t.Messages = append(t.Messages, m)
	t.touch()
	return nil
}

// SystemMessage returns the thread's system message, or nil.
func (t *Thread) SystemMessage() *Message {
	for _, m := range t.Messages {
		if m.Role == RoleSystem {
			return m
		}
	}
	return nil
}

// LastMessageByRole returns the last message with the given role, or nil.
func (t *Thread) LastMessageByRole(role string) *Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == role {
			return t.Messages[i]
		}
	}
	return nil
}

// MessageByID returns the message with the given id, or nil.
func (t *Thread) MessageByID(id string) *Message {
	for _, m := range t.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// MessagesForChatCompletion projects all non-system messages into
// provider-wire form, in sequence order. The system prompt is injected
// fresh by the agent on each call and is deliberately excluded here.
func (t *Thread) MessagesForChatCompletion() []ChatMessage {
	out := make([]ChatMessage, 0, len(t.Messages))
	for _, m := range t.Messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m.ToChatCompletion())
	}
	return out
}

// --- Reactions ---

// AddReaction adds userID's emoji reaction to the message with the given
// id. UpdatedAt is bumped only when the reaction set actually changed.
func (t *Thread) AddReaction(messageID, emoji, userID string) error {
	m := t.MessageByID(messageID)
	if m == nil {
		return fmt.Errorf("message %s not found in thread %s", messageID, t.ID)
	}
	if m.AddReaction(emoji, userID) {
		t.touch()
	}
	return nil
}

// RemoveReaction removes userID's emoji reaction from the message with the
// given id. UpdatedAt is bumped only when the reaction set actually changed.
func (t *Thread) RemoveReaction(messageID, emoji, userID string) error {
	m := t.MessageByID(messageID)
	if m == nil {
		return fmt.Errorf("message %s not found in thread %s", messageID, t.ID)
	}
	if m.RemoveReaction(emoji, userID) {
		t.touch()
	}
	return nil
}

// Reactions returns the reaction map (emoji -> user ids) of a message.
func (t *Thread) Reactions(messageID string) map[string][]string {
	m := t.MessageByID(messageID)
	if m == nil {
		return nil
	}
	return m.Reactions
}

// --- Metrics aggregations ---
//
// These fold over message metrics; messages without metrics contribute zero.

// TokenCounts sums token usage.
type TokenCounts struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenTotals is the overall token usage plus a per-model breakdown.
type TokenTotals struct {
	Overall TokenCounts            `json:"overall"`
	ByModel map[string]TokenCounts `json:"by_model"`
}

// TotalTokens aggregates token usage across all messages.
func (t *Thread) TotalTokens() TokenTotals {
	totals := TokenTotals{ByModel: make(map[string]TokenCounts)}
	for _, m := range t.Messages {
		u := m.Metrics.Usage
		if u == (Usage{}) {
			continue
		}
		totals.Overall.CompletionTokens += u.CompletionTokens
		totals.Overall.PromptTokens += u.PromptTokens
		totals.Overall.TotalTokens += u.TotalTokens
		if m.Metrics.Model != "" {
			c := totals.ByModel[m.Metrics.Model]
			c.CompletionTokens += u.CompletionTokens
			c.PromptTokens += u.PromptTokens
			c.TotalTokens += u.TotalTokens
			totals.ByModel[m.Metrics.Model] = c
		}
	}
	return totals
}

// ModelStats counts calls and tokens for one model.
type ModelStats struct {
	Calls            int `json:"calls"`
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelUsage returns per-model call and token statistics. With arguments,
// only the named models are included.
func (t *Thread) ModelUsage(models ...string) map[string]ModelStats {
	usage := make(map[string]ModelStats)
	for _, m := range t.Messages {
		model := m.Metrics.Model
		if model == "" {
			continue
		}
		s := usage[model]
		s.Calls++
		s.CompletionTokens += m.Metrics.Usage.CompletionTokens
		s.PromptTokens += m.Metrics.Usage.PromptTokens
		s.TotalTokens += m.Metrics.Usage.TotalTokens
		usage[model] = s
	}
	if len(models) == 0 {
		return usage
	}
	filtered := make(map[string]ModelStats, len(models))
	for _, name := range models {
		if s, ok := usage[name]; ok {
			filtered[name] = s
		}
	}
	return filtered
}

// TimingStats summarizes message latencies (milliseconds).
type TimingStats struct {
	TotalLatency   float64 `json:"total_latency"`
	AverageLatency float64 `json:"average_latency"`
	MessageCount   int     `json:"message_count"`
}

// MessageTimingStats aggregates latency over messages that carry timing.
func (t *Thread) MessageTimingStats() TimingStats {
	var stats TimingStats
	for _, m := range t.Messages {
		if m.Metrics.Timing.Latency == 0 {
			continue
		}
		stats.TotalLatency += m.Metrics.Timing.Latency
		stats.MessageCount++
	}
	if stats.MessageCount > 0 {
		stats.AverageLatency = stats.TotalLatency / float64(stats.MessageCount)
	}
	return stats
}

// MessageCounts returns the number of messages per role.
func (t *Thread) MessageCounts() map[string]int {
	counts := make(map[string]int)
	for _, m := range t.Messages {
		counts[m.Role]++
	}
	return counts
}

// ToolUsage counts tool invocations by name.
type ToolUsage struct {
	Tools      map[string]int `json:"tools"`
	TotalCalls int            `json:"total_calls"`
}

// ToolUsage folds over assistant tool_calls.
func (t *Thread) ToolUsage() ToolUsage {
	usage := ToolUsage{Tools: make(map[string]int)}
	for _, m := range t.Messages {
		for _, tc := range m.ToolCalls {
			if tc.Function.Name == "" {
				continue
			}
			usage.Tools[tc.Function.Name]++
			usage.TotalCalls++
		}
	}
	return usage
}

// --- Title generation ---

const titleSystemPrompt = "You are a title generator. Generate a clear, concise title (less than 10 words) that captures the main topic or purpose of this conversation. Return only the title, nothing else."

// GenerateTitle asks the provider for a short title over the non-system
// transcript and stores it on the thread.
func (t *Thread) GenerateTitle(ctx context.Context, p Provider, model string) (string, error) {
	if len(t.Messages) == 0 {
		return "Empty Thread", nil
	}
	var b strings.Builder
	for _, cm := range t.MessagesForChatCompletion() {
		text, _ := cm.Content.(string)
		fmt.Fprintf(&b, "%s: %s\n", cm.Role, text)
	}
	req := CompletionRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: titleSystemPrompt},
			{Role: RoleUser, Content: "Generate a title for this conversation:\n\n" + b.String()},
		},
		Temperature: 0.7,
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("generate title: empty response")
	}
	t.Title = strings.TrimSpace(resp.Content)
	t.touch()
	return t.Title, nil
}
