package tyler

import (
	"context"
	"time"
)

// maxIterationsContent is appended as a plain assistant message when the
// iteration cap stops the loop. Reaching the cap is not an error.
const maxIterationsContent = "Maximum tool iteration count reached. Stopping further tool calls."

// runTurn executes one turn of the iteration loop (see Go for semantics).
// emit is nil in blocking mode; in streaming mode it receives events as the
// turn progresses.
func (a *Agent) runTurn(ctx context.Context, thread *Thread, emit func(ExecutionEvent)) (*Thread, []*Message, error) {
	var newMessages []*Message

	appendMsg := func(m *Message) error {
		if err := thread.AddMessage(m); err != nil {
			return err
		}
		newMessages = append(newMessages, m)
		if emit != nil {
			emit(ExecutionEvent{Type: EventMessageCreated, Message: m})
		}
		return nil
	}

	// Converts an in-loop failure into conversation content. The turn ends
	// cleanly afterwards; the thread is still persisted.
	appendErrorMsg := func(full string, metrics Metrics) error {
		m := AssistantMessage("I encountered an error: " + truncateStr(full, 200))
		metrics.Error = full
		m.Metrics = metrics
		if err := appendMsg(m); err != nil {
			return err
		}
		if emit != nil {
			emit(ExecutionEvent{Type: EventError, Content: full})
		}
		a.logger.Error("turn error", "agent", a.name, "thread", thread.ID, "error", full)
		return nil
	}

	if err := a.ensureSystemPrompt(thread); err != nil {
		return nil, nil, err
	}

	if a.iterationCount < a.maxIter {
		// Attachment processing runs before the first LLM call so the
		// model sees processed content and stored-file references.
		if last := thread.LastMessageByRole(RoleUser); last != nil && len(last.Attachments) > 0 {
			if perr := a.processAttachments(ctx, last); perr != nil {
				if err := appendErrorMsg(perr.Error(), Metrics{}); err != nil {
					return thread, nonUserMessages(newMessages), err
				}
				return a.finishTurn(ctx, thread, newMessages)
			}
			if err := a.saveThread(ctx, thread); err != nil {
				return thread, nonUserMessages(newMessages), err
			}
		}

		for a.iterationCount < a.maxIter {
			resp, metrics, err := a.step(ctx, thread, emit)
			if err != nil || resp == nil {
				full := "Failed to get valid response"
				if err != nil {
					full = err.Error()
				}
				if aerr := appendErrorMsg(full, metrics); aerr != nil {
					return thread, nonUserMessages(newMessages), aerr
				}
				break
			}

			hasToolCalls := len(resp.ToolCalls) > 0
			if resp.Content != "" || hasToolCalls {
				m := AssistantMessage(resp.Content)
				if hasToolCalls {
					m.ToolCalls = make([]ToolCall, len(resp.ToolCalls))
					for i, tc := range resp.ToolCalls {
						m.ToolCalls[i] = NormalizeToolCall(tc)
					}
				}
				m.Metrics = metrics
				if err := appendMsg(m); err != nil {
					return thread, nonUserMessages(newMessages), err
				}
			}

			if !hasToolCalls {
				break
			}

			if emit != nil {
				for _, tc := range resp.ToolCalls {
					emit(ExecutionEvent{Type: EventToolSelected, Name: tc.Function.Name, Content: tc.Function.Arguments})
				}
			}

			// Fan out, then append results in call order so the
			// transcript stays deterministic.
			results := a.tools.ExecuteParallel(ctx, resp.ToolCalls)
			interrupted := false
			for i := range results {
				m := toolResultMessage(results[i])
				if err := appendMsg(m); err != nil {
					return thread, nonUserMessages(newMessages), err
				}
				if emit != nil {
					emit(ExecutionEvent{Type: EventToolResult, Name: results[i].Name, Content: results[i].Content, Message: m})
				}
				if a.tools.IsInterrupt(results[i].Name) {
					interrupted = true
				}
			}
			if interrupted {
				break
			}
			a.iterationCount++
		}
	}

	// Only cap exhaustion reaches here with the counter at the limit; the
	// other loop exits leave it below.
	if a.iterationCount >= a.maxIter {
		if err := appendMsg(AssistantMessage(maxIterationsContent)); err != nil {
			return thread, nonUserMessages(newMessages), err
		}
	}

	return a.finishTurn(ctx, thread, newMessages)
}

// finishTurn resets the iteration counter, persists the thread, and filters
// the accumulator down to the non-user messages the caller receives.
func (a *Agent) finishTurn(ctx context.Context, thread *Thread, newMessages []*Message) (*Thread, []*Message, error) {
	a.iterationCount = 0
	msgs := nonUserMessages(newMessages)
	if err := a.saveThread(ctx, thread); err != nil {
		return thread, msgs, err
	}
	return thread, msgs, nil
}

// step performs one LLM call: build the completion request from the thread
// (system prompt at head, then the non-system wire projection), call the
// provider, and capture timing, usage, and the trace call reference into
// message metrics. In streaming mode the chunk stream is folded back into a
// complete response while deltas are forwarded to emit.
func (a *Agent) step(ctx context.Context, thread *Thread, emit func(ExecutionEvent)) (*CompletionResponse, Metrics, error) {
	req := CompletionRequest{
		Model:       a.model,
		Messages:    a.completionMessages(thread),
		Temperature: a.temperature,
	}
	if defs := a.tools.Definitions(); len(defs) > 0 {
		req.Tools = defs
	}

	stepCtx := ctx
	var span Span
	if a.tracer != nil {
		stepCtx, span = a.tracer.Start(ctx, "agent.step",
			StringAttr("model", a.model),
			IntAttr("iteration", a.iterationCount),
			BoolAttr("streaming", emit != nil))
		defer span.End()
	}

	started := NowUTC()
	var resp *CompletionResponse
	var err error
	if emit != nil {
		ch := make(chan StreamChunk, 32)
		assembled := make(chan *CompletionResponse, 1)
		go func() {
			assembled <- AssembleStream(ch, func(delta string) {
				emit(ExecutionEvent{Type: EventContentDelta, Content: delta})
			})
		}()
		err = a.provider.CompleteStream(stepCtx, req, ch)
		resp = <-assembled
		if err != nil {
			resp = nil
		}
	} else {
		resp, err = a.provider.Complete(stepCtx, req)
	}
	ended := NowUTC()

	metrics := Metrics{Model: a.model, Timing: timingOf(started, ended)}
	if resp != nil {
		metrics.Usage = resp.Usage
	}
	if span != nil {
		if err != nil {
			span.Error(err)
		} else if resp != nil {
			span.SetAttr(
				IntAttr("tokens.prompt", resp.Usage.PromptTokens),
				IntAttr("tokens.completion", resp.Usage.CompletionTokens),
				IntAttr("tool_calls", len(resp.ToolCalls)))
		}
		if id, url := span.Call(); id != "" {
			metrics.WeaveCall = &TraceCall{ID: id, UIURL: url}
		}
	}
	return resp, metrics, err
}

// completionMessages builds the provider-wire message list: the system
// prompt at head, then all non-system messages in sequence order.
func (a *Agent) completionMessages(thread *Thread) []ChatMessage {
	wire := thread.MessagesForChatCompletion()
	msgs := make([]ChatMessage, 0, len(wire)+1)
	if sm := thread.SystemMessage(); sm != nil {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: sm.Content})
	}
	return append(msgs, wire...)
}

// toolResultMessage converts a dispatch result into a tool message:
// content from the runner (already error-normalized), registered tool
// attributes under attributes.tool_attributes, per-call timing metrics,
// and any result files attached as pending attachments.
func toolResultMessage(res ToolCallResult) *Message {
	m := ToolMessage(res.Content, res.ToolCallID, res.Name)
	attrs := res.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	m.Attributes = map[string]any{"tool_attributes": attrs}
	m.Metrics = Metrics{Timing: timingOf(res.StartedAt, res.EndedAt)}
	for _, f := range res.Files {
		m.AddAttachment(NewAttachment(f.Filename, f.Content, f.MimeType))
	}
	return m
}

func timingOf(started, ended time.Time) Timing {
	var t Timing
	if !started.IsZero() {
		s := started
		t.StartedAt = &s
	}
	if !ended.IsZero() {
		e := ended
		t.EndedAt = &e
		if !started.IsZero() {
			t.Latency = float64(ended.Sub(started)) / float64(time.Millisecond)
		}
	}
	return t
}

func nonUserMessages(msgs []*Message) []*Message {
	var out []*Message
	for _, m := range msgs {
		if m.Role != RoleUser {
			out = append(out, m)
		}
	}
	return out
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
