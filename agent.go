package tyler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultMaxToolIterations = 10

// Agent drives the tool-calling conversation loop: it injects a system
// prompt, calls the LLM, dispatches any requested tool calls through its
// ToolRunner, and appends the results to the thread until the model
// produces a plain response or the iteration cap is hit.
//
// Construct with New. An Agent is not safe for concurrent turns; callers
// serialize Go per agent. Child agents run on their own threads and may
// execute concurrently with each other.
type Agent struct {
	name        string
	model       string
	purpose     string
	notes       string
	temperature float64
	maxIter     int

	provider  Provider
	store     ThreadStore
	fileStore FileStore
	tools     *ToolRunner
	agents    *AgentRunner
	tracer    Tracer
	logger    *slog.Logger

	// iterationCount is the bounded per-turn step counter. Go resets it
	// to 0 before returning.
	iterationCount int
}

// agentConfig collects option values before validation in New.
type agentConfig struct {
	name        string
	purpose     string
	notes       string
	temperature float64
	maxIter     int
	store       ThreadStore
	fileStore   FileStore
	toolRunner  *ToolRunner
	agentRunner *AgentRunner
	modules     []moduleSelection
	customTools []CustomTool
	tools       []Tool
	children    []*Agent
	tracer      Tracer
	logger      *slog.Logger
}

type moduleSelection struct {
	name      string
	selection []string
}

// Option configures an Agent.
type Option func(*agentConfig)

// WithName sets the agent's name, used in the system prompt and as its
// registry key. Defaults to "Tyler".
func WithName(name string) Option {
	return func(c *agentConfig) { c.name = name }
}

// WithPurpose sets the agent's purpose statement for the system prompt.
func WithPurpose(purpose string) Option {
	return func(c *agentConfig) { c.purpose = purpose }
}

// WithNotes sets free-form notes appended to the system prompt.
func WithNotes(notes string) Option {
	return func(c *agentConfig) { c.notes = notes }
}

// WithTemperature sets the sampling temperature. Defaults to 0.7.
func WithTemperature(t float64) Option {
	return func(c *agentConfig) { c.temperature = t }
}

// WithMaxToolIterations sets the per-turn iteration cap. Defaults to 10.
func WithMaxToolIterations(n int) Option {
	return func(c *agentConfig) { c.maxIter = n }
}

// WithStore sets the thread store. When set, the agent persists the thread
// after attachment processing and at the end of every turn, and Go accepts
// thread ids via GoByID.
func WithStore(s ThreadStore) Option {
	return func(c *agentConfig) { c.store = s }
}

// WithFileStore sets the file store used to persist attachment bytes.
func WithFileStore(fs FileStore) Option {
	return func(c *agentConfig) { c.fileStore = fs }
}

// WithToolRunner sets the tool registry. Agents that should share tools
// (or see each other's registrations) pass the same runner. Defaults to a
// fresh runner per agent.
func WithToolRunner(r *ToolRunner) Option {
	return func(c *agentConfig) { c.toolRunner = r }
}

// WithAgentRunner sets the agent registry used for delegation. Defaults to
// a fresh runner per agent.
func WithAgentRunner(r *AgentRunner) Option {
	return func(c *agentConfig) { c.agentRunner = r }
}

// WithToolModule loads a named built-in tool module (for example "files",
// "web", "shell"), or the subset named by selection. The module's package
// must be imported for its tools to be discoverable.
func WithToolModule(name string, selection ...string) Option {
	return func(c *agentConfig) {
		c.modules = append(c.modules, moduleSelection{name: name, selection: selection})
	}
}

// WithCustomTool registers a caller-defined tool.
func WithCustomTool(tools ...CustomTool) Option {
	return func(c *agentConfig) { c.customTools = append(c.customTools, tools...) }
}

// WithTools registers tool module instances directly, bypassing built-in
// module discovery. Used for adapters such as MCP servers.
func WithTools(tools ...Tool) Option {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithAgents attaches child agents. Each child is registered with the
// agent runner and exposed to the model as a delegate_to_<Name> tool.
func WithAgents(children ...*Agent) Option {
	return func(c *agentConfig) { c.children = append(c.children, children...) }
}

// WithTracer sets the tracer. When set, the agent emits spans around each
// turn and each LLM step, and step spans are cross-referenced from message
// metrics.
func WithTracer(t Tracer) Option {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger sets the structured logger. If not set, a no-op logger is
// used.
func WithLogger(l *slog.Logger) Option {
	return func(c *agentConfig) { c.logger = l }
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Agent for the given model and provider. Invalid
// configuration (missing provider or model, malformed custom tools,
// unknown tool modules) fails here rather than on the first turn.
func New(model string, provider Provider, opts ...Option) (*Agent, error) {
	cfg := agentConfig{
		name:        "Tyler",
		purpose:     "To be a helpful assistant.",
		temperature: 0.7,
		maxIter:     defaultMaxToolIterations,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if model == "" {
		return nil, fmt.Errorf("tyler: model is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("tyler: provider is required")
	}
	if cfg.maxIter < 0 {
		return nil, fmt.Errorf("tyler: max tool iterations must be >= 0, got %d", cfg.maxIter)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.toolRunner == nil {
		cfg.toolRunner = NewToolRunner(WithToolRunnerLogger(cfg.logger))
	}
	if cfg.agentRunner == nil {
		cfg.agentRunner = NewAgentRunner(WithAgentRunnerLogger(cfg.logger))
	}

	a := &Agent{
		name:        cfg.name,
		model:       model,
		purpose:     cfg.purpose,
		notes:       cfg.notes,
		temperature: cfg.temperature,
		maxIter:     cfg.maxIter,
		provider:    provider,
		store:       cfg.store,
		fileStore:   cfg.fileStore,
		tools:       cfg.toolRunner,
		agents:      cfg.agentRunner,
		tracer:      cfg.tracer,
		logger:      cfg.logger,
	}

	for _, m := range cfg.modules {
		if err := a.tools.LoadModule(m.name, m.selection...); err != nil {
			return nil, fmt.Errorf("tyler: %w", err)
		}
	}
	for _, ct := range cfg.customTools {
		if err := ct.validate(); err != nil {
			return nil, fmt.Errorf("tyler: %w", err)
		}
		a.tools.Register(ct.Definition, ct.Implementation)
		if len(ct.Attributes) > 0 {
			a.tools.RegisterAttributes(ct.Definition.Name, ct.Attributes)
		}
	}
	for _, t := range cfg.tools {
		a.tools.RegisterTool(t)
	}
	for _, child := range cfg.children {
		a.agents.Register(child)
		a.tools.Register(delegationToolDef(child), delegationImpl(a.agents, child.Name()))
	}
	return a, nil
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Purpose returns the agent's purpose statement.
func (a *Agent) Purpose() string { return a.purpose }

// Model returns the model identifier the agent completes with.
func (a *Agent) Model() string { return a.model }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRunner { return a.tools }

// Agents returns the agent registry used for delegation.
func (a *Agent) Agents() *AgentRunner { return a.agents }

// --- System prompt ---

// systemPrompt composes the per-turn system prompt from the agent's name,
// purpose, notes, and the current date.
func (a *Agent) systemPrompt(now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an LLM agent with a specific purpose that can converse with users, answer questions, and when necessary, use tools to perform tasks.\n\n", a.name)
	fmt.Fprintf(&b, "Current date: %s\n\n", now.Format("2006-01-02 Monday"))
	fmt.Fprintf(&b, "Your purpose is: %s\n", a.purpose)
	if a.notes != "" {
		b.WriteString("\nHere are some relevant notes to help you accomplish your purpose:\n```\n")
		b.WriteString(a.notes)
		b.WriteString("\n```\n")
	}
	return b.String()
}

// ensureSystemPrompt places the system prompt at the head of the thread.
// An already-present system message is left unchanged so the prompt does
// not drift mid-turn.
func (a *Agent) ensureSystemPrompt(t *Thread) error {
	if t.SystemMessage() != nil {
		return nil
	}
	return t.AddMessage(SystemMessage(a.systemPrompt(NowUTC())))
}

// --- Turn entry points ---

// Go runs one agent turn against the thread: process attachments on the
// latest user message, then iterate LLM step + tool dispatch until the
// model stops calling tools, an interrupt tool fires, or the iteration cap
// is reached. The thread is mutated in place and persisted when a store is
// configured. Returns the thread and the non-user messages produced this
// turn.
//
// Provider and tool failures do not return an error; they are recorded in
// the thread as assistant/tool messages so the conversation stays intact.
// Errors are reserved for storage failures and invalid input.
func (a *Agent) Go(ctx context.Context, thread *Thread) (*Thread, []*Message, error) {
	return a.goWithSpan(ctx, thread, nil)
}

// GoByID loads the thread from the configured store and runs Go on it.
func (a *Agent) GoByID(ctx context.Context, threadID string) (*Thread, []*Message, error) {
	thread, err := a.resolveThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	return a.Go(ctx, thread)
}

// GoStream runs one agent turn like Go, emitting ExecutionEvent values as
// the turn progresses: content deltas while the model streams, a
// message-created event per appended message, tool-selected and
// tool-result around dispatch, and finally either complete (carrying the
// thread and new messages) or error. The returned channel is closed when
// the turn finishes.
func (a *Agent) GoStream(ctx context.Context, thread *Thread) <-chan ExecutionEvent {
	ch := make(chan ExecutionEvent, 64)
	go func() {
		defer close(ch)
		emit := func(ev ExecutionEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		t, msgs, err := a.goWithSpan(ctx, thread, emit)
		if err != nil {
			emit(ExecutionEvent{Type: EventError, Content: err.Error()})
			return
		}
		emit(ExecutionEvent{Type: EventComplete, Thread: t, NewMessages: msgs})
	}()
	return ch
}

// goWithSpan wraps the turn with an agent.go span when a tracer is configured.
func (a *Agent) goWithSpan(ctx context.Context, thread *Thread, emit func(ExecutionEvent)) (*Thread, []*Message, error) {
	if thread == nil {
		return nil, nil, fmt.Errorf("tyler: nil thread")
	}
	a.logger.Info("turn started", "agent", a.name, "thread", thread.ID)

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.go",
			StringAttr("agent.name", a.name),
			StringAttr("model", a.model),
			StringAttr("thread.id", thread.ID))
		defer span.End()
	}

	t, msgs, err := a.runTurn(ctx, thread, emit)
	if span != nil {
		if err != nil {
			span.Error(err)
			span.SetAttr(StringAttr("turn.status", "error"))
		} else {
			span.SetAttr(
				StringAttr("turn.status", "ok"),
				IntAttr("turn.new_messages", len(msgs)))
		}
	}
	a.logger.Info("turn completed", "agent", a.name, "thread", thread.ID,
		"status", statusStr(err), "new_messages", len(msgs))
	return t, msgs, err
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// resolveThread maps a thread id to a thread via the configured store.
func (a *Agent) resolveThread(ctx context.Context, threadID string) (*Thread, error) {
	if a.store == nil {
		return nil, ErrNoStore
	}
	thread, err := a.store.Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %q: %w", threadID, err)
	}
	if thread == nil {
		return nil, fmt.Errorf("thread %q not found", threadID)
	}
	return thread, nil
}

// saveThread persists the thread when a store is configured.
func (a *Agent) saveThread(ctx context.Context, t *Thread) error {
	if a.store == nil {
		return nil
	}
	if _, err := a.store.Save(ctx, t); err != nil {
		return fmt.Errorf("save thread %q: %w", t.ID, err)
	}
	return nil
}
