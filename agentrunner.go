package tyler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// delegationSource tags messages synthesized by the agent runner so that
// delegation turns are distinguishable from end-user input.
func delegationSource() map[string]any {
	return map[string]any{"id": "agent_runner", "type": "tool"}
}

// AgentRunner is a named registry of agents plus the execution environment
// for task-as-thread delegation. A parent agent delegates by calling
// RunAgent, which gives the child a fresh thread holding only the task (and
// optional context) and returns the child's assistant output.
type AgentRunner struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *slog.Logger
}

// AgentRunnerOption configures an AgentRunner.
type AgentRunnerOption func(*AgentRunner)

// WithAgentRunnerLogger sets the structured logger for registration events.
func WithAgentRunnerLogger(l *slog.Logger) AgentRunnerOption {
	return func(r *AgentRunner) { r.logger = l }
}

// NewAgentRunner creates an empty agent registry.
func NewAgentRunner(opts ...AgentRunnerOption) *AgentRunner {
	r := &AgentRunner{
		agents: make(map[string]*Agent),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces an agent under its name. Replacement is
// last-write-wins and logs a warning.
func (r *AgentRunner) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		r.logger.Warn("replacing registered agent", "agent", a.Name())
	}
	r.agents[a.Name()] = a
}

// Get returns the agent registered under name.
func (r *AgentRunner) Get(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns the registered agent names, sorted.
func (r *AgentRunner) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAgent executes the named agent against a fresh thread containing the
// task as a user message and, when extra is non-empty, a second user
// message carrying it as indented JSON. Both messages are tagged with the
// agent-runner source. It returns the double-newline join of the assistant
// contents the agent produced, plus the summed token usage of the turn.
func (r *AgentRunner) RunAgent(ctx context.Context, name, task string, extra map[string]any) (string, Usage, error) {
	agent, ok := r.Get(name)
	if !ok {
		return "", Usage{}, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}

	thread := NewThread()
	taskMsg := UserMessage(task)
	taskMsg.Source = delegationSource()
	if err := thread.AddMessage(taskMsg); err != nil {
		return "", Usage{}, err
	}
	if len(extra) > 0 {
		ctxMsg := UserMessage("Here is additional context that may be helpful:\n" + renderContext(extra))
		ctxMsg.Source = delegationSource()
		if err := thread.AddMessage(ctxMsg); err != nil {
			return "", Usage{}, err
		}
	}

	r.logger.Debug("running agent", "agent", name, "task", task)
	_, newMessages, err := agent.Go(ctx, thread)
	if err != nil {
		return "", Usage{}, err
	}

	var usage Usage
	var parts []string
	for _, m := range newMessages {
		usage.Add(m.Metrics.Usage)
		// Tool-call-only assistant messages have empty content; joinNonEmpty
		// drops them.
		if m.Role == RoleAssistant {
			parts = append(parts, m.Content)
		}
	}
	return joinNonEmpty(parts, "\n\n"), usage, nil
}

func renderContext(extra map[string]any) string {
	b, err := json.MarshalIndent(extra, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", extra)
	}
	return string(b)
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

// --- Delegation tools ---

// DelegationToolName returns the tool name under which a child agent is
// exposed to its parent's model.
func DelegationToolName(agentName string) string {
	return "delegate_to_" + agentName
}

var delegationParams = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"The task for the agent to complete, with all details it needs."},"context":{"type":"object","description":"Optional structured context to pass along with the task."}},"required":["task"]}`)

// delegationToolDef builds the LLM-visible definition for delegating to a
// child agent.
func delegationToolDef(child *Agent) ToolDefinition {
	desc := fmt.Sprintf("Delegate a task to the %s agent.", child.Name())
	if p := child.Purpose(); p != "" {
		desc += " " + p
	}
	return ToolDefinition{
		Name:        DelegationToolName(child.Name()),
		Description: desc,
		Parameters:  delegationParams,
	}
}

// delegationImpl returns the implementation behind delegate_to_<child>.
// It looks the child up by name through the runner on every call rather
// than capturing the agent, so re-registration takes effect and parent and
// child never hold references to each other.
func delegationImpl(runner *AgentRunner, childName string) ToolImpl {
	return func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		var params struct {
			Task    string         `json:"task"`
			Context map[string]any `json:"context"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{}, fmt.Errorf("invalid delegation arguments: %w", err)
		}
		if params.Task == "" {
			return ToolResult{}, fmt.Errorf("delegation to %q requires a non-empty task", childName)
		}
		content, _, err := runner.RunAgent(ctx, childName, params.Task, params.Context)
		if err != nil {
			return ToolResult{}, err
		}
		if content == "" {
			content = fmt.Sprintf("Agent %q completed the task without producing a response.", childName)
		}
		return ToolResult{Content: content}, nil
	}
}
