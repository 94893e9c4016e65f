package tyler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines
// per dispatch batch.
const maxParallelDispatch = 10

// ToolRunner maintains the process-scoped map from tool name to
// (definition, implementation, attributes) and dispatches tool calls
// emitted by the LLM.
//
// Registration happens during startup; once turns begin, the registry is
// effectively read-only. Dispatch is safe for concurrent use.
type ToolRunner struct {
	mu     sync.RWMutex
	tools  map[string]*toolEntry
	order  []string // registration order, drives Definitions()
	loaded map[string]bool
	logger *slog.Logger
}

type toolEntry struct {
	def   ToolDefinition
	impl  ToolImpl
	attrs map[string]any
}

// ToolRunnerOption configures a ToolRunner.
type ToolRunnerOption func(*ToolRunner)

// WithToolRunnerLogger sets the structured logger for registration and
// dispatch events.
func WithToolRunnerLogger(l *slog.Logger) ToolRunnerOption {
	return func(r *ToolRunner) { r.logger = l }
}

// NewToolRunner creates an empty tool runner.
func NewToolRunner(opts ...ToolRunnerOption) *ToolRunner {
	r := &ToolRunner{
		tools:  make(map[string]*toolEntry),
		loaded: make(map[string]bool),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or replaces the tool named by def.Name. Replacement is
// last-write-wins and logs a warning.
func (r *ToolRunner) Register(def ToolDefinition, impl ToolImpl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		r.logger.Warn("replacing registered tool", "tool", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	prev := r.tools[def.Name]
	entry := &toolEntry{def: def, impl: impl}
	if prev != nil {
		entry.attrs = prev.attrs
	}
	r.tools[def.Name] = entry
}

// RegisterTool registers every definition of a tool module, routing
// execution through the module's Execute.
func (r *ToolRunner) RegisterTool(t Tool) {
	for _, def := range t.Definitions() {
		name := def.Name
		r.Register(def, func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return t.Execute(ctx, name, args)
		})
	}
}

// RegisterAttributes merges attrs into the named tool's attributes.
// attributes["type"] = "interrupt" marks the tool as a turn terminator.
func (r *ToolRunner) RegisterAttributes(name string, attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tools[name]
	if !ok {
		r.logger.Warn("attributes for unregistered tool", "tool", name)
		return
	}
	if entry.attrs == nil {
		entry.attrs = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		entry.attrs[k] = v
	}
}

// Attributes returns the registered attributes of a tool, or nil.
func (r *ToolRunner) Attributes(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.tools[name]; ok {
		return entry.attrs
	}
	return nil
}

// IsInterrupt reports whether the named tool is registered with
// attributes["type"] = "interrupt".
func (r *ToolRunner) IsInterrupt(name string) bool {
	attrs := r.Attributes(name)
	return attrs != nil && attrs["type"] == "interrupt"
}

// Has reports whether a tool with the given name is registered.
func (r *ToolRunner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns all registered definitions in registration order.
func (r *ToolRunner) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if entry, ok := r.tools[name]; ok {
			defs = append(defs, entry.def)
		}
	}
	return defs
}

// LoadModule registers all tools of a named built-in module, or the subset
// named by selection (each element may be a comma-delimited list). The
// module package must be imported so its factory is registered. Loading a
// module twice is a no-op.
func (r *ToolRunner) LoadModule(module string, selection ...string) error {
	factory, ok := lookupModule(module)
	if !ok {
		return fmt.Errorf("tool module %q not found (is its package imported?)", module)
	}

	r.mu.Lock()
	if r.loaded[module] {
		r.mu.Unlock()
		return nil
	}
	r.loaded[module] = true
	r.mu.Unlock()

	want := make(map[string]bool)
	for _, sel := range selection {
		for _, name := range strings.Split(sel, ",") {
			if name = strings.TrimSpace(name); name != "" {
				want[name] = true
			}
		}
	}

	t := factory()
	registered := 0
	for _, def := range t.Definitions() {
		if len(want) > 0 && !want[def.Name] {
			continue
		}
		name := def.Name
		r.Register(def, func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			return t.Execute(ctx, name, args)
		})
		registered++
	}
	if len(want) > 0 && registered < len(want) {
		return fmt.Errorf("tool module %q does not provide all requested tools %v", module, selection)
	}
	r.logger.Debug("loaded tool module", "module", module, "tools", registered)
	return nil
}

// --- Dispatch ---

// ToolCallResult is the normalized outcome of dispatching one tool call.
// Content always holds something the model can read: the tool's output, or
// one of the runner's error strings. Errors never escape dispatch.
type ToolCallResult struct {
	ToolCallID string
	Name       string
	Content    string
	Files      []ToolFile
	Attributes map[string]any
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
}

// ExecuteToolCall dispatches a single tool call:
//
//  1. the call is normalized (type "function", empty arguments read as "{}")
//  2. an unknown name yields content "Tool '<name>' not found"
//  3. arguments that do not parse as a JSON object yield
//     "Invalid tool arguments: <detail>"
//  4. an error or panic from the implementation yields
//     "Error executing tool: <message>"
func (r *ToolRunner) ExecuteToolCall(ctx context.Context, call ToolCall) ToolCallResult {
	start := NowUTC()
	out := r.executeToolCall(ctx, call)
	out.StartedAt = start
	out.EndedAt = NowUTC()
	out.Duration = out.EndedAt.Sub(start)
	return out
}

func (r *ToolRunner) executeToolCall(ctx context.Context, call ToolCall) ToolCallResult {
	call = NormalizeToolCall(call)
	name := call.Function.Name
	out := ToolCallResult{ToolCallID: call.ID, Name: name}

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		out.Content = fmt.Sprintf("Tool '%s' not found", name)
		return out
	}
	out.Attributes = entry.attrs

	args := json.RawMessage(call.Function.Arguments)
	var probe map[string]any
	if err := json.Unmarshal(args, &probe); err != nil {
		out.Content = "Invalid tool arguments: " + err.Error()
		return out
	}

	result, err := safeInvoke(ctx, entry.impl, args)
	switch {
	case err != nil:
		out.Content = "Error executing tool: " + err.Error()
	case result.Error != "":
		out.Content = "Error executing tool: " + result.Error
	default:
		out.Content = result.Content
		out.Files = result.Files
	}
	if err != nil || result.Error != "" {
		r.logger.Debug("tool call failed", "tool", name, "content", out.Content)
	}
	return out
}

// safeInvoke runs a tool implementation with panic recovery.
func safeInvoke(ctx context.Context, impl ToolImpl, args json.RawMessage) (result ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{}
			err = fmt.Errorf("%v", p)
		}
	}()
	return impl(ctx, args)
}

// indexedResult pairs a dispatch result with its position in the calls
// slice so parallel results can be reassembled in call order.
type indexedResult struct {
	idx    int
	result ToolCallResult
}

// ExecuteParallel dispatches all calls concurrently and returns results in
// the same order as the input. A single call runs inline. Multiple calls
// use a fixed worker pool of min(len(calls), maxParallelDispatch)
// goroutines pulling from a shared work channel.
//
// Collection is context-aware: when ctx is cancelled with calls still in
// flight, incomplete slots are filled with error results and the function
// returns instead of blocking.
func (r *ToolRunner) ExecuteParallel(ctx context.Context, calls []ToolCall) []ToolCallResult {
	if len(calls) == 1 {
		return []ToolCallResult{r.ExecuteToolCall(ctx, calls[0])}
	}

	resultCh := make(chan indexedResult, len(calls))

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, r.cancelledResult(w.tc, ctx.Err())}
					continue
				}
				resultCh <- indexedResult{w.idx, r.ExecuteToolCall(ctx, w.tc)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolCallResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case res, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[res.idx] = res.result
			seen[res.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = r.cancelledResult(calls[i], ctx.Err())
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = r.cancelledResult(calls[i], ctx.Err())
		}
	}
	return results
}

func (r *ToolRunner) cancelledResult(call ToolCall, cause error) ToolCallResult {
	call = NormalizeToolCall(call)
	if cause == nil {
		cause = context.Canceled
	}
	now := NowUTC()
	return ToolCallResult{
		ToolCallID: call.ID,
		Name:       call.Function.Name,
		Content:    "Error executing tool: " + cause.Error(),
		Attributes: r.Attributes(call.Function.Name),
		StartedAt:  now,
		EndedAt:    now,
	}
}
