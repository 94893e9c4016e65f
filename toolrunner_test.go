package tyler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoImpl(content string) ToolImpl {
	return func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: content}, nil
	}
}

// --- Registry ---

func TestToolRunnerRegisterAndHas(t *testing.T) {
	r := NewToolRunner()
	if r.Has("ping") {
		t.Error("empty runner should have no tools")
	}
	r.Register(ToolDefinition{Name: "ping", Description: "pings"}, echoImpl("pong"))
	if !r.Has("ping") {
		t.Error("registered tool not found")
	}
}

func TestToolRunnerDefinitionsOrder(t *testing.T) {
	r := NewToolRunner()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(ToolDefinition{Name: name, Description: name}, echoImpl(name))
	}
	// Re-registration keeps the original position.
	r.Register(ToolDefinition{Name: "alpha", Description: "replaced"}, echoImpl("new"))

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	wantOrder := []string{"zeta", "alpha", "mid"}
	for i, want := range wantOrder {
		if defs[i].Name != want {
			t.Errorf("defs[%d] = %q, want %q (registration order)", i, defs[i].Name, want)
		}
	}
	if defs[1].Description != "replaced" {
		t.Error("re-registration must be last-write-wins")
	}
}

func TestToolRunnerReplaceKeepsAttributes(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "stop"}, echoImpl("v1"))
	r.RegisterAttributes("stop", map[string]any{"type": "interrupt"})
	r.Register(ToolDefinition{Name: "stop"}, echoImpl("v2"))

	if !r.IsInterrupt("stop") {
		t.Error("attributes must survive re-registration")
	}
	res := r.ExecuteToolCall(context.Background(), call("c1", "stop", `{}`))
	if res.Content != "v2" {
		t.Errorf("content = %q, want the replacement implementation", res.Content)
	}
}

func TestRegisterAttributes(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "marked"}, echoImpl("ok"))
	r.RegisterAttributes("marked", map[string]any{"category": "test"})
	r.RegisterAttributes("marked", map[string]any{"version": "2", "category": "prod"})

	attrs := r.Attributes("marked")
	if attrs["category"] != "prod" || attrs["version"] != "2" {
		t.Errorf("attributes = %v, want merged with last-write-wins", attrs)
	}

	// Attributes for a tool that was never registered are dropped.
	r.RegisterAttributes("ghost", map[string]any{"type": "interrupt"})
	if r.Attributes("ghost") != nil {
		t.Error("unregistered tool must have no attributes")
	}
}

func TestIsInterrupt(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "plain"}, echoImpl("ok"))
	r.Register(ToolDefinition{Name: "stop"}, echoImpl("ok"))
	r.RegisterAttributes("stop", map[string]any{"type": "interrupt"})
	r.Register(ToolDefinition{Name: "typed"}, echoImpl("ok"))
	r.RegisterAttributes("typed", map[string]any{"type": "background"})

	if r.IsInterrupt("plain") || r.IsInterrupt("typed") || r.IsInterrupt("missing") {
		t.Error("only attributes type=interrupt marks an interrupt tool")
	}
	if !r.IsInterrupt("stop") {
		t.Error("interrupt tool not recognized")
	}
}

func TestRegisterTool(t *testing.T) {
	r := NewToolRunner()
	mod := &fakeModule{}
	r.RegisterTool(mod)

	if !r.Has("alpha") || !r.Has("beta") {
		t.Fatal("module definitions not registered")
	}
	res := r.ExecuteToolCall(context.Background(), call("c1", "beta", `{}`))
	if res.Content != "beta ran" {
		t.Errorf("content = %q", res.Content)
	}
	if len(mod.executed) != 1 || mod.executed[0] != "beta" {
		t.Errorf("module saw %v, want routed name", mod.executed)
	}
}

// --- Module loading ---

func TestLoadModule(t *testing.T) {
	RegisterModule("runner-test-full", func() Tool { return &fakeModule{} })
	r := NewToolRunner()
	if err := r.LoadModule("runner-test-full"); err != nil {
		t.Fatal(err)
	}
	if !r.Has("alpha") || !r.Has("beta") {
		t.Error("module tools not loaded")
	}
}

func TestLoadModuleSelection(t *testing.T) {
	RegisterModule("runner-test-selection", func() Tool { return &fakeModule{} })
	r := NewToolRunner()
	if err := r.LoadModule("runner-test-selection", "beta"); err != nil {
		t.Fatal(err)
	}
	if r.Has("alpha") {
		t.Error("unselected tool was loaded")
	}
	if !r.Has("beta") {
		t.Error("selected tool missing")
	}
}

func TestLoadModuleCommaSelection(t *testing.T) {
	RegisterModule("runner-test-comma", func() Tool { return &fakeModule{} })
	r := NewToolRunner()
	if err := r.LoadModule("runner-test-comma", "alpha, beta"); err != nil {
		t.Fatal(err)
	}
	if !r.Has("alpha") || !r.Has("beta") {
		t.Error("comma-delimited selection not honored")
	}
}

func TestLoadModuleMissingSelection(t *testing.T) {
	RegisterModule("runner-test-missing", func() Tool { return &fakeModule{} })
	r := NewToolRunner()
	err := r.LoadModule("runner-test-missing", "alpha,gamma")
	if err == nil {
		t.Error("selecting an unknown tool must fail")
	}
}

func TestLoadModuleUnknown(t *testing.T) {
	r := NewToolRunner()
	if err := r.LoadModule("never-registered-module"); err == nil {
		t.Error("unknown module must fail")
	}
}

func TestLoadModuleIdempotent(t *testing.T) {
	RegisterModule("runner-test-idem", func() Tool { return &fakeModule{} })
	r := NewToolRunner()
	if err := r.LoadModule("runner-test-idem"); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadModule("runner-test-idem"); err != nil {
		t.Fatalf("second load must be a no-op, got %v", err)
	}
	if got := len(r.Definitions()); got != 2 {
		t.Errorf("definitions = %d, want 2 (no duplicates)", got)
	}
}

// --- Dispatch ---

func TestExecuteToolCall(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "greet"}, func(_ context.Context, args json.RawMessage) (ToolResult, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return ToolResult{}, err
		}
		return ToolResult{Content: "Hello, " + p.Name}, nil
	})
	r.RegisterAttributes("greet", map[string]any{"category": "social"})

	res := r.ExecuteToolCall(context.Background(), call("c1", "greet", `{"name":"Ada"}`))
	if res.Content != "Hello, Ada" {
		t.Errorf("content = %q", res.Content)
	}
	if res.ToolCallID != "c1" || res.Name != "greet" {
		t.Errorf("identity = %q/%q", res.ToolCallID, res.Name)
	}
	if res.Attributes["category"] != "social" {
		t.Errorf("attributes = %v", res.Attributes)
	}
	if res.StartedAt.IsZero() || res.EndedAt.Before(res.StartedAt) {
		t.Errorf("timing = %v..%v", res.StartedAt, res.EndedAt)
	}
	if res.Duration < 0 {
		t.Errorf("duration = %v", res.Duration)
	}
}

func TestExecuteToolCallNotFound(t *testing.T) {
	r := NewToolRunner()
	res := r.ExecuteToolCall(context.Background(), call("c1", "ghost", `{}`))
	if res.Content != "Tool 'ghost' not found" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteToolCallInvalidArguments(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "strict"}, echoImpl("never"))

	res := r.ExecuteToolCall(context.Background(), call("c1", "strict", `[1,2,3]`))
	if !strings.HasPrefix(res.Content, "Invalid tool arguments: ") {
		t.Errorf("content = %q", res.Content)
	}

	res = r.ExecuteToolCall(context.Background(), call("c2", "strict", `not json`))
	if !strings.HasPrefix(res.Content, "Invalid tool arguments: ") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteToolCallEmptyArguments(t *testing.T) {
	r := NewToolRunner()
	var received string
	r.Register(ToolDefinition{Name: "noargs"}, func(_ context.Context, args json.RawMessage) (ToolResult, error) {
		received = string(args)
		return ToolResult{Content: "ok"}, nil
	})

	res := r.ExecuteToolCall(context.Background(), call("c1", "noargs", ""))
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
	if received != "{}" {
		t.Errorf("implementation received %q, want {}", received)
	}
}

func TestExecuteToolCallImplErrors(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "failing"}, func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{}, errors.New("backend unavailable")
	})
	r.Register(ToolDefinition{Name: "softfail"}, func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{Error: "quota exceeded"}, nil
	})

	res := r.ExecuteToolCall(context.Background(), call("c1", "failing", `{}`))
	if res.Content != "Error executing tool: backend unavailable" {
		t.Errorf("content = %q", res.Content)
	}
	res = r.ExecuteToolCall(context.Background(), call("c2", "softfail", `{}`))
	if res.Content != "Error executing tool: quota exceeded" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteToolCallPanicRecovery(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "panics"}, func(context.Context, json.RawMessage) (ToolResult, error) {
		panic("nil map write")
	})

	res := r.ExecuteToolCall(context.Background(), call("c1", "panics", `{}`))
	if res.Content != "Error executing tool: nil map write" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteToolCallFiles(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "emit"}, func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{
			Content: "file attached",
			Files:   []ToolFile{{Filename: "out.txt", Content: []byte("data"), MimeType: "text/plain"}},
		}, nil
	})
	res := r.ExecuteToolCall(context.Background(), call("c1", "emit", `{}`))
	if len(res.Files) != 1 || res.Files[0].Filename != "out.txt" {
		t.Errorf("files = %+v", res.Files)
	}
}

// --- Parallel dispatch ---

func TestExecuteParallelSingleCall(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "one"}, echoImpl("only"))
	results := r.ExecuteParallel(context.Background(), []ToolCall{call("c1", "one", `{}`)})
	if len(results) != 1 || results[0].Content != "only" {
		t.Errorf("results = %+v", results)
	}
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	r := NewToolRunner()
	// Make earlier calls slower so completion order inverts call order.
	delays := []time.Duration{30 * time.Millisecond, 15 * time.Millisecond, 0}
	for i, name := range []string{"t0", "t1", "t2"} {
		d := delays[i]
		content := name + " done"
		r.Register(ToolDefinition{Name: name}, func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ToolResult{}, ctx.Err()
			}
			return ToolResult{Content: content}, nil
		})
	}

	calls := []ToolCall{
		call("c1", "t0", `{}`),
		call("c2", "t1", `{}`),
		call("c3", "t2", `{}`),
	}
	results := r.ExecuteParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"t0 done", "t1 done", "t2 done"} {
		if results[i].Content != want {
			t.Errorf("results[%d] = %q, want %q", i, results[i].Content, want)
		}
		if results[i].ToolCallID != calls[i].ID {
			t.Errorf("results[%d] answers %q, want %q", i, results[i].ToolCallID, calls[i].ID)
		}
	}
}

func TestExecuteParallelRunsConcurrently(t *testing.T) {
	const numCalls = 4
	r := NewToolRunner()
	barrier := make(chan struct{})
	started := make(chan struct{}, numCalls)
	r.Register(ToolDefinition{Name: "block"}, func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
		started <- struct{}{}
		select {
		case <-barrier:
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
		return ToolResult{Content: "released"}, nil
	})

	var calls []ToolCall
	for i := 0; i < numCalls; i++ {
		calls = append(calls, call(string(rune('a'+i)), "block", `{}`))
	}

	done := make(chan []ToolCallResult, 1)
	go func() { done <- r.ExecuteParallel(context.Background(), calls) }()

	for i := 0; i < numCalls; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("call did not start — dispatch likely sequential")
		}
	}
	close(barrier)

	select {
	case results := <-done:
		for i, res := range results {
			if res.Content != "released" {
				t.Errorf("results[%d] = %q", i, res.Content)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish")
	}
}

func TestExecuteParallelMoreCallsThanWorkers(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "quick"}, func(_ context.Context, args json.RawMessage) (ToolResult, error) {
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return ToolResult{}, err
		}
		return JSONResult(map[string]int{"n": p.N}), nil
	})

	const numCalls = maxParallelDispatch + 5
	calls := make([]ToolCall, numCalls)
	for i := range calls {
		calls[i] = call(
			"c"+string(rune('a'+i)),
			"quick",
			`{"n":`+string(rune('0'+i%10))+`}`,
		)
	}
	results := r.ExecuteParallel(context.Background(), calls)
	if len(results) != numCalls {
		t.Fatalf("results = %d, want %d", len(results), numCalls)
	}
	for i, res := range results {
		if res.ToolCallID != calls[i].ID {
			t.Errorf("results[%d] answers %q, want %q", i, res.ToolCallID, calls[i].ID)
		}
	}
}

func TestExecuteParallelCancellation(t *testing.T) {
	r := NewToolRunner()
	r.Register(ToolDefinition{Name: "hang"}, func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
		<-ctx.Done()
		return ToolResult{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := []ToolCall{
		call("c1", "hang", `{}`),
		call("c2", "hang", `{}`),
	}
	done := make(chan []ToolCallResult, 1)
	go func() { done <- r.ExecuteParallel(ctx, calls) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case results := <-done:
		if len(results) != 2 {
			t.Fatalf("results = %d, want 2", len(results))
		}
		for i, res := range results {
			if !strings.HasPrefix(res.Content, "Error executing tool: ") {
				t.Errorf("results[%d] = %q, want an error result", i, res.Content)
			}
			if res.ToolCallID != calls[i].ID {
				t.Errorf("results[%d] answers %q", i, res.ToolCallID)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled dispatch did not return")
	}
}
