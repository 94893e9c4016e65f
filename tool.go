package tyler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is a module of one or more related tool functions. Built-in modules
// (tools/files, tools/web, tools/shell) and user modules implement this;
// single functions can be registered directly with ToolRunner.Register.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolImpl is a single registered tool implementation.
type ToolImpl func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// ToolFile is a file produced by a tool. Files on a result are attached to
// the tool message rather than returned inline.
type ToolFile struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	MimeType    string `json:"mime_type"`
	Description string `json:"description,omitempty"`
}

// ToolResult is the outcome of a tool execution. Exactly one of Content or
// Error is normally set; Files optionally accompany Content.
type ToolResult struct {
	Content string     `json:"content"`
	Files   []ToolFile `json:"files,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// JSONResult serializes v into a ToolResult's content. Use for tools whose
// natural result is structured data rather than prose.
func JSONResult(v any) ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("serialize result: %v", err)}
	}
	return ToolResult{Content: string(b)}
}

// CustomTool bundles a definition, implementation, and attributes for
// direct registration on an agent.
type CustomTool struct {
	Definition     ToolDefinition
	Implementation ToolImpl
	Attributes     map[string]any
}

func (c CustomTool) validate() error {
	if c.Definition.Name == "" {
		return fmt.Errorf("custom tool: definition has no name")
	}
	if c.Implementation == nil {
		return fmt.Errorf("custom tool %q: nil implementation", c.Definition.Name)
	}
	if len(c.Definition.Parameters) > 0 && !json.Valid(c.Definition.Parameters) {
		return fmt.Errorf("custom tool %q: parameters are not valid JSON", c.Definition.Name)
	}
	return nil
}

// --- Built-in module registry ---
//
// Tool module packages self-register a factory under a module name from
// init(), the same way database/sql drivers do. Importing the package makes
// the module loadable by name through ToolRunner.LoadModule.

var builtinModules sync.Map // string -> func() Tool

// RegisterModule registers a named built-in tool module factory.
// Called from tool module package init functions.
func RegisterModule(name string, factory func() Tool) {
	builtinModules.Store(name, factory)
}

func lookupModule(name string) (func() Tool, bool) {
	v, ok := builtinModules.Load(name)
	if !ok {
		return nil, false
	}
	return v.(func() Tool), true
}
