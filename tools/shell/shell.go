// Package shell provides the shell tool module: shell-run executes a
// command through sh -c with a bounded timeout and returns combined output.
//
// Importing the package registers the module under the name "shell" for
// ToolRunner.LoadModule.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tyler-ai/tyler"
)

func init() {
	tyler.RegisterModule("shell", func() tyler.Tool { return New() })
}

// maxOutput is the truncation threshold for command output.
const maxOutput = 4000

// maxTimeout caps the per-command timeout in seconds.
const maxTimeout = 300

// Option configures the shell tool.
type Option func(*Tool)

// WithWorkDir sets the directory commands run in. Commands inherit the
// process working directory when unset.
func WithWorkDir(dir string) Option {
	return func(t *Tool) { t.workDir = dir }
}

// WithDefaultTimeout sets the timeout in seconds used when a call does not
// carry its own.
func WithDefaultTimeout(seconds int) Option {
	return func(t *Tool) {
		if seconds > 0 {
			t.defaultTimeout = seconds
		}
	}
}

// Tool executes shell commands.
type Tool struct {
	workDir        string
	defaultTimeout int // seconds
}

var _ tyler.Tool = (*Tool)(nil)

// New creates the shell tool module with a 30-second default timeout.
func New(opts ...Option) *Tool {
	t := &Tool{defaultTimeout: 30}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []tyler.ToolDefinition {
	return []tyler.ToolDefinition{{
		Name:        "shell-run",
		Description: "Execute a shell command. Returns stdout and stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30, max 300)"}},"required":["command"]}`),
	}}
}

// blockedFragments are substrings that fail a command before execution.
var blockedFragments = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tyler.ToolResult, error) {
	if name != "shell-run" {
		return tyler.ToolResult{Error: "unknown shell tool: " + name}, nil
	}
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tyler.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return tyler.ToolResult{Error: "invalid args: command is required"}, nil
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blockedFragments {
		if strings.Contains(lower, b) {
			return tyler.ToolResult{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return tyler.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return tyler.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return tyler.ToolResult{Content: output}, nil
}
