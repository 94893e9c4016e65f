package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/tyler-ai/tyler"
)

// maxMessageSize bounds a single JSON-RPC message.
const maxMessageSize = 10 << 20

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger for connection and dispatch events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEnv adds environment variables for the server process, merged over
// the current environment.
func WithEnv(env map[string]string) Option {
	return func(c *Client) { c.env = env }
}

// Client is an MCP client connected to one server over stdio.
// A client serializes requests; tool calls from concurrent goroutines
// queue on the wire.
type Client struct {
	name   string
	logger *slog.Logger
	env    map[string]string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte

	mu     sync.Mutex
	nextID int64

	serverInfo ServerInfo
	tools      []ToolDefinition
}

// Connect starts the server process, performs the initialize handshake,
// and discovers the server's tools. name namespaces those tools
// ("<name>.<tool>") when RegisterTools runs.
func Connect(ctx context.Context, name, command string, args []string, opts ...Option) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	c := &Client{name: name, logger: nopLogger}
	for _, opt := range opts {
		opt(c)
	}
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.lines = make(chan []byte, 8)
	go c.readLoop(stdout)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("mcp server connected",
		"server", name,
		"server_name", c.serverInfo.Name,
		"tools", len(c.tools))
	return c, nil
}

// newPipeClient wires a client to an existing transport. Tests use this to
// speak to an in-process fake server.
func newPipeClient(name string, stdin io.WriteCloser, stdout io.Reader, opts ...Option) *Client {
	c := &Client{name: name, logger: nopLogger, stdin: stdin, lines: make(chan []byte, 8)}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(stdout)
	return c
}

// handshake runs initialize, the initialized notification, and tools/list.
func (c *Client) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: "tyler", Version: clientVersion},
	})
	if err != nil {
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("mcp: initialize result: %w", err)
	}
	c.serverInfo = init.ServerInfo

	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}

	raw, err = c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("mcp: tools/list result: %w", err)
	}
	c.tools = list.Tools
	return nil
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxMessageSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		c.lines <- line
	}
	close(c.lines)
}

// call sends a request and waits for its response, skipping unrelated
// server-initiated messages.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	if err := c.write(request{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: params}); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return nil, fmt.Errorf("mcp: server %q closed the connection", c.name)
			}
			var resp response
			if err := json.Unmarshal(line, &resp); err != nil || string(resp.ID) != id {
				c.logger.Debug("skipping unmatched message", "server", c.name, "line", string(line))
				continue
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("mcp: %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
			}
			return resp.Result, nil
		}
	}
}

// notify sends a notification; no response is expected.
func (c *Client) notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write to server %q: %w", c.name, err)
	}
	return nil
}

// ServerInfo returns the identity the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// Tools returns the definitions discovered from the server.
func (c *Client) Tools() []ToolDefinition { return c.tools }

// CallTool invokes a tool by its server-side (non-namespaced) name.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, fmt.Errorf("mcp: tools/call result: %w", err)
	}
	return result, nil
}

// RegisterTools registers every discovered tool with r under
// "<server>.<tool>", with attributes identifying the MCP origin.
func (c *Client) RegisterTools(r *tyler.ToolRunner) {
	for _, tool := range c.tools {
		name := c.name + "." + tool.Name
		remote := tool.Name
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		r.Register(tyler.ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  schema,
		}, func(ctx context.Context, args json.RawMessage) (tyler.ToolResult, error) {
			result, err := c.CallTool(ctx, remote, args)
			if err != nil {
				return tyler.ToolResult{}, err
			}
			if result.IsError {
				return tyler.ToolResult{Error: result.Text()}, nil
			}
			return tyler.ToolResult{Content: result.Text()}, nil
		})
		r.RegisterAttributes(name, map[string]any{
			"source":        "mcp",
			"server":        c.name,
			"original_name": remote,
		})
	}
}

// Close shuts the server down by closing its stdin, waiting up to five
// seconds before killing the process.
func (c *Client) Close() error {
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	// Drain so the read loop can reach EOF and exit.
	go func() {
		for range c.lines {
		}
	}()
	if c.cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
	}
	return nil
}
