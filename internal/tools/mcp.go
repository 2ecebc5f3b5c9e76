package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// MCPTransport selects the connection mechanism for an MCP server.
type MCPTransport string

const (
	// MCPTransportStdio spawns a subprocess and communicates over
	// stdin/stdout.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP communicates via the MCP Streamable HTTP
	// protocol.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// MCPServerConfig describes how to connect to a single MCP server.
type MCPServerConfig struct {
	// Name uniquely identifies this server within one bridge.
	Name string `yaml:"name"`

	// Transport is "stdio" or "streamable-http".
	Transport MCPTransport `yaml:"transport"`

	// Command is the executable and arguments, space separated, used when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// MCPBridge connects external Model Context Protocol servers and imports
// their tools into a Registry. Imported tools return results with RunLLM set
// so the model always sees their output.
//
// All methods are safe for concurrent use.
type MCPBridge struct {
	registry *Registry
	client   *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	byServer map[string][]string // server name -> imported tool names
}

// NewMCPBridge creates a bridge that imports tools into registry.
func NewMCPBridge(registry *Registry) *MCPBridge {
	return &MCPBridge{
		registry: registry,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parley-tools", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		byServer: make(map[string][]string),
	}
}

// RegisterServer connects to an MCP server and imports its tool catalogue.
// Re-registering a server name replaces its previous connection and tools.
func (b *MCPBridge) RegisterServer(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp bridge: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp bridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp bridge: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp bridge: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp bridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp bridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
		for _, name := range b.byServer[cfg.Name] {
			b.registry.Unregister(name)
		}
	}
	b.sessions[cfg.Name] = session

	names := make([]string, 0, len(discovered))
	for _, t := range discovered {
		def := llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		if err := b.registry.Register(def, b.callHandler(session, t.Name)); err != nil {
			return fmt.Errorf("mcp bridge: register tool %q: %w", t.Name, err)
		}
		names = append(names, t.Name)
	}
	b.byServer[cfg.Name] = names

	return nil
}

// callHandler builds a Handler forwarding to one remote tool.
func (b *MCPBridge) callHandler(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		if args == nil {
			args = map[string]any{}
		}
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return Result{}, fmt.Errorf("mcp bridge: call tool %q: %w", name, err)
		}

		content := flattenContent(res.Content)
		if res.IsError {
			return Result{
				Value:  map[string]any{"status": "error", "error": content},
				RunLLM: true,
			}, nil
		}
		return Result{Value: content, RunLLM: true}, nil
	}
}

// Close disconnects every server. Tools remain registered but will fail on
// execution; callers close the bridge only at shutdown.
func (b *MCPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, s := range b.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp bridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// splitCommand splits a command line on spaces into executable and args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// flattenContent joins the textual parts of an MCP tool response.
func flattenContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
