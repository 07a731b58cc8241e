// Package mcp connects to Model Context Protocol servers and bridges their
// tools into the session's tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jimi-agent/jimi/internal/config"
	"github.com/jimi-agent/jimi/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// Manager owns the MCP client connections for one session.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*mcpclient.Client
	bridges []tools.Tool
}

// NewManager returns an empty manager; call Connect to attach servers.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*mcpclient.Client)}
}

// Connect dials every configured server, discovers its tools, and collects
// bridge tools. A failing server is logged and skipped so one bad config
// entry cannot block the session.
func (m *Manager) Connect(ctx context.Context, servers map[string]config.MCPServerConfig) {
	for name, sc := range servers {
		if err := m.connect(ctx, name, sc); err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
		}
	}
}

func (m *Manager) connect(ctx context.Context, name string, sc config.MCPServerConfig) error {
	client, err := createClient(sc)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if sc.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "jimi", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeout := defaultCallTimeout
	if sc.TimeoutSeconds > 0 {
		timeout = time.Duration(sc.TimeoutSeconds) * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
	for _, t := range listed.Tools {
		m.bridges = append(m.bridges, &bridgeTool{
			server:  name,
			tool:    t,
			client:  client,
			timeout: timeout,
		})
	}
	slog.Info("mcp server connected", "server", name, "tools", len(listed.Tools))
	return nil
}

func createClient(sc config.MCPServerConfig) (*mcpclient.Client, error) {
	switch sc.Transport {
	case "", "stdio":
		env := make([]string, 0, len(sc.Env))
		for k, v := range sc.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(sc.Command, env, sc.Args...)
	case "sse":
		return mcpclient.NewSSEMCPClient(sc.URL)
	case "http":
		return mcpclient.NewStreamableHttpClient(sc.URL)
	default:
		return nil, fmt.Errorf("unsupported transport %q", sc.Transport)
	}
}

// Tools returns the bridge tools discovered so far.
func (m *Manager) Tools() []tools.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tools.Tool, len(m.bridges))
	copy(out, m.bridges)
	return out
}

// Close shuts every client connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			slog.Debug("mcp client close", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*mcpclient.Client)
}

// bridgeTool adapts one remote MCP tool to the local Tool interface. Remote
// tools are treated as EXECUTE actions: the approval gate applies because
// their side effects are unknown.
type bridgeTool struct {
	server  string
	tool    mcpgo.Tool
	client  *mcpclient.Client
	timeout time.Duration
}

func (b *bridgeTool) Name() string {
	return b.server + "_" + b.tool.Name
}

func (b *bridgeTool) Description() string {
	return fmt.Sprintf("[%s] %s", b.server, b.tool.Description)
}

func (b *bridgeTool) Action() tools.Action { return tools.ActionExecute }

func (b *bridgeTool) Parameters() map[string]any {
	params := map[string]any{"type": "object"}
	if b.tool.InputSchema.Properties != nil {
		params["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		params["required"] = b.tool.InputSchema.Required
	}
	return params
}

func (b *bridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(cctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp %s: %v", b.Name(), err))
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return tools.ErrorResult(text)
	}
	return tools.BriefResult(text, fmt.Sprintf("Called %s", b.Name()))
}

func flattenContent(content []mcpgo.Content) string {
	var out string
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	if out == "" {
		out = "(no text content)"
	}
	return out
}
