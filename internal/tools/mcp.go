package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aide-sh/aide/pkg/schema"
)

// MCPServerConfig describes how to launch and identify a tool server
// subprocess. Discovered tools register under the Name prefix
// ("email" + "send" -> "email.send").
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

const (
	mcpHandshakeTimeout = 10 * time.Second
	healthInterval      = 30 * time.Second
	maxHealthFailures   = 3
	maxRestartBackoff   = 60 * time.Second
)

// MCPManager manages the lifecycle of MCP tool-server subprocesses and
// keeps their discovered tools registered.
type MCPManager struct {
	registry *Registry
	servers  map[string]*managedServer
	mu       sync.RWMutex
	logger   *slog.Logger
}

type managedServer struct {
	config   MCPServerConfig
	client   *client.Client
	status   string // starting, healthy, unhealthy, crashed, stopped
	errCount int
	lastErr  string
	cancel   context.CancelFunc
}

// NewMCPManager creates a manager that registers discovered tools into registry.
func NewMCPManager(registry *Registry, logger *slog.Logger) *MCPManager {
	return &MCPManager{
		registry: registry,
		servers:  make(map[string]*managedServer),
		logger:   logger,
	}
}

// Load starts a tool-server subprocess, performs the MCP handshake, and
// registers its tools under the config's namespace prefix.
func (m *MCPManager) Load(ctx context.Context, config MCPServerConfig) error {
	if config.Name == "" || config.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool server config requires name and command")
	}

	m.mu.Lock()
	if _, exists := m.servers[config.Name]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "tool server %q already loaded", config.Name)
	}
	m.mu.Unlock()

	serverCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	env := make([]string, 0, len(config.Env))
	for k, v := range config.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient := client.NewClient(transport.NewStdio(config.Command, env, config.Args...))

	if err := mcpClient.Start(serverCtx); err != nil {
		cancel()
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"start tool server %q: %s", config.Name, err.Error()).WithCause(err)
	}

	initCtx, initCancel := context.WithTimeout(serverCtx, mcpHandshakeTimeout)
	defer initCancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "aide",
		Version: "1.0.0",
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(initCtx, initReq)
	if err != nil {
		cancel()
		_ = mcpClient.Close()
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"handshake with tool server %q: %s", config.Name, err.Error()).WithCause(err)
	}

	ms := &managedServer{
		config: config,
		client: mcpClient,
		status: "starting",
		cancel: cancel,
	}

	if serverInfo.Capabilities.Tools != nil {
		if err := m.discoverTools(serverCtx, ms); err != nil {
			cancel()
			_ = mcpClient.Close()
			return err
		}
	} else {
		m.logger.Warn("tool server exposes no tools", slog.String("server", config.Name))
	}

	ms.status = "healthy"

	m.mu.Lock()
	m.servers[config.Name] = ms
	m.mu.Unlock()

	go m.healthLoop(serverCtx, ms)

	m.logger.Info("tool server loaded",
		slog.String("server", config.Name),
		slog.String("remote", serverInfo.ServerInfo.Name),
	)
	return nil
}

// discoverTools lists the server's tools and registers them under the prefix.
func (m *MCPManager) discoverTools(ctx context.Context, ms *managedServer) error {
	listCtx, cancel := context.WithTimeout(ctx, mcpHandshakeTimeout)
	defer cancel()

	result, err := ms.client.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"list tools from server %q: %s", ms.config.Name, err.Error()).WithCause(err)
	}

	ts := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		inputSchema, _ := json.Marshal(t.InputSchema)
		ts = append(ts, &mcpTool{
			name:        t.Name,
			description: t.Description,
			inputSchema: inputSchema,
			client:      ms.client,
		})
	}

	if len(ts) == 0 {
		return nil
	}

	count, err := m.registry.RegisterProvider(ms.config.Name, ts)
	if err != nil {
		return err
	}

	m.logger.Info("discovered tools",
		slog.String("server", ms.config.Name),
		slog.Int("count", count),
	)
	return nil
}

// healthLoop pings the server periodically and restarts it after repeated
// failures.
func (m *MCPManager) healthLoop(ctx context.Context, ms *managedServer) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, mcpHandshakeTimeout)
			err := ms.client.Ping(pingCtx)
			cancel()

			m.mu.Lock()
			if err != nil {
				ms.errCount++
				ms.lastErr = err.Error()
				if ms.errCount >= maxHealthFailures {
					ms.status = "unhealthy"
					m.logger.Warn("tool server unhealthy",
						slog.String("server", ms.config.Name),
						slog.Int("consecutive_errors", ms.errCount),
					)
					m.mu.Unlock()
					m.restart(ctx, ms)
					return
				}
			} else {
				ms.errCount = 0
				ms.status = "healthy"
			}
			m.mu.Unlock()
		}
	}
}

// restart tears the server down and reloads it with exponential backoff.
func (m *MCPManager) restart(ctx context.Context, ms *managedServer) {
	m.mu.Lock()
	errCount := ms.errCount
	ms.status = "crashed"
	delete(m.servers, ms.config.Name)
	m.mu.Unlock()

	m.registry.UnregisterProvider(ms.config.Name)
	ms.cancel()
	_ = ms.client.Close()

	// min(1s * 2^errCount, 60s)
	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(maxRestartBackoff),
	))

	m.logger.Info("restarting tool server",
		slog.String("server", ms.config.Name),
		slog.Duration("backoff", delay),
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := m.Load(context.WithoutCancel(ctx), ms.config); err != nil {
		m.logger.Error("failed to restart tool server",
			slog.String("server", ms.config.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop shuts down one tool server and unregisters its tools.
func (m *MCPManager) Stop(name string) error {
	m.mu.Lock()
	ms, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "tool server %q not found", name)
	}
	delete(m.servers, name)
	m.mu.Unlock()

	m.registry.UnregisterProvider(name)
	ms.cancel()
	err := ms.client.Close()
	ms.status = "stopped"

	m.logger.Info("tool server stopped", slog.String("server", name))
	return err
}

// StopAll shuts down every managed tool server.
func (m *MCPManager) StopAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Stop(name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Status reports the current status of all managed servers.
func (m *MCPManager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]string, len(m.servers))
	for name, ms := range m.servers {
		result[name] = ms.status
	}
	return result
}

// mcpTool proxies a discovered remote tool through the server's client.
type mcpTool struct {
	name        string
	description string
	inputSchema json.RawMessage
	client      *client.Client
}

func (t *mcpTool) Name() string { return t.name }

func (t *mcpTool) Schema() ToolSchema {
	return ToolSchema{
		InputSchema: t.inputSchema,
		Description: t.description,
	}
}

func (t *mcpTool) Execute(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = params

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	if result.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q reported an error: %s", t.name, textFromResult(result))
	}

	return resultToJSON(result)
}

// textFromResult extracts the first text content block, if any.
func textFromResult(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "unknown error"
}

// resultToJSON converts a tool result to raw JSON. Single text blocks that
// already hold JSON pass through untouched; plain text is wrapped.
func resultToJSON(result *mcp.CallToolResult) (json.RawMessage, error) {
	if len(result.Content) == 0 {
		return json.RawMessage(`{}`), nil
	}

	if len(result.Content) == 1 {
		if tc, ok := result.Content[0].(mcp.TextContent); ok {
			if json.Valid([]byte(tc.Text)) {
				return json.RawMessage(tc.Text), nil
			}
			return json.Marshal(map[string]any{"text": tc.Text})
		}
	}

	return json.Marshal(result.Content)
}
