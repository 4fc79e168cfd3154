package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aide-sh/aide/internal/confirm"
	"github.com/aide-sh/aide/internal/engine"
	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/streaming"
)

// WorkflowExecutor is the slice of the engine the MCP surface drives.
type WorkflowExecutor interface {
	Run(ctx context.Context, sessionID, userID, request string) (*engine.WorkflowResult, error)
	ResumeAfterConfirmation(ctx context.Context, confirmationID string) (*engine.WorkflowResult, error)
	Cancel(ctx context.Context, workflowID, reason string) error
}

// ConfirmationResponder records confirmation responses and executes
// approved actions.
type ConfirmationResponder interface {
	Respond(ctx context.Context, id string, confirmed bool, respondedBy string) (*store.ConfirmationFlow, error)
	Execute(ctx context.Context, id string) (*store.ConfirmationFlow, error)
	ListPending(ctx context.Context, sessionID string) ([]*store.ConfirmationFlow, error)
}

var _ WorkflowExecutor = (*engine.Engine)(nil)
var _ ConfirmationResponder = (*confirm.Gate)(nil)

// AideServerDeps holds the dependencies for creating an AideServer.
type AideServerDeps struct {
	Executor WorkflowExecutor
	Gate     ConfirmationResponder
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// AideServer wraps an MCP server with the assistant's tool handlers.
type AideServer struct {
	executor  WorkflowExecutor
	gate      ConfirmationResponder
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewAideServer creates an AideServer with all 5 tools registered.
func NewAideServer(deps AideServerDeps) *AideServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AideServer{
		executor: deps.Executor,
		gate:     deps.Gate,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"aide",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Aide plans and executes multi-step tasks from natural-language requests. Use aide.request to submit a request, aide.confirm to approve or reject a gated action, aide.status to inspect a workflow, aide.cancel to stop one, and aide.query to list active workflows, pending confirmations, or audit events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AideServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AideServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *AideServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: requestTool(), Handler: s.handleRequest},
		{Tool: confirmTool(), Handler: s.handleConfirm},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func requestTool() mcp.Tool {
	return mcp.NewTool("aide.request",
		mcp.WithDescription("Plan and execute a natural-language request"),
		mcp.WithString("request", mcp.Required(), mcp.Description("The task to perform, in plain language")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session the request belongs to")),
		mcp.WithString("user_id", mcp.Description("User on whose behalf the request runs")),
	)
}

func confirmTool() mcp.Tool {
	return mcp.NewTool("aide.confirm",
		mcp.WithDescription("Approve or reject a pending confirmation and resume its workflow"),
		mcp.WithString("confirmation_id", mcp.Required(), mcp.Description("ID of the pending confirmation")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve the action, false to reject it")),
		mcp.WithString("responded_by", mcp.Description("Identity of the responder")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("aide.status",
		mcp.WithDescription("Get workflow execution status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("aide.cancel",
		mcp.WithDescription("Cancel an active workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
		mcp.WithString("reason", mcp.Description("Why the workflow is being cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("aide.query",
		mcp.WithDescription("Query active workflows, pending confirmations, or audit events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "confirmations", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (session_id, workflow_id, since, limit)")),
	)
}
