// Package mcp exposes the workflow engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine is the slice of the coordinator the tools drive. *engine.Coordinator satisfies it.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, opts ...engine.RunOption) (*engine.ExecutionResult, error)
	Cancel(executionID, reason string) error
	Status(executionID string) (*engine.ExecutionSnapshot, error)
}

// EventSource streams execution events. *streaming.MemoryHub satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine  Engine
	Store   store.Store // optional; finished executions are recorded when set
	Events  EventSource // optional; forwards execution events to the calling session
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	engine    Engine
	store     store.Store
	events    EventSource
	sessions  *SessionRegistry
	notifier  Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		events:   deps.Events,
		sessions: NewSessionRegistry(),
		logger:   logger.With("component", "mcp"),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("stepflow executes workflow definitions (nodes + dependency edges) level by level. "+
			"Use stepflow.plan to inspect the execution levels of a definition, stepflow.run to execute it, "+
			"stepflow.status and stepflow.cancel for a running execution, and stepflow.executions to list past runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: executionsTool(), Handler: s.handleExecutions},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a workflow definition and return its result"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: {id, name, nodes: [{id, type, data}], edges: [{id, source, target}]}")),
		mcp.WithObject("input", mcp.Description("Initial data context")),
		mcp.WithString("execution_id", mcp.Description("Execution ID to use (default: generated)")),
		mcp.WithString("correlation_id", mcp.Description("Correlation ID carried by logs and events")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the status of a running or recorded execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("stepflow.plan",
		mcp.WithDescription("Show the execution levels of a workflow. Returns JSON levels, ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithObject("definition", mcp.Description("Workflow definition to plan")),
		mcp.WithString("execution_id", mcp.Description("Recorded execution to plan, with its step statuses")),
		mcp.WithString("format",
			mcp.Enum("levels", "ascii", "mermaid", "image"),
			mcp.Description("Output format (default: levels)"),
		),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("stepflow.executions",
		mcp.WithDescription("List recorded executions, most recent first"),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("status",
			mcp.Enum("completed", "failed", "cancelled"),
			mcp.Description("Only executions with this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default: 20)")),
	)
}
