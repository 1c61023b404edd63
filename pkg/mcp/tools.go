package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

const defaultListLimit = 20

// handleRun executes a workflow definition and records the result.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := definitionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	execID := req.GetString("execution_id", "")
	if execID == "" {
		execID = uuid.NewString()
	}
	opts := []engine.RunOption{engine.WithExecutionID(execID)}
	if corr := req.GetString("correlation_id", ""); corr != "" {
		opts = append(opts, engine.WithCorrelationID(corr))
	}

	stop := s.forwardEvents(ctx, execID)
	result, runErr := s.engine.ExecuteWorkflow(ctx, def, input, opts...)
	stop()
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	if s.store != nil {
		if recErr := store.Record(context.WithoutCancel(ctx), s.store, def, input, result); recErr != nil {
			s.logger.WarnContext(ctx, "failed to record execution",
				"execution_id", result.ExecutionID, "error", recErr.Error())
		}
	}
	return marshalResult(result)
}

// handleStatus returns the live snapshot of a running execution, or the
// recorded execution once it has finished.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, statusErr := s.engine.Status(execID)
	if statusErr == nil {
		return marshalResult(snap)
	}
	if s.store == nil || schema.CodeOf(statusErr) != schema.ErrCodeNotFound {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	exec, getErr := s.store.GetExecution(ctx, execID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return marshalResult(exec)
}

// handleCancel cancels a running execution.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via MCP")

	if cancelErr := s.engine.Cancel(execID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": execID,
		"reason":       reason,
	})
}

// planResult is the "levels" rendering of a plan.
type planResult struct {
	WorkflowID string                       `json:"workflow_id"`
	Levels     [][]string                   `json:"levels"`
	Depth      int                          `json:"depth"`
	Steps      map[string]*engine.StepState `json:"steps,omitempty"`
}

// handlePlan renders the level plan of a definition or of a recorded execution.
func (s *Server) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "levels")
	execID := req.GetString("execution_id", "")

	var (
		def    *schema.WorkflowDefinition
		states map[string]*engine.StepState
	)
	switch {
	case execID != "":
		if s.store == nil {
			return mcp.NewToolResultError("execution history is not available"), nil
		}
		exec, err := s.store.GetExecution(ctx, execID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		if exec.Definition == nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s has no recorded definition", execID)), nil
		}
		def, states = exec.Definition, exec.Steps
	default:
		var err error
		if def, err = definitionArg(req); err != nil {
			return mcp.NewToolResultError("one of definition or execution_id is required: " + err.Error()), nil
		}
	}

	model, err := diagram.Build(def, states)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}

	switch format {
	case "levels":
		return marshalResult(planResult{WorkflowID: def.ID, Levels: model.Levels, Depth: len(model.Levels), Steps: states})
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("format must be levels, ascii, mermaid, or image"), nil
	}
}

// executionSummary is one row of stepflow.executions.
type executionSummary struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	Status       schema.ExecutionStatus `json:"status"`
	FailedStep   string                 `json:"failed_step,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	StartedAt    time.Time              `json:"started_at"`
}

// handleExecutions lists recorded executions.
func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("execution history is not available"), nil
	}
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", defaultListLimit),
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}

	execs, err := s.store.ListExecutions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", err)), nil
	}
	out := make([]executionSummary, 0, len(execs))
	for _, e := range execs {
		sum := executionSummary{
			ID:           e.ID,
			WorkflowID:   e.WorkflowID,
			WorkflowName: e.WorkflowName,
			Status:       e.Status,
			FailedStep:   e.FailedStep,
			DurationMs:   e.DurationMs,
			StartedAt:    e.StartedAt,
		}
		if e.Error != nil {
			sum.Error = e.Error.Message
		}
		out = append(out, sum)
	}
	return marshalResult(map[string]any{"executions": out, "count": len(out)})
}

// forwardEvents pushes the execution's events to the calling MCP session until
// the returned stop function is called. Without a session or event source it
// does nothing.
func (s *Server) forwardEvents(ctx context.Context, execID string) (stop func()) {
	session := server.ClientSessionFromContext(ctx)
	if s.events == nil || session == nil {
		return func() {}
	}
	ch, unsubscribe, err := s.events.Subscribe(ctx, streaming.EventFilter{ExecutionID: execID})
	if err != nil {
		s.logger.WarnContext(ctx, "event subscription failed", "execution_id", execID, "error", err.Error())
		return func() {}
	}
	s.sessions.Register(execID, session.SessionID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			payload := map[string]any{
				"execution_id": ev.ExecutionID,
				"event":        ev.EventType,
				"step_id":      ev.StepID,
				"timestamp":    ev.Timestamp,
			}
			if ev.Payload != nil {
				payload["payload"] = ev.Payload
			}
			if err := s.notifier.Notify(context.WithoutCancel(ctx), execID, payload); err != nil {
				s.logger.DebugContext(ctx, "event notification failed", "execution_id", execID, "error", err.Error())
			}
		}
	}()

	return func() {
		unsubscribe()
		<-done
		s.sessions.Forget(execID)
	}
}

// definitionArg decodes and validates the "definition" argument.
func definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	raw, ok := req.GetArguments()["definition"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("definition: %w", err)
	}
	def, err := validation.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return def, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
