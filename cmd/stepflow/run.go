package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// errExecutionFailed makes the process exit non-zero after the result was printed.
var errExecutionFailed = errors.New("execution did not complete")

// cmdRun executes a workflow document and prints the result as JSON.
func cmdRun(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	inputJSON := fs.String("input", "", "initial data context as a JSON object")
	inputFile := fs.String("input-file", "", "file holding the initial data context")
	execID := fs.String("execution-id", "", "execution ID (default: generated)")
	correlationID := fs.String("correlation-id", "", "correlation ID carried by logs and events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: stepflow run [flags] <workflow.json>")
	}

	input, err := readInput(*inputJSON, *inputFile)
	if err != nil {
		return err
	}
	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	id := *execID
	if id == "" {
		id = uuid.NewString()
	}
	opts := []engine.RunOption{engine.WithExecutionID(id)}
	if *correlationID != "" {
		opts = append(opts, engine.WithCorrelationID(*correlationID))
	}

	result, err := a.execute(ctx, def, input, opts...)
	if err != nil {
		return err
	}
	if err := writeJSON(stdout, result); err != nil {
		return err
	}
	if result.Status != schema.ExecutionStatusCompleted {
		return errExecutionFailed
	}
	return nil
}

// cmdPlan renders the level plan of a workflow document or recorded execution.
func cmdPlan(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	format := fs.String("format", "ascii", "output format: levels, ascii, mermaid, png, svg, dot")
	execID := fs.String("execution", "", "plan a recorded execution, with its step statuses")
	output := fs.String("o", "", "write to file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		def    *schema.WorkflowDefinition
		states map[string]*engine.StepState
	)
	switch {
	case *execID != "":
		exec, err := a.store.GetExecution(ctx, *execID)
		if err != nil {
			return err
		}
		if exec.Definition == nil {
			return fmt.Errorf("execution %s has no recorded definition", *execID)
		}
		def, states = exec.Definition, exec.Steps
	case fs.NArg() == 1:
		var err error
		if def, err = loadDefinition(fs.Arg(0)); err != nil {
			return err
		}
	default:
		return errors.New("usage: stepflow plan [flags] <workflow.json> | -execution <id>")
	}

	model, err := diagram.Build(def, states)
	if err != nil {
		return err
	}

	var out []byte
	switch *format {
	case "levels":
		if out, err = json.MarshalIndent(map[string]any{"workflow_id": def.ID, "levels": model.Levels}, "", "  "); err != nil {
			return err
		}
		out = append(out, '\n')
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case "png", "svg", "dot":
		if out, err = diagram.Render(ctx, model, diagram.Format(*format)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	if *output != "" {
		return os.WriteFile(*output, out, 0o644)
	}
	_, err = stdout.Write(out)
	return err
}

// cmdExecutions lists recorded executions.
func cmdExecutions(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("executions", flag.ContinueOnError)
	workflowID := fs.String("workflow", "", "only executions of this workflow")
	status := fs.String("status", "", "only executions with this status")
	limit := fs.Int("limit", 20, "maximum number of executions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := storeFilter(*workflowID, *status, *limit)
	execs, err := a.store.ListExecutions(ctx, filter)
	if err != nil {
		return err
	}
	for _, e := range execs {
		line := fmt.Sprintf("%s  %-9s  %-20s  %6dms  %s", e.ID, e.Status, e.WorkflowID, e.DurationMs, e.StartedAt.Format("2006-01-02 15:04:05"))
		if e.FailedStep != "" {
			line += "  failed at " + e.FailedStep
		}
		if _, err := fmt.Fprintln(stdout, line); err != nil {
			return err
		}
	}
	return nil
}

func readInput(inline, path string) (map[string]any, error) {
	raw := []byte(inline)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input must be a JSON object").WithCause(err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func storeFilter(workflowID, status string, limit int) store.ExecutionFilter {
	filter := store.ExecutionFilter{WorkflowID: workflowID, Limit: limit}
	if status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}
	return filter
}
