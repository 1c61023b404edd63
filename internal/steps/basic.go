package steps

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// InputExecutor wraps the whole input under node.data["field"] (default "input").
type InputExecutor struct{}

func (InputExecutor) Execute(_ context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	field := node.String("field", "input")
	return schema.StepSucceeded(map[string]any{field: schema.CloneData(input)}), nil
}

// OutputExecutor shapes the final payload. With format "json" (the default) the
// input is wrapped under "result", any other format passes it through.
type OutputExecutor struct{}

func (OutputExecutor) Execute(_ context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	if node.String("format", "json") == "json" {
		return schema.StepSucceeded(map[string]any{"result": schema.CloneData(input)}), nil
	}
	return schema.StepSucceeded(schema.CloneData(input)), nil
}

// DefaultExecutor echoes its input. It serves unregistered step types.
type DefaultExecutor struct{}

func (DefaultExecutor) Execute(_ context.Context, _ *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	return schema.StepSucceeded(schema.CloneData(input)), nil
}
