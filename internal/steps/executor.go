package steps

import (
	"context"
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// Executor performs the work of one workflow node type.
//
// Execute must not mutate node or input. Anticipated failures (bad configuration,
// validation failures, collaborator errors) are reported as a failed
// StepExecutionResult. A non-nil error is reserved for defects and for context
// cancellation; the coordinator treats it as a system failure.
type Executor interface {
	Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	return f(ctx, node, input)
}

// configError is a permanent failure caused by the node's own configuration.
func configError(format string, args ...any) *schema.StepExecutionResult {
	return schema.StepFailed(schema.ErrorKindConfig, fmt.Sprintf(format, args...), true)
}
