package steps

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Process operations.
const (
	OpPassthrough = "passthrough"
	OpUppercase   = "uppercase"
	OpJQ          = "jq"
	OpExpr        = "expr"
	OpCEL         = "cel"
)

// ProcessExecutor transforms its input according to node.data["operation"].
//
//   - passthrough: echo the input
//   - uppercase: uppercase top-level string values, leave the rest untouched
//   - jq, expr, cel: evaluate node.data["expression"] against the input
//
// Unknown operations behave like passthrough. Expression results that are
// objects become the output as is, other values land under node.data["target"]
// (default "result"). An explicit target always wraps.
type ProcessExecutor struct {
	engines *expressions.Set
}

// NewProcessExecutor creates a ProcessExecutor. engines may be nil, in which
// case expression operations fail with a configuration error.
func NewProcessExecutor(engines *expressions.Set) *ProcessExecutor {
	return &ProcessExecutor{engines: engines}
}

func (p *ProcessExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	op := node.String("operation", OpPassthrough)
	switch op {
	case OpUppercase:
		out := schema.CloneData(input)
		for k, v := range out {
			if s, ok := v.(string); ok {
				out[k] = strings.ToUpper(s)
			}
		}
		return schema.StepSucceeded(out), nil

	case OpJQ, OpExpr, OpCEL:
		return p.evaluate(ctx, op, node, input)

	default:
		return schema.StepSucceeded(schema.CloneData(input)), nil
	}
}

func (p *ProcessExecutor) evaluate(ctx context.Context, op string, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	expression := node.String("expression", "")
	if expression == "" {
		return configError("process operation %q requires an expression", op), nil
	}
	if p.engines == nil {
		return configError("process operation %q is not available", op), nil
	}
	engine, err := p.engines.Get(op)
	if err != nil {
		return configError("%s", err.Error()), nil
	}

	data := schema.CloneData(input)
	if op == OpCEL {
		data = map[string]any{"data": data, "node": schema.CloneData(node.Data)}
	}

	result, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Expressions are deterministic: a failure repeats on every attempt.
		return schema.StepFailed(schema.ErrorKindExpression, err.Error(), true), nil
	}

	target := node.String("target", "")
	if m, ok := result.(map[string]any); ok && target == "" {
		return schema.StepSucceeded(m), nil
	}
	if target == "" {
		target = "result"
	}
	return schema.StepSucceeded(map[string]any{target: result}), nil
}
