package steps

import (
	"context"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// DataValidationExecutor validates its input against node.data["validation_schema"]
// (Draft 7). Every violation is reported, not only the first. A missing or empty
// schema accepts any input.
type DataValidationExecutor struct {
	compiler *validation.Compiler
}

// NewDataValidationExecutor creates a DataValidationExecutor. A nil compiler
// gets a private one.
func NewDataValidationExecutor(compiler *validation.Compiler) *DataValidationExecutor {
	if compiler == nil {
		compiler = validation.NewCompiler()
	}
	return &DataValidationExecutor{compiler: compiler}
}

func (d *DataValidationExecutor) Execute(_ context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	if input == nil {
		input = map[string]any{}
	}

	doc := node.Data["validation_schema"]
	if m, ok := doc.(map[string]any); doc == nil || (ok && len(m) == 0) {
		return validated(input), nil
	}

	s, err := d.compiler.Compile(doc)
	if err != nil {
		return configError("invalid validation_schema: %s", err.Error()), nil
	}

	if violations := s.IterErrors(input); len(violations) > 0 {
		return schema.StepFailed(schema.ErrorKindValidation,
			"validation failed: "+validation.JoinViolations(violations), true), nil
	}
	return validated(input), nil
}

func validated(input map[string]any) *schema.StepExecutionResult {
	return schema.StepSucceeded(map[string]any{
		"validation_result": "success",
		"validated_data":    schema.CloneData(input),
	})
}
