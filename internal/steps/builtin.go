package steps

import (
	"net/http"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Builtins carries the collaborators of the built-in executors. Nil fields
// degrade gracefully: AI steps fail with a configuration error, expression
// operations are unavailable, validation uses a private schema cache.
type Builtins struct {
	AI          AIProcessor
	Expressions *expressions.Set
	Schemas     *validation.Compiler
	HTTPClient  *http.Client
}

// RegisterBuiltins registers the built-in step types in reg.
func RegisterBuiltins(reg *Registry, deps Builtins) error {
	all := map[string]Executor{
		schema.StepTypeInput:          InputExecutor{},
		schema.StepTypeProcess:        NewProcessExecutor(deps.Expressions),
		schema.StepTypeOutput:         OutputExecutor{},
		schema.StepTypeAI:             NewAIExecutor(deps.AI),
		schema.StepTypeDataValidation: NewDataValidationExecutor(deps.Schemas),
		schema.StepTypeDefault:        DefaultExecutor{},
		schema.StepTypeHTTP:           NewHTTPExecutor(deps.HTTPClient),
	}
	for stepType, exec := range all {
		if err := reg.Register(stepType, exec); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a Registry holding the built-in executors.
func NewBuiltinRegistry(deps Builtins) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
