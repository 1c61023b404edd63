package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rendis/stepflow/pkg/schema"
)

// CELEngine evaluates Common Expression Language expressions. It backs step
// guards and the "cel" process operation.
//
// The environment exposes two variables:
//   - data: map(string, dyn), the input handed to the step
//   - node: map(string, dyn), the step's own configuration
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// NewCELEngine creates a new CEL expression engine.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("data", mapType),
		cel.Variable("node", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate runs expression with the "data" and "node" keys of vars bound to
// the CEL variables of the same name. Missing keys bind to empty maps.
// Results are converted to plain JSON-compatible Go values.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, 2)
	for _, key := range []string{"data", "node"} {
		if v, ok := vars[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, exprError(schema.ErrCodeStepFailed, "CEL", "evaluation", expression, err)
	}

	if native, convErr := out.ConvertToNative(structValueType); convErr == nil {
		if v, ok := native.(*structpb.Value); ok {
			return v.AsInterface(), nil
		}
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard expression and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL expression %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, exprError(schema.ErrCodeValidation, "CEL", "compile", expression, issues.Err())
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "CEL", "program", expression, err)
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
