package expressions

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates an expression against a step's input data.
// Three implementations: CEL (guards), GoJQ (transforms), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles one instance of every engine so compiled programs are shared
// across executions.
type Set struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *GoJQEngine
}

// NewSet creates all engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{Expr: NewExprEngine(), CEL: celEngine, JQ: NewGoJQEngine()}, nil
}

// Get returns the engine registered under name ("expr", "cel" or "jq").
func (s *Set) Get(name string) (Engine, error) {
	switch name {
	case "expr":
		return s.Expr, nil
	case "cel":
		return s.CEL, nil
	case "jq":
		return s.JQ, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown expression engine %q", name)
}

// normalizeJSON converts arbitrary Go values into the JSON value space
// (map[string]any, []any, float64, string, bool, nil) expected by jq.
func normalizeJSON(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "data is not JSON-serializable: %s", err.Error()).WithCause(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "data is not JSON-serializable: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func exprError(code, engine, phase, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(code, "%s %s error in %q: %s", engine, phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
