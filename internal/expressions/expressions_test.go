package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSet(t *testing.T) *Set {
	t.Helper()
	s, err := NewSet()
	require.NoError(t, err)
	return s
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, schema.CodeOf(err), "error: %v", err)
}

// --- Set ---

func TestSet_Get(t *testing.T) {
	s := newSet(t)
	for _, name := range []string{"expr", "cel", "jq"} {
		e, err := s.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, e.Name())
	}
	_, err := s.Get("lua")
	assertCode(t, err, schema.ErrCodeNotFound)
}

// --- expr ---

func TestExpr_Arithmetic(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), "price * qty", map[string]any{"price": 2.5, "qty": 4})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out)
}

func TestExpr_CachedProgramServesDifferentShapes(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "name ?? 'anon'", map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", out)

	out, err = e.Evaluate(context.Background(), "name ?? 'anon'", map[string]any{"other": 1})
	require.NoError(t, err)
	assert.Equal(t, "anon", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	assertCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

// --- CEL ---

func TestCEL_Guard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `data.score > 0.5 && node.mode == "strict"`, map[string]any{
		"data": map[string]any{"score": 0.9},
		"node": map[string]any{"mode": "strict"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesBindEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `!("flag" in data)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NativeResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `{"greeting": "hi " + data.name}`, map[string]any{
		"data": map[string]any{"name": "ann"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi ann"}, out)
}

func TestCEL_NonBoolGuard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `"yes"`, nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "data.", nil)
	assertCode(t, err, schema.ErrCodeValidation)
}

// --- jq ---

func TestJQ_Transform(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `{names: [.users[].name]}`, map[string]any{
		"users": []map[string]any{{"name": "a"}, {"name": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"names": []any{"a", "b"}}, out)
}

func TestJQ_MultipleAndEmptyOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.xs[]`, map[string]any{"xs": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	out, err = e.Evaluate(context.Background(), `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQ_EnvIsSandboxed(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.[`, nil)
	assertCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), `error("nope")`, nil)
	assertCode(t, err, schema.ErrCodeStepFailed)
}

func TestEngines_ConcurrentEvaluation(t *testing.T) {
	s := newSet(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := map[string]any{"n": i}
			_, err := s.Expr.Evaluate(context.Background(), "n + 1", data)
			assert.NoError(t, err)
			_, err = s.JQ.Evaluate(context.Background(), ".n + 1", data)
			assert.NoError(t, err)
			_, err = s.CEL.Evaluate(context.Background(), "data.n", map[string]any{"data": data})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
