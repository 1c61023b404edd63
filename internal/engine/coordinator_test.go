package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- helpers ---

// countingStep counts invocations and delegates to fn (echo when nil).
type countingStep struct {
	calls atomic.Int32
	fn    func(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error)
}

func (s *countingStep) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return schema.StepSucceeded(schema.CloneData(input)), nil
	}
	return s.fn(ctx, node, input)
}

func failing(kind string, permanent bool) *countingStep {
	return &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		return schema.StepFailed(kind, "boom", permanent), nil
	}}
}

func newRegistry(t *testing.T, extra map[string]steps.Executor) *steps.Registry {
	t.Helper()
	reg, err := steps.NewBuiltinRegistry(steps.Builtins{})
	require.NoError(t, err)
	for stepType, exec := range extra {
		require.NoError(t, reg.Register(stepType, exec))
	}
	return reg
}

func newTestCoordinator(t *testing.T, extra map[string]steps.Executor, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry = schema.RetryConfig{MaxAttempts: 1}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCoordinator(newRegistry(t, extra), cfg)
}

func typed(stepType string, ids ...string) []schema.WorkflowNode {
	out := nodes(ids...)
	for i := range out {
		out[i].Type = stepType
	}
	return out
}

func run(t *testing.T, c *Coordinator, def *schema.WorkflowDefinition, input map[string]any, opts ...RunOption) *ExecutionResult {
	t.Helper()
	res, err := c.ExecuteWorkflow(context.Background(), def, input, opts...)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// --- concrete scenarios ---

func TestCoordinator_LinearDefaultChain(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	res := run(t, c, definition(nodes("A", "B", "C"), edge("A", "B"), edge("B", "C")), map[string]any{"x": 1})

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"x": 1}, res.Data)
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, res.Levels)
	for _, id := range []string{"A", "B", "C"} {
		require.Contains(t, res.Results, id)
		assert.True(t, res.Results[id].Success)
		assert.Equal(t, schema.StepStatusCompleted, res.Steps[id].Status)
		assert.Equal(t, 1, res.Steps[id].Attempts)
	}
	assert.Nil(t, res.Error)
	assert.NotEmpty(t, res.ExecutionID)
	assert.NotEmpty(t, res.CorrelationID)
	require.NotNil(t, res.CompletedAt)
}

func TestCoordinator_Uppercase(t *testing.T) {
	def := definition([]schema.WorkflowNode{{ID: "A", Type: schema.StepTypeProcess, Data: map[string]any{"operation": "uppercase"}}})
	res := run(t, newTestCoordinator(t, nil, nil), def, map[string]any{"name": "bob"})

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"name": "BOB"}, res.Results["A"].OutputData)
	assert.Equal(t, map[string]any{"name": "BOB"}, res.Data)
}

func TestCoordinator_DataValidationFailure(t *testing.T) {
	def := definition([]schema.WorkflowNode{{
		ID:   "check",
		Type: schema.StepTypeDataValidation,
		Data: map[string]any{"validation_schema": map[string]any{
			"type":       "object",
			"required":   []any{"email"},
			"properties": map[string]any{"email": map[string]any{"type": "string"}},
		}},
	}})
	c := newTestCoordinator(t, nil, func(cfg *Config) { cfg.Retry = schema.DefaultRetryConfig() })
	res := run(t, c, def, map[string]any{})

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.Contains(t, res.Results, "check")
	assert.False(t, res.Results["check"].Success)
	assert.Contains(t, res.Results["check"].ErrorMessage, "email")
	assert.Equal(t, "check", res.FailedStep)
	assert.Equal(t, schema.StepTypeDataValidation, res.FailedStepType)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeNonRetryable, res.Error.Code)
	assert.Contains(t, res.Error.Message, "email")
	assert.Equal(t, 1, res.Steps["check"].Attempts, "validation failures are permanent")
}

func TestCoordinator_FanInLevels(t *testing.T) {
	var (
		mu       sync.Mutex
		finished []string
	)
	record := &countingStep{fn: func(_ context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if node.ID == "C" {
			assert.ElementsMatch(t, []string{"A", "B"}, finished, "C must start after A and B")
		}
		finished = append(finished, node.ID)
		return schema.StepSucceeded(map[string]any{node.ID: true}), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"rec": record}, nil)
	res := run(t, c, definition(typed("rec", "A", "B", "C"), edge("A", "C"), edge("B", "C")), nil)

	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, res.Levels)
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"A": true, "B": true, "C": true}, res.Data)
	assert.Equal(t, 1, res.Steps["C"].Level)
}

func TestCoordinator_RetryBound(t *testing.T) {
	flaky := failing(schema.ErrorKindNetwork, false)
	c := newTestCoordinator(t, map[string]steps.Executor{"flaky": flaky}, func(cfg *Config) {
		cfg.Retry = schema.RetryConfig{MaxAttempts: 3, DelaySeconds: 0.01, BackoffMultiplier: 2.0}
	})

	start := time.Now()
	res := run(t, c, definition(typed("flaky", "A")), nil)
	elapsed := time.Since(start)

	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Error.Code)
	assert.Equal(t, 3, res.Steps["A"].Attempts)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	var retries int
	for _, l := range res.Logs {
		if l.Event == schema.EventStepRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestCoordinator_CycleRunsNothing(t *testing.T) {
	counter := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"count": counter}, nil)
	def := definition(typed("count", "A", "B", "C", "D"), edge("A", "B"), edge("B", "A"), edge("C", "D"))

	res, err := c.ExecuteWorkflow(context.Background(), def, nil)
	assert.Nil(t, res)
	assertError(t, err, schema.ErrCodeCycleDetected)
	assert.Zero(t, counter.calls.Load())
}

// --- properties ---

func TestCoordinator_NonRetryableKindShortCircuits(t *testing.T) {
	step := failing(schema.ErrorKindNetwork, false)
	c := newTestCoordinator(t, map[string]steps.Executor{"net": step}, func(cfg *Config) {
		cfg.Retry = schema.RetryConfig{MaxAttempts: 5, RetryableErrors: []string{schema.ErrorKindTimeout}}
	})
	res := run(t, c, definition(typed("net", "A")), nil)

	assert.Equal(t, int32(1), step.calls.Load())
	assert.Equal(t, schema.ErrCodeNonRetryable, res.Error.Code)
}

func TestCoordinator_TransientThenSuccess(t *testing.T) {
	step := &countingStep{}
	step.fn = func(_ context.Context, _ *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
		if step.calls.Load() < 3 {
			return schema.StepFailed(schema.ErrorKindRateLimit, "slow down", false), nil
		}
		return schema.StepSucceeded(map[string]any{"ok": true}), nil
	}
	c := newTestCoordinator(t, map[string]steps.Executor{"rl": step}, func(cfg *Config) {
		cfg.Retry = schema.RetryConfig{MaxAttempts: 3, DelaySeconds: 0.001, BackoffMultiplier: 1}
	})
	res := run(t, c, definition(typed("rl", "A")), nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Steps["A"].Attempts)
	assert.Equal(t, map[string]any{"ok": true}, res.Data)
}

func TestCoordinator_ParallelismBound(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	slow := &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
		return schema.StepSucceeded(nil), nil
	}}

	ids := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"}
	c := newTestCoordinator(t, map[string]steps.Executor{"slow": slow}, func(cfg *Config) { cfg.MaxParallelSteps = 3 })
	res := run(t, c, definition(typed("slow", ids...)), nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, int32(10), slow.calls.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.LessOrEqual(t, res.PeakParallelism, int64(3))
	assert.Greater(t, maxInFlight.Load(), int32(1), "steps of a level overlap")
}

func TestCoordinator_MergeTieBreakByStepID(t *testing.T) {
	// "a" finishes last, "b" wins anyway because it sorts later.
	writer := &countingStep{fn: func(_ context.Context, node *schema.WorkflowNode, _ map[string]any) (*schema.StepExecutionResult, error) {
		if node.ID == "a" {
			time.Sleep(10 * time.Millisecond)
		}
		return schema.StepSucceeded(map[string]any{
			"k":      node.ID,
			"nested": map[string]any{node.ID: 1},
		}), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"w": writer}, nil)

	for i := 0; i < 5; i++ {
		res := run(t, c, definition(typed("w", "b", "a")), map[string]any{"k": "input"})
		assert.Equal(t, "b", res.Data["k"])
		assert.Equal(t, map[string]any{"b": 1}, res.Data["nested"])
	}
}

func TestCoordinator_MergeReplacesNestedValues(t *testing.T) {
	writer := &countingStep{fn: func(_ context.Context, node *schema.WorkflowNode, _ map[string]any) (*schema.StepExecutionResult, error) {
		if node.ID == "A" {
			return schema.StepSucceeded(map[string]any{"cfg": map[string]any{"mode": "x", "debug": true}}), nil
		}
		return schema.StepSucceeded(map[string]any{"cfg": map[string]any{"mode": "y"}}), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"w": writer}, nil)

	res := run(t, c, definition(typed("w", "A", "B"), edge("A", "B")), nil)
	assert.Equal(t, map[string]any{"mode": "y"}, res.Data["cfg"])

	res = run(t, c, definition(typed("w", "A", "B")), map[string]any{"keep": 1})
	assert.Equal(t, map[string]any{"mode": "y"}, res.Data["cfg"])
	assert.Equal(t, 1, res.Data["keep"])
}

func TestCoordinator_InputIsNotMutated(t *testing.T) {
	input := map[string]any{"x": 1}
	def := definition([]schema.WorkflowNode{{ID: "A", Type: schema.StepTypeProcess, Data: map[string]any{"operation": "uppercase"}}})
	run(t, newTestCoordinator(t, nil, nil), def, map[string]any{"name": "bob"})
	run(t, newTestCoordinator(t, nil, nil), definition(nodes("A")), input)
	assert.Equal(t, map[string]any{"x": 1}, input)
}

func TestCoordinator_UnknownTypeUsesDefault(t *testing.T) {
	def := definition(typed("mystery", "A"))
	res := run(t, newTestCoordinator(t, nil, nil), def, map[string]any{"x": 1})
	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"x": 1}, res.Data)
}

func TestCoordinator_StructuralErrors(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	_, err := c.ExecuteWorkflow(context.Background(), definition(nodes("A"), edge("A", "ghost")), nil)
	assertError(t, err, schema.ErrCodeDefinition)

	_, err = c.ExecuteWorkflow(context.Background(), nil, nil)
	assertError(t, err, schema.ErrCodeDefinition)
}

func TestCoordinator_FailureStopsLaterLevels(t *testing.T) {
	bad := failing(schema.ErrorKindValidation, true)
	after := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"bad": bad, "after": after}, nil)

	ns := append(typed("bad", "A"), typed("after", "B")...)
	res := run(t, c, definition(ns, edge("A", "B")), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Zero(t, after.calls.Load())
	assert.Equal(t, schema.StepStatusCancelled, res.Steps["B"].Status)
	assert.Equal(t, "A", res.FailedStep)
}

func TestCoordinator_SameLevelSiblingsFinish(t *testing.T) {
	bad := failing(schema.ErrorKindValidation, true)
	slow := &countingStep{fn: func(_ context.Context, _ *schema.WorkflowNode, _ map[string]any) (*schema.StepExecutionResult, error) {
		time.Sleep(20 * time.Millisecond)
		return schema.StepSucceeded(map[string]any{"slow": "done"}), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"bad": bad, "slow": slow}, nil)

	ns := append(typed("bad", "A"), typed("slow", "B")...)
	res := run(t, c, definition(ns), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps["B"].Status)
	assert.Equal(t, "done", res.Data["slow"])
}

// --- cancellation and status ---

func TestCoordinator_Cancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocker := &countingStep{fn: func(ctx context.Context, _ *schema.WorkflowNode, _ map[string]any) (*schema.StepExecutionResult, error) {
		close(started)
		<-release
		assert.NoError(t, ctx.Err(), "dispatched steps are not interrupted")
		return schema.StepSucceeded(map[string]any{"a": "done"}), nil
	}}
	next := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"block": blocker, "next": next}, nil)
	ns := append(typed("block", "A"), typed("next", "B")...)

	done := make(chan *ExecutionResult)
	go func() {
		res, err := c.ExecuteWorkflow(context.Background(), definition(ns, edge("A", "B")), nil, WithExecutionID("exec-1"))
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	snap, err := c.Status("exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, snap.Status)
	assert.Equal(t, schema.StepStatusRunning, snap.Steps["A"].Status)
	assert.Equal(t, []string{"exec-1"}, c.Running())

	require.NoError(t, c.Cancel("exec-1", "operator stop"))
	close(release)

	res := <-done
	assert.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps["A"].Status)
	assert.Equal(t, schema.StepStatusCancelled, res.Steps["B"].Status)
	assert.Zero(t, next.calls.Load())
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Contains(t, res.Error.Message, "operator stop")
	assert.Equal(t, "done", res.Data["a"])

	_, err = c.Status("exec-1")
	assertError(t, err, schema.ErrCodeNotFound)
}

func TestCoordinator_CancelSingleLevel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocker := &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		close(started)
		<-release
		return schema.StepSucceeded(map[string]any{"a": "done"}), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"block": blocker}, nil)

	done := make(chan *ExecutionResult)
	go func() {
		res, err := c.ExecuteWorkflow(context.Background(), definition(typed("block", "A")), nil, WithExecutionID("exec-last"))
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, c.Cancel("exec-last", "stop now"))
	close(release)

	res := <-done
	assert.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps["A"].Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Contains(t, res.Error.Message, "stop now")

	assertError(t, c.Cancel("exec-last", ""), schema.ErrCodeNotFound)
}

func TestCoordinator_CancelUnknown(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	assertError(t, c.Cancel("nope", ""), schema.ErrCodeNotFound)
}

func TestCoordinator_CancelledContextStartsNothing(t *testing.T) {
	counter := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"count": counter}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.ExecuteWorkflow(ctx, definition(typed("count", "A")), nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCancelled, res.Status)
	assert.Zero(t, counter.calls.Load())
}

func TestCoordinator_DuplicateExecutionID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocker := &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		close(started)
		<-release
		return schema.StepSucceeded(nil), nil
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"block": blocker}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.ExecuteWorkflow(context.Background(), definition(typed("block", "A")), nil, WithExecutionID("same"))
	}()
	<-started

	_, err := c.ExecuteWorkflow(context.Background(), definition(nodes("A")), nil, WithExecutionID("same"))
	assertError(t, err, schema.ErrCodeConflict)

	close(release)
	<-done
}

// --- system errors, guards, timeouts, breakers ---

func TestCoordinator_SystemErrorIsNotRetried(t *testing.T) {
	broken := &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		return nil, errors.New("db connection refused")
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"broken": broken}, func(cfg *Config) {
		cfg.Retry = schema.RetryConfig{MaxAttempts: 3, DelaySeconds: 0}
	})
	res := run(t, c, definition(typed("broken", "A")), nil)

	assert.Equal(t, int32(1), broken.calls.Load())
	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeSystem, res.Error.Code)
	assert.NotContains(t, res.Error.Message, "db connection refused")
	assert.ErrorContains(t, res.Error.Cause, "db connection refused")
	assert.Equal(t, "db connection refused", res.Steps["A"].Error)
	assert.False(t, res.Results["A"].Success)
	assert.NotEmpty(t, res.Results["A"].ErrorMessage)
}

func TestCoordinator_PanicBecomesSystemError(t *testing.T) {
	boom := &countingStep{fn: func(context.Context, *schema.WorkflowNode, map[string]any) (*schema.StepExecutionResult, error) {
		panic("nil map write")
	}}
	res := run(t, newTestCoordinator(t, map[string]steps.Executor{"boom": boom}, nil), definition(typed("boom", "A")), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeSystem, res.Error.Code)
	assert.ErrorContains(t, res.Error.Cause, "nil map write")
}

func TestCoordinator_GuardSkipsStep(t *testing.T) {
	guarded := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"g": guarded}, nil)
	ns := []schema.WorkflowNode{
		{ID: "A", Type: schema.StepTypeDefault},
		{ID: "B", Type: "g", Data: map[string]any{"condition": "data.x > 5"}},
		{ID: "C", Type: schema.StepTypeDefault},
	}
	res := run(t, c, definition(ns, edge("A", "B"), edge("B", "C")), map[string]any{"x": 1})

	assert.Equal(t, schema.ExecutionStatusCompleted, res.Status)
	assert.Zero(t, guarded.calls.Load())
	assert.Equal(t, schema.StepStatusSkipped, res.Steps["B"].Status)
	assert.NotContains(t, res.Results, "B")
	assert.Equal(t, schema.StepStatusCompleted, res.Steps["C"].Status)

	res = run(t, c, definition(ns, edge("A", "B"), edge("B", "C")), map[string]any{"x": 9})
	assert.Equal(t, int32(1), guarded.calls.Load())
	assert.Equal(t, schema.StepStatusCompleted, res.Steps["B"].Status)
}

func TestCoordinator_BrokenGuardFails(t *testing.T) {
	ns := []schema.WorkflowNode{{ID: "A", Type: schema.StepTypeDefault, Data: map[string]any{"condition": "data.x +"}}}
	res := run(t, newTestCoordinator(t, nil, nil), definition(ns), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeNonRetryable, res.Error.Code)
	assert.Equal(t, schema.ErrorKindExpression, res.Steps["A"].ErrorKind)
}

func TestCoordinator_StepTimeout(t *testing.T) {
	hang := &countingStep{fn: func(ctx context.Context, _ *schema.WorkflowNode, _ map[string]any) (*schema.StepExecutionResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return schema.StepSucceeded(nil), nil
		}
	}}
	c := newTestCoordinator(t, map[string]steps.Executor{"hang": hang}, func(cfg *Config) {
		cfg.Retry = schema.RetryConfig{MaxAttempts: 2, RetryableErrors: []string{schema.ErrorKindTimeout}}
	})
	ns := []schema.WorkflowNode{{ID: "A", Type: "hang", Data: map[string]any{"timeout": "20ms"}}}
	res := run(t, c, definition(ns), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	assert.Equal(t, int32(2), hang.calls.Load(), "timeouts go through the retry policy")
	assert.Equal(t, schema.ErrorKindTimeout, res.Results["A"].ErrorKind)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Error.Code)
}

func TestCoordinator_InvalidTimeout(t *testing.T) {
	ns := []schema.WorkflowNode{{ID: "A", Type: schema.StepTypeDefault, Data: map[string]any{"timeout": "soon"}}}
	res := run(t, newTestCoordinator(t, nil, nil), definition(ns), nil)
	assert.Equal(t, schema.ErrorKindConfig, res.Results["A"].ErrorKind)
}

func TestStepTimeout(t *testing.T) {
	cases := map[any]time.Duration{
		"1.5s":      1500 * time.Millisecond,
		float64(2): 2 * time.Second,
		3:          3 * time.Second,
	}
	for raw, want := range cases {
		got, err := stepTimeout(&schema.WorkflowNode{Data: map[string]any{"timeout": raw}})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := stepTimeout(&schema.WorkflowNode{})
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = stepTimeout(&schema.WorkflowNode{Data: map[string]any{"timeout": "-1s"}})
	assert.Error(t, err)
}

func TestCoordinator_CircuitBreakerOpens(t *testing.T) {
	down := failing(schema.ErrorKindServer, false)
	c := newTestCoordinator(t, map[string]steps.Executor{"down": down}, func(cfg *Config) {
		cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, HalfOpenMax: 1}
	})
	def := definition(typed("down", "A"))

	first := run(t, c, def, nil)
	assert.Equal(t, schema.ErrorKindServer, first.Results["A"].ErrorKind)

	second := run(t, c, def, nil)
	assert.Equal(t, schema.ErrorKindCircuitOpen, second.Results["A"].ErrorKind)
	assert.Equal(t, int32(1), down.calls.Load(), "open circuit does not invoke the executor")
}

// --- observability ---

// panickingPublisher panics when it sees the event type on.
type panickingPublisher struct{ on string }

func (p panickingPublisher) Publish(_ context.Context, event streaming.StreamEvent) error {
	if event.EventType == p.on {
		panic("publisher exploded")
	}
	return nil
}

func TestCoordinator_PublisherPanicFailsStep(t *testing.T) {
	next := &countingStep{}
	c := newTestCoordinator(t, map[string]steps.Executor{"next": next}, func(cfg *Config) {
		cfg.Events = panickingPublisher{on: schema.EventStepStarted}
	})
	ns := append(nodes("A"), typed("next", "B")...)
	res := run(t, c, definition(ns, edge("A", "B")), nil)

	assert.Equal(t, schema.ExecutionStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeSystem, res.Error.Code)
	assert.ErrorContains(t, res.Error.Cause, "publisher exploded")
	assert.Equal(t, "A", res.FailedStep)
	assert.Equal(t, schema.StepStatusFailed, res.Steps["A"].Status)
	assert.Equal(t, schema.ErrorKindSystem, res.Steps["A"].ErrorKind)
	assert.False(t, res.Results["A"].Success)
	assert.Equal(t, schema.StepStatusCancelled, res.Steps["B"].Status)
	assert.Zero(t, next.calls.Load())
}

func TestCoordinator_EmitsEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, unsubscribe, err := hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: "exec-ev"})
	require.NoError(t, err)
	defer unsubscribe()

	c := newTestCoordinator(t, nil, func(cfg *Config) { cfg.Events = hub })
	run(t, c, definition(nodes("A", "B"), edge("A", "B")), nil, WithExecutionID("exec-ev"))

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).EventType)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventExecutionStarted, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)
	assert.Contains(t, types, schema.EventLevelCompleted)
}

func TestCoordinator_StructuredLogs(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCoordinator(t, nil, func(cfg *Config) { cfg.Logger = logging.New(&buf, "debug", "json") })
	run(t, c, definition(nodes("A")), nil, WithCorrelationID("corr-1"), WithExecutionID("exec-log"))

	out := buf.String()
	for _, event := range []string{
		schema.EventExecutionStarted, schema.EventStepStarted,
		schema.EventStepCompleted, schema.EventExecutionCompleted,
	} {
		assert.Contains(t, out, `"msg":"`+event+`"`)
	}
	assert.Contains(t, out, `"correlation_id":"corr-1"`)
	assert.Contains(t, out, `"execution_id":"exec-log"`)
	assert.Contains(t, out, `"workflow_id":"wf"`)
	assert.Contains(t, out, `"step_id":"A"`)
	assert.Contains(t, out, `"duration_ms"`)
}

func TestCoordinator_CorrelationIDFromContext(t *testing.T) {
	ctx := logging.WithCorrelationID(context.Background(), "from-ctx")
	res, err := newTestCoordinator(t, nil, nil).ExecuteWorkflow(ctx, definition(nodes("A")), nil)
	require.NoError(t, err)
	assert.Equal(t, "from-ctx", res.CorrelationID)
}

// recordingMetrics counts MetricsRecorder calls.
type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[schema.ExecutionStatus]int
	steps    map[bool]int
	retries  int
	widths   []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: map[schema.ExecutionStatus]int{}, steps: map[bool]int{}}
}

func (m *recordingMetrics) RecordExecutionStarted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordExecutionFinished(_ string, status schema.ExecutionStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *recordingMetrics) RecordStepStarted(string, string) {}

func (m *recordingMetrics) RecordStepFinished(_ string, _ string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[success]++
}

func (m *recordingMetrics) RecordStepRetry(string, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) RecordLevelWidth(_ string, width int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.widths = append(m.widths, width)
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	m := newRecordingMetrics()
	flaky := failing(schema.ErrorKindTimeout, false)
	c := newTestCoordinator(t, map[string]steps.Executor{"flaky": flaky}, func(cfg *Config) {
		cfg.Metrics = m
		cfg.Retry = schema.RetryConfig{MaxAttempts: 2}
	})

	run(t, c, definition(nodes("A", "B", "C"), edge("A", "C"), edge("B", "C")), nil)
	run(t, c, definition(typed("flaky", "X")), nil)

	assert.Equal(t, 2, m.started)
	assert.Equal(t, 1, m.finished[schema.ExecutionStatusCompleted])
	assert.Equal(t, 1, m.finished[schema.ExecutionStatusFailed])
	assert.Equal(t, 3, m.steps[true])
	assert.Equal(t, 2, m.steps[false])
	assert.Equal(t, 1, m.retries)
	assert.Equal(t, []int{2, 1, 1}, m.widths)
}

func TestNewCoordinator_RetryDefaults(t *testing.T) {
	c := NewCoordinator(newRegistry(t, nil), Config{})
	assert.Equal(t, schema.DefaultRetryConfig(), c.policy.Config())

	c = NewCoordinator(newRegistry(t, nil), Config{Retry: schema.RetryConfig{
		DelaySeconds:    0.5,
		RetryableErrors: []string{schema.ErrorKindTimeout},
	}})
	got := c.policy.Config()
	assert.Equal(t, schema.DefaultRetryConfig().MaxAttempts, got.MaxAttempts)
	assert.Equal(t, 0.5, got.DelaySeconds)
	assert.Equal(t, 1.0, got.BackoffMultiplier)
	assert.Equal(t, []string{schema.ErrorKindTimeout}, got.RetryableErrors)
}
