package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	assert.Equal(t, "[STEP_FAILED] step fetch: boom", NewError(ErrCodeStepFailed, "boom").WithStep("fetch").Error())
	assert.Equal(t, "[CYCLE_DETECTED] a -> b -> a", NewErrorf(ErrCodeCycleDetected, "%s -> %s -> %s", "a", "b", "a").Error())
}

func TestFlowError_UnwrapAndCodeOf(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("saving: %w", NewError(ErrCodeStore, "insert failed").WithCause(cause))

	assert.Equal(t, ErrCodeStore, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "", CodeOf(cause))
}

func TestFlowError_IsRetryable(t *testing.T) {
	assert.False(t, NewError(ErrCodeCycleDetected, "").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "").IsRetryable())
	assert.True(t, NewError(ErrCodeStepFailed, "").IsRetryable())
}

func TestStepFailed_AlwaysHasMessage(t *testing.T) {
	r := StepFailed("", "", true)
	assert.False(t, r.Success)
	assert.NotEmpty(t, r.ErrorMessage)
	assert.Equal(t, ErrorKindStep, r.Kind())

	var se *StepError
	assert.True(t, errors.As(r.Err(), &se))
	assert.True(t, se.Permanent)
	assert.Nil(t, StepSucceeded(nil).Err())
}

func TestRetryConfig_Normalize(t *testing.T) {
	c := RetryConfig{MaxAttempts: 0, DelaySeconds: -1, BackoffMultiplier: 0.5}.Normalize()
	assert.Equal(t, 1, c.MaxAttempts)
	assert.Equal(t, 0.0, c.DelaySeconds)
	assert.Equal(t, 1.0, c.BackoffMultiplier)

	d := DefaultRetryConfig()
	assert.Equal(t, RetryConfig{MaxAttempts: 3, DelaySeconds: 1, BackoffMultiplier: 2}, d)
}

func TestRetryConfig_IsRetryableKind(t *testing.T) {
	assert.True(t, RetryConfig{}.IsRetryableKind("anything"))

	c := RetryConfig{RetryableErrors: []string{ErrorKindTimeout, ErrorKindRateLimit}}
	assert.True(t, c.IsRetryableKind(ErrorKindTimeout))
	assert.False(t, c.IsRetryableKind(ErrorKindValidation))
}

func TestWorkflowNode_String(t *testing.T) {
	n := &WorkflowNode{Data: map[string]any{"operation": "uppercase", "empty": "", "n": 3}}
	assert.Equal(t, "uppercase", n.String("operation", "passthrough"))
	assert.Equal(t, "passthrough", n.String("empty", "passthrough"))
	assert.Equal(t, "x", n.String("n", "x"))
	assert.Equal(t, "x", (*WorkflowNode)(nil).String("k", "x"))
}

func TestCloneData_IsDeep(t *testing.T) {
	src := map[string]any{
		"user": map[string]any{"name": "bob"},
		"tags": []any{"a", map[string]any{"k": 1}},
		"n":    1,
	}
	cp := CloneData(src)
	cp["user"].(map[string]any)["name"] = "alice"
	cp["tags"].([]any)[1].(map[string]any)["k"] = 2

	assert.Equal(t, "bob", src["user"].(map[string]any)["name"])
	assert.Equal(t, 1, src["tags"].([]any)[1].(map[string]any)["k"])
	assert.Equal(t, map[string]any{}, CloneData(nil))
}
