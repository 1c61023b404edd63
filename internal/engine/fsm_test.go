package engine

import (
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestExecutionTransitions(t *testing.T) {
	assert.NoError(t, checkExecutionTransition("e1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	assert.NoError(t, checkExecutionTransition("e1", schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled))
	assert.NoError(t, checkExecutionTransition("e1", schema.ExecutionStatusPending, schema.ExecutionStatusCancelled))

	err := checkExecutionTransition("e1", schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning)
	assertError(t, err, schema.ErrCodeInvalidTransition)

	for status, next := range ValidExecutionTransitions {
		assert.Equal(t, status.IsTerminal(), len(next) == 0, "status %s", status)
	}
}

func TestStepTransitions(t *testing.T) {
	path := []schema.StepStatus{
		schema.StepStatusPending, schema.StepStatusRunning, schema.StepStatusRetrying,
		schema.StepStatusRunning, schema.StepStatusCompleted,
	}
	for i := 1; i < len(path); i++ {
		assert.NoError(t, checkStepTransition("s", path[i-1], path[i]))
	}

	err := checkStepTransition("s", schema.StepStatusFailed, schema.StepStatusRunning)
	assertError(t, err, schema.ErrCodeInvalidTransition)
	assert.Contains(t, err.Error(), "step s")
}

func TestStepTerminalAndSatisfied(t *testing.T) {
	assert.True(t, isTerminalStep(schema.StepStatusSkipped))
	assert.True(t, isTerminalStep(schema.StepStatusCancelled))
	assert.False(t, isTerminalStep(schema.StepStatusRetrying))

	assert.True(t, countsAsSatisfied(schema.StepStatusCompleted))
	assert.True(t, countsAsSatisfied(schema.StepStatusSkipped))
	assert.False(t, countsAsSatisfied(schema.StepStatusFailed))
}
