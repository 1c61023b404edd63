package engine

import (
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// ValidExecutionTransitions defines the allowed status transitions of an execution.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed status transitions of a step.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}

// checkExecutionTransition returns INVALID_TRANSITION when from -> to is not allowed.
func checkExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ValidExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// checkStepTransition returns INVALID_TRANSITION when from -> to is not allowed.
func checkStepTransition(stepID string, from, to schema.StepStatus) error {
	if slices.Contains(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// isTerminalStep reports whether a step status is final.
func isTerminalStep(s schema.StepStatus) bool {
	return len(ValidStepTransitions[s]) == 0
}

// countsAsSatisfied reports whether dependants of a step in status s may run.
func countsAsSatisfied(s schema.StepStatus) bool {
	return s == schema.StepStatusCompleted || s == schema.StepStatusSkipped
}
