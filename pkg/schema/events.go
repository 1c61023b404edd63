package schema

// Structured log event names emitted by the engine.
const (
	EventExecutionStarted   = "workflow_execution_started"
	EventExecutionCompleted = "workflow_execution_completed"
	EventExecutionError     = "workflow_execution_error"
	EventExecutionCancelled = "workflow_execution_cancelled"

	EventStepStarted   = "workflow_step_started"
	EventStepCompleted = "workflow_step_completed"
	EventStepError     = "workflow_step_error"
	EventStepRetry     = "workflow_step_retry"
	EventStepSkipped   = "workflow_step_skipped"

	EventLevelStarted   = "workflow_level_started"
	EventLevelCompleted = "workflow_level_completed"

	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// ExecutionStatus represents the lifecycle state of one workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)
