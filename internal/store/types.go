package store

import (
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Execution is the persisted representation of a finished workflow execution.
type Execution struct {
	ID              string                                 `json:"id"`
	WorkflowID      string                                 `json:"workflow_id"`
	WorkflowName    string                                 `json:"workflow_name,omitempty"`
	CorrelationID   string                                 `json:"correlation_id,omitempty"`
	Status          schema.ExecutionStatus                 `json:"status"`
	Definition      *schema.WorkflowDefinition             `json:"definition,omitempty"`
	Input           map[string]any                         `json:"input,omitempty"`
	Data            map[string]any                         `json:"data,omitempty"`
	Results         map[string]*schema.StepExecutionResult `json:"results,omitempty"`
	Steps           map[string]*engine.StepState           `json:"steps,omitempty"`
	Levels          [][]string                             `json:"levels,omitempty"`
	Error           *schema.FlowError                      `json:"error,omitempty"`
	FailedStep      string                                 `json:"failed_step,omitempty"`
	PeakParallelism int64                                  `json:"peak_parallelism"`
	DurationMs      int64                                  `json:"duration_ms"`
	StartedAt       time.Time                              `json:"started_at"`
	CompletedAt     *time.Time                             `json:"completed_at,omitempty"`
	CreatedAt       time.Time                              `json:"created_at"`
}

// StepLog is one persisted entry of an execution's step log.
type StepLog struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Sequence    int64     `json:"sequence"`
	Event       string    `json:"event"`
	StepID      string    `json:"step_id,omitempty"`
	StepType    string    `json:"step_type,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}
