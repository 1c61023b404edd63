package store

import (
	"context"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// FromResult converts an execution result into its persisted form.
func FromResult(def *schema.WorkflowDefinition, input map[string]any, res *engine.ExecutionResult) *Execution {
	exec := &Execution{
		ID:              res.ExecutionID,
		WorkflowID:      res.WorkflowID,
		CorrelationID:   res.CorrelationID,
		Status:          res.Status,
		Definition:      def,
		Input:           input,
		Data:            res.Data,
		Results:         res.Results,
		Steps:           res.Steps,
		Levels:          res.Levels,
		Error:           res.Error,
		FailedStep:      res.FailedStep,
		PeakParallelism: res.PeakParallelism,
		DurationMs:      res.DurationMs,
		StartedAt:       res.StartedAt,
		CompletedAt:     res.CompletedAt,
	}
	if def != nil {
		exec.WorkflowName = def.Name
	}
	return exec
}

// Record saves a finished execution and appends its step log.
func Record(ctx context.Context, s Store, def *schema.WorkflowDefinition, input map[string]any, res *engine.ExecutionResult) error {
	if err := s.SaveExecution(ctx, FromResult(def, input, res)); err != nil {
		return err
	}
	logs := make([]*StepLog, 0, len(res.Logs))
	for _, l := range res.Logs {
		logs = append(logs, &StepLog{
			Event:      l.Event,
			StepID:     l.StepID,
			StepType:   l.StepType,
			Attempt:    l.Attempt,
			DurationMs: l.DurationMs,
			Error:      l.Error,
			Timestamp:  l.Time,
		})
	}
	return s.AppendStepLogs(ctx, res.ExecutionID, logs)
}
