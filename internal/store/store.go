package store

import "context"

// Store persists finished executions and their step logs.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Step logs (append-only)
	AppendStepLogs(ctx context.Context, executionID string, logs []*StepLog) error
	GetStepLogs(ctx context.Context, executionID string, since int64) ([]*StepLog, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
