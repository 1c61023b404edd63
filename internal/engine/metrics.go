package engine

import (
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// MetricsRecorder receives execution and step measurements. Implementations must
// be safe for concurrent use; the Prometheus one lives in internal/metrics.
type MetricsRecorder interface {
	RecordExecutionStarted(workflowID string)
	RecordExecutionFinished(workflowID string, status schema.ExecutionStatus, duration time.Duration)
	RecordStepStarted(workflowID, stepType string)
	RecordStepFinished(workflowID, stepType string, success bool, duration time.Duration)
	RecordStepRetry(workflowID, stepType, errorKind string)
	RecordLevelWidth(workflowID string, width int)
}

type nopMetrics struct{}

func (nopMetrics) RecordExecutionStarted(string)                                        {}
func (nopMetrics) RecordExecutionFinished(string, schema.ExecutionStatus, time.Duration) {}
func (nopMetrics) RecordStepStarted(string, string)                                     {}
func (nopMetrics) RecordStepFinished(string, string, bool, time.Duration)               {}
func (nopMetrics) RecordStepRetry(string, string, string)                               {}
func (nopMetrics) RecordLevelWidth(string, int)                                         {}

// NopMetrics returns a MetricsRecorder that discards everything.
func NopMetrics() MetricsRecorder { return nopMetrics{} }
