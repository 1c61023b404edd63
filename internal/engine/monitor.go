package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

// Monitor wraps a single step invocation: it times the call, logs the
// started/completed/error events, records step metrics, and turns a panic into
// a SYSTEM_ERROR. The executor's result is passed through untouched apart from
// DurationMs.
type Monitor struct {
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// NewMonitor creates a Monitor. Nil arguments fall back to a discarding logger
// and no-op metrics.
func NewMonitor(logger *slog.Logger, metrics MetricsRecorder) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Monitor{logger: logger, metrics: metrics, now: time.Now}
}

// Observe invokes exec for node. A non-nil error means the executor broke its
// contract (returned an error, returned nothing, or panicked); modeled failures
// arrive as a result with Success=false.
func (m *Monitor) Observe(ctx context.Context, workflowID string, exec steps.Executor, node *schema.WorkflowNode, input map[string]any) (res *schema.StepExecutionResult, err error) {
	start := m.now()
	m.metrics.RecordStepStarted(workflowID, node.Type)
	m.logger.InfoContext(ctx, schema.EventStepStarted, "step_name", node.ID, "step_type", node.Type)

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeSystem, "step executor panicked: %v", r).
				WithStep(node.ID).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}

		elapsed := m.now().Sub(start)
		ms := elapsed.Milliseconds()
		switch {
		case err != nil:
			m.logger.ErrorContext(ctx, schema.EventStepError,
				"step_name", node.ID, "step_type", node.Type, "duration_ms", ms, "error", err.Error())
		case !res.Success:
			m.logger.WarnContext(ctx, schema.EventStepError,
				"step_name", node.ID, "step_type", node.Type, "duration_ms", ms,
				"error", res.ErrorMessage, "error_kind", res.ErrorKind)
		default:
			m.logger.InfoContext(ctx, schema.EventStepCompleted,
				"step_name", node.ID, "step_type", node.Type, "duration_ms", ms)
		}
		if res != nil {
			res.DurationMs = ms
		}
		m.metrics.RecordStepFinished(workflowID, node.Type, err == nil && res.Success, elapsed)
	}()

	res, err = exec.Execute(ctx, node, input)
	if err == nil && res == nil {
		err = fmt.Errorf("step executor for %q returned no result", node.Type)
	}
	return res, err
}
