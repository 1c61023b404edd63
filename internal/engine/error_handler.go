package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// RetryDecision is the outcome of evaluating the retry policy for one failed attempt.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Kind   string
	Reason string // why a retry was refused: exhausted, permanent, not_retryable
}

// Reasons attached to refused retries.
const (
	ReasonExhausted    = "exhausted"
	ReasonPermanent    = "permanent"
	ReasonNotRetryable = "not_retryable"
)

// ErrorHandler is the retry/error policy. It is safe for concurrent use and is
// shared by every execution of a Coordinator.
type ErrorHandler struct {
	cfg    schema.RetryConfig
	wait   func(context.Context, time.Duration) error
	logger *slog.Logger
}

// NewErrorHandler creates an ErrorHandler for cfg. A nil logger discards output.
func NewErrorHandler(cfg schema.RetryConfig, logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ErrorHandler{cfg: cfg.Normalize(), wait: WaitForBackoff, logger: logger}
}

// Config returns the normalized retry configuration.
func (h *ErrorHandler) Config() schema.RetryConfig {
	return h.cfg
}

// Decide evaluates the policy for err after the given 1-based attempt without sleeping.
func (h *ErrorHandler) Decide(err error, attempt int) RetryDecision {
	kind := ErrorKind(err)
	switch {
	case attempt >= h.cfg.MaxAttempts:
		return RetryDecision{Kind: kind, Reason: ReasonExhausted}
	case IsPermanent(err):
		return RetryDecision{Kind: kind, Reason: ReasonPermanent}
	case !h.cfg.IsRetryableKind(kind):
		return RetryDecision{Kind: kind, Reason: ReasonNotRetryable}
	}
	return RetryDecision{Retry: true, Kind: kind, Delay: ComputeBackoff(h.cfg, attempt)}
}

// ShouldRetry decides whether node should be re-run after failing with err on the
// given attempt. When it returns true the backoff delay has already elapsed.
// Cancellation during the delay returns false.
func (h *ErrorHandler) ShouldRetry(ctx context.Context, err error, node *schema.WorkflowNode, attempt int) bool {
	d := h.Decide(err, attempt)
	if !d.Retry {
		h.logger.DebugContext(ctx, "retry refused",
			"step_name", node.ID, "step_type", node.Type,
			"attempt", attempt, "error_kind", d.Kind, "reason", d.Reason)
		return false
	}

	h.logger.InfoContext(ctx, schema.EventStepRetry,
		"step_name", node.ID, "step_type", node.Type,
		"attempt", attempt, "error_kind", d.Kind, "delay_ms", d.Delay.Milliseconds())

	return h.wait(ctx, d.Delay) == nil
}
