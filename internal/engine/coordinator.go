package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxParallelSteps is the default bound on in-flight steps per level.
const DefaultMaxParallelSteps = 4

// StepResolver looks up the executor of a step type. *steps.Registry satisfies it.
type StepResolver interface {
	Get(stepType string) (steps.Executor, error)
}

// EventPublisher receives execution events. *streaming.MemoryHub satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event streaming.StreamEvent) error
}

// Config holds the coordinator configuration.
type Config struct {
	MaxParallelSteps int                   // in-flight steps per level (<= 0 = default)
	Retry            schema.RetryConfig    // zero value = schema.DefaultRetryConfig(); max_attempts 0 = default bound
	CircuitBreaker   *CircuitBreakerConfig // nil = no circuit breaking
	Logger           *slog.Logger
	Metrics          MetricsRecorder
	Events           EventPublisher
	Guards           *expressions.CELEngine // evaluates node.data["condition"]; nil = built on demand
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallelSteps: DefaultMaxParallelSteps,
		Retry:            schema.DefaultRetryConfig(),
	}
}

// StepState is the per-step bookkeeping of one execution.
type StepState struct {
	StepID      string            `json:"step_id"`
	Type        string            `json:"type"`
	Level       int               `json:"level"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	DurationMs  int64             `json:"duration_ms"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// StepLog is one entry of an execution's ordered step log.
type StepLog struct {
	Event      string    `json:"event"`
	StepID     string    `json:"step_id,omitempty"`
	StepType   string    `json:"step_type,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// ExecutionResult is returned by ExecuteWorkflow with the execution outcome.
// Results holds the final attempt of every step that ran, Data the merged data
// context; either view can be derived by callers.
type ExecutionResult struct {
	ExecutionID     string                                 `json:"execution_id"`
	WorkflowID      string                                 `json:"workflow_id"`
	CorrelationID   string                                 `json:"correlation_id"`
	Status          schema.ExecutionStatus                 `json:"status"`
	Results         map[string]*schema.StepExecutionResult `json:"results"`
	Steps           map[string]*StepState                  `json:"steps"`
	Data            map[string]any                         `json:"data"`
	Levels          [][]string                             `json:"levels"`
	Error           *schema.FlowError                      `json:"error,omitempty"`
	FailedStep      string                                 `json:"failed_step,omitempty"`
	FailedStepType  string                                 `json:"failed_step_type,omitempty"`
	Logs            []StepLog                              `json:"logs"`
	PeakParallelism int64                                  `json:"peak_parallelism"`
	StartedAt       time.Time                              `json:"started_at"`
	CompletedAt     *time.Time                             `json:"completed_at,omitempty"`
	DurationMs      int64                                  `json:"duration_ms"`
}

// ExecutionSnapshot is a point-in-time view of an in-flight execution.
type ExecutionSnapshot struct {
	ExecutionID  string                 `json:"execution_id"`
	WorkflowID   string                 `json:"workflow_id"`
	Status       schema.ExecutionStatus `json:"status"`
	CurrentLevel int                    `json:"current_level"`
	Levels       [][]string             `json:"levels"`
	Steps        map[string]StepState   `json:"steps"`
	StartedAt    time.Time              `json:"started_at"`
}

// RunOption customizes a single ExecuteWorkflow call.
type RunOption func(*runOptions)

type runOptions struct {
	executionID   string
	correlationID string
}

// WithExecutionID fixes the execution id, so a host can Cancel or query the
// execution while ExecuteWorkflow is still running.
func WithExecutionID(id string) RunOption {
	return func(o *runOptions) { o.executionID = id }
}

// WithCorrelationID sets the correlation id carried by every log line and event.
// Without it the id is taken from the context, or generated.
func WithCorrelationID(id string) RunOption {
	return func(o *runOptions) { o.correlationID = id }
}

// Coordinator is the Execution Coordinator: it runs workflow definitions level
// by level with bounded in-level parallelism, retries failed steps per the
// retry policy, and merges step outputs into the data context at level
// boundaries. A Coordinator is safe for concurrent ExecuteWorkflow calls; each
// call owns its data context.
type Coordinator struct {
	steps    StepResolver
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder
	policy   *ErrorHandler
	monitor  *Monitor
	breakers *CircuitBreakers
	guards   *expressions.CELEngine

	// mu guards running.
	mu      sync.Mutex
	running map[string]*execution
}

// execution tracks a single in-flight workflow execution.
type execution struct {
	id            string
	workflowID    string
	workflowName  string
	correlationID string
	graph         *Graph
	cancel        context.CancelCauseFunc
	startedAt     time.Time

	mu              sync.Mutex // guards the fields below
	status          schema.ExecutionStatus
	level           int
	steps           map[string]*StepState
	logs            []StepLog
	cancelRequested bool
	sealed          bool // terminal status decided; Cancel no longer applies
}

// stepOutcome is what one dispatched step hands back to the level barrier.
type stepOutcome struct {
	result *schema.StepExecutionResult
	err    *schema.FlowError // why the step failed the execution; nil on success or skip
}

// NewCoordinator creates a Coordinator resolving executors through resolver.
func NewCoordinator(resolver StepResolver, cfg Config) *Coordinator {
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = DefaultMaxParallelSteps
	}
	cfg.Retry = retryDefaults(cfg.Retry)
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	logger := cfg.Logger.With("component", "coordinator")

	var breakers *CircuitBreakers
	if cfg.CircuitBreaker != nil {
		breakers = NewCircuitBreakers(*cfg.CircuitBreaker)
	}

	guards := cfg.Guards
	if guards == nil {
		// Guards are optional; runStep reports a configuration failure when nil.
		guards, _ = expressions.NewCELEngine()
	}

	return &Coordinator{
		steps:    resolver,
		config:   cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		policy:   NewErrorHandler(cfg.Retry, cfg.Logger.With("component", "retry")),
		monitor:  NewMonitor(cfg.Logger.With("component", "monitor"), cfg.Metrics),
		breakers: breakers,
		guards:   guards,
		running:  make(map[string]*execution),
	}
}

// retryDefaults returns the default policy for an unset retry config. A partly
// set config only gets the default attempt bound.
func retryDefaults(cfg schema.RetryConfig) schema.RetryConfig {
	if cfg.MaxAttempts == 0 && cfg.DelaySeconds == 0 && cfg.BackoffMultiplier == 0 && len(cfg.RetryableErrors) == 0 {
		return schema.DefaultRetryConfig()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = schema.DefaultRetryConfig().MaxAttempts
	}
	return cfg.Normalize()
}

// ExecuteWorkflow runs def against input and blocks until the execution ends.
//
// Structural problems (malformed definition, dangling edge, cycle) are returned
// as (nil, *schema.FlowError) before any step runs. Every other outcome,
// including step failures and cancellation, is reported through the returned
// ExecutionResult with a nil error.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, opts ...RunOption) (*ExecutionResult, error) {
	if check := CheckDefinition(def); !check.Valid() {
		return nil, check.ToError()
	}
	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.executionID == "" {
		o.executionID = uuid.NewString()
	}
	if o.correlationID == "" {
		o.correlationID = logging.CorrelationID(ctx)
	}
	if o.correlationID == "" {
		o.correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx = logging.WithExecution(ctx, o.correlationID, def.ID, o.executionID)

	x := &execution{
		id:            o.executionID,
		workflowID:    def.ID,
		workflowName:  def.Name,
		correlationID: o.correlationID,
		graph:         graph,
		cancel:        cancel,
		startedAt:     time.Now().UTC(),
		status:        schema.ExecutionStatusPending,
		steps:         make(map[string]*StepState, graph.Size()),
	}
	for depth, level := range graph.Levels {
		for _, id := range level {
			x.steps[id] = &StepState{StepID: id, Type: graph.Nodes[id].Type, Level: depth, Status: schema.StepStatusPending}
		}
	}

	c.mu.Lock()
	if _, dup := c.running[x.id]; dup {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", x.id)
	}
	c.running[x.id] = x
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, x.id)
		c.mu.Unlock()
	}()

	return c.run(ctx, x, input), nil
}

// run drives the level loop of one execution.
func (c *Coordinator) run(ctx context.Context, x *execution, input map[string]any) *ExecutionResult {
	result := &ExecutionResult{
		ExecutionID:   x.id,
		WorkflowID:    x.workflowID,
		CorrelationID: x.correlationID,
		Results:       make(map[string]*schema.StepExecutionResult),
		Levels:        x.graph.Levels,
		StartedAt:     x.startedAt,
	}

	c.setExecutionStatus(ctx, x, schema.ExecutionStatusRunning)
	c.metrics.RecordExecutionStarted(x.workflowID)
	c.logger.InfoContext(ctx, schema.EventExecutionStarted,
		"workflow_name", x.workflowName, "steps", x.graph.Size(), "levels", len(x.graph.Levels))
	c.emit(ctx, x, schema.EventExecutionStarted, "", map[string]any{"levels": x.graph.Levels})

	data := schema.CloneData(input)
	pool := NewStepPool(c.config.MaxParallelSteps, nil)
	defer pool.Shutdown()

	var (
		finalErr    *schema.FlowError
		interrupted bool // some step never ran because of cancellation
	)
	for depth, level := range x.graph.Levels {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		x.mu.Lock()
		x.level = depth
		x.mu.Unlock()
		c.metrics.RecordLevelWidth(x.workflowID, len(level))
		c.emit(ctx, x, schema.EventLevelStarted, "", map[string]any{"level": depth, "steps": level})

		outcomes := make([]stepOutcome, len(level))
		var failed atomic.Bool

		for i, stepID := range level {
			// A failure or cancellation stops new dispatches; running siblings finish.
			if failed.Load() || ctx.Err() != nil {
				interrupted = interrupted || ctx.Err() != nil
				c.cancelStep(ctx, x, stepID)
				continue
			}
			node := x.graph.Nodes[stepID]
			snapshot := schema.CloneData(data)
			err := pool.Submit(ctx, func(_ context.Context) (err error) {
				// Panics outside the executor (publisher, metrics) still fail the step.
				defer func() {
					if r := recover(); r != nil {
						outcomes[i] = c.stepPanicked(ctx, x, node, r)
						failed.Store(true)
						err = outcomes[i].err
					}
				}()
				outcomes[i] = c.runStep(ctx, x, node, snapshot)
				if outcomes[i].err != nil {
					failed.Store(true)
					return outcomes[i].err
				}
				return nil
			})
			if err != nil {
				interrupted = true
				c.cancelStep(ctx, x, stepID)
			}
		}
		pool.Wait()

		// Level ids are sorted: top-level keys are replaced whole and the greater id wins.
		for i, stepID := range level {
			out := outcomes[i]
			if out.result != nil {
				result.Results[stepID] = out.result
				if out.result.Success {
					maps.Copy(data, schema.CloneData(out.result.OutputData))
				}
			}
			if out.err != nil && finalErr == nil {
				finalErr = out.err
				result.FailedStep = stepID
				result.FailedStepType = x.graph.Nodes[stepID].Type
			}
		}
		c.emit(ctx, x, schema.EventLevelCompleted, "", map[string]any{"level": depth})

		if finalErr != nil {
			break
		}
	}

	result.Data = data
	result.PeakParallelism = pool.Metrics().Peak

	x.mu.Lock()
	x.sealed = true
	requested := x.cancelRequested
	x.mu.Unlock()

	// Cancellation counts when it was requested, cut the execution short or interrupted a retry.
	stopped := ctx.Err() != nil && (requested || interrupted || finalErr != nil)
	status := schema.ExecutionStatusCompleted
	switch {
	case stopped && errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		status = schema.ExecutionStatusFailed
		if finalErr == nil {
			finalErr = schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithCause(ctx.Err())
		}
	case stopped:
		status = schema.ExecutionStatusCancelled
		finalErr = cancellationError(ctx)
		result.FailedStep, result.FailedStepType = "", ""
	case finalErr != nil:
		status = schema.ExecutionStatusFailed
	}
	for _, level := range x.graph.Levels {
		for _, stepID := range level {
			c.cancelStep(ctx, x, stepID)
		}
	}

	c.setExecutionStatus(ctx, x, status)
	c.finalize(ctx, x, result, status, finalErr)
	return result
}

// finalize fills the terminal fields of result and emits the closing event.
func (c *Coordinator) finalize(ctx context.Context, x *execution, result *ExecutionResult, status schema.ExecutionStatus, finalErr *schema.FlowError) {
	now := time.Now().UTC()
	result.Status = status
	result.Error = finalErr
	result.CompletedAt = &now
	result.DurationMs = now.Sub(x.startedAt).Milliseconds()

	x.mu.Lock()
	result.Steps = make(map[string]*StepState, len(x.steps))
	for id, s := range x.steps {
		cp := *s
		result.Steps[id] = &cp
	}
	result.Logs = append([]StepLog(nil), x.logs...)
	x.mu.Unlock()

	c.metrics.RecordExecutionFinished(x.workflowID, status, now.Sub(x.startedAt))

	switch status {
	case schema.ExecutionStatusCompleted:
		c.logger.InfoContext(ctx, schema.EventExecutionCompleted,
			"status", status, "duration_ms", result.DurationMs)
		c.emit(ctx, x, schema.EventExecutionCompleted, "", map[string]any{"duration_ms": result.DurationMs})
	case schema.ExecutionStatusCancelled:
		c.logger.WarnContext(ctx, schema.EventExecutionCancelled,
			"status", status, "duration_ms", result.DurationMs, "error", finalErr.Message)
		c.emit(ctx, x, schema.EventExecutionCancelled, "", map[string]any{"reason": finalErr.Message})
	default:
		c.logger.ErrorContext(ctx, schema.EventExecutionError,
			"status", status, "duration_ms", result.DurationMs,
			"step_name", result.FailedStep, "step_type", result.FailedStepType,
			"error", finalErr.Message)
		c.emit(ctx, x, schema.EventExecutionError, result.FailedStep, finalErr)
	}
}

// runStep drives one step to a terminal status: guard, lookup, attempts and retries.
func (c *Coordinator) runStep(ctx context.Context, x *execution, node *schema.WorkflowNode, input map[string]any) stepOutcome {
	ctx = logging.WithStepID(ctx, node.ID)

	if cond := node.String("condition", ""); cond != "" {
		run, res := c.evaluateGuard(ctx, node, cond, input)
		if res != nil {
			return c.failStep(ctx, x, node, res, 0, schema.ErrCodeNonRetryable)
		}
		if !run {
			c.setStepStatus(ctx, x, node.ID, schema.StepStatusSkipped)
			c.appendLog(x, StepLog{Event: schema.EventStepSkipped, StepID: node.ID, StepType: node.Type})
			c.logger.InfoContext(ctx, schema.EventStepSkipped, "step_name", node.ID, "step_type", node.Type, "condition", cond)
			c.emit(ctx, x, schema.EventStepSkipped, node.ID, map[string]any{"condition": cond})
			return stepOutcome{}
		}
	}

	exec, err := c.steps.Get(node.Type)
	if err != nil {
		res := schema.StepFailed(schema.ErrorKindConfig, fmt.Sprintf("no executor for step type %q", node.Type), true)
		return c.failStep(ctx, x, node, res, 0, schema.ErrCodeNonRetryable)
	}
	timeout, err := stepTimeout(node)
	if err != nil {
		return c.failStep(ctx, x, node, schema.StepFailed(schema.ErrorKindConfig, err.Error(), true), 0, schema.ErrCodeNonRetryable)
	}

	for attempt := 1; ; attempt++ {
		c.startAttempt(ctx, x, node, attempt)

		res, sysErr := c.attempt(ctx, exec, node, input, timeout)
		if sysErr != nil {
			return c.systemFailure(ctx, x, node, attempt, sysErr)
		}
		if res.Success {
			c.completeStep(ctx, x, node, res, attempt)
			return stepOutcome{result: res}
		}

		stepErr := &schema.StepError{StepID: node.ID, Kind: res.ErrorKind, Message: res.ErrorMessage, Permanent: res.Permanent}
		c.appendLog(x, StepLog{Event: schema.EventStepError, StepID: node.ID, StepType: node.Type,
			Attempt: attempt, DurationMs: res.DurationMs, Error: res.ErrorMessage})

		if ctx.Err() == nil && c.policy.ShouldRetry(ctx, stepErr, node, attempt) {
			c.setStepStatus(ctx, x, node.ID, schema.StepStatusRetrying)
			c.metrics.RecordStepRetry(x.workflowID, node.Type, res.ErrorKind)
			c.appendLog(x, StepLog{Event: schema.EventStepRetry, StepID: node.ID, StepType: node.Type, Attempt: attempt, Error: res.ErrorMessage})
			c.emit(ctx, x, schema.EventStepRetry, node.ID, map[string]any{"attempt": attempt, "error": res.ErrorMessage})
			continue
		}

		code := schema.ErrCodeStepFailed
		switch c.policy.Decide(stepErr, attempt).Reason {
		case ReasonExhausted:
			code = schema.ErrCodeRetryExhausted
		case ReasonPermanent, ReasonNotRetryable:
			code = schema.ErrCodeNonRetryable
		}
		return c.failStep(ctx, x, node, res, attempt, code)
	}
}

// attempt runs a single invocation. Executors see the execution's values but not
// its cancellation: a dispatched step is allowed to finish.
func (c *Coordinator) attempt(ctx context.Context, exec steps.Executor, node *schema.WorkflowNode, input map[string]any, timeout time.Duration) (*schema.StepExecutionResult, error) {
	if c.breakers != nil {
		if err := c.breakers.Allow(node.Type); err != nil {
			return schema.StepFailed(schema.ErrorKindCircuitOpen, err.Error(), true), nil
		}
	}

	stepCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}

	res, err := c.monitor.Observe(stepCtx, logging.WorkflowID(ctx), exec, node, cloneInput(input))
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
		// A late success is still a timeout.
		var ms int64
		if res != nil {
			ms = res.DurationMs
		}
		res = schema.StepFailed(schema.ErrorKindTimeout, fmt.Sprintf("step %s timed out after %s", node.ID, timeout), false)
		res.DurationMs = ms
		err = nil
	}
	if c.breakers != nil && err == nil {
		if state := c.breakers.Record(node.Type, res.Success); state == CircuitOpen && !res.Success {
			c.logger.WarnContext(ctx, schema.EventCircuitBreakerOpen, "step_type", node.Type)
		}
	}
	return res, err
}

func (c *Coordinator) evaluateGuard(ctx context.Context, node *schema.WorkflowNode, cond string, input map[string]any) (bool, *schema.StepExecutionResult) {
	if c.guards == nil {
		return false, schema.StepFailed(schema.ErrorKindConfig, "step conditions are not available", true)
	}
	ok, err := c.guards.EvaluateBool(ctx, cond, map[string]any{"data": cloneInput(input), "node": schema.CloneData(node.Data)})
	if err != nil {
		return false, schema.StepFailed(schema.ErrorKindExpression, "condition: "+err.Error(), true)
	}
	return ok, nil
}

func (c *Coordinator) startAttempt(ctx context.Context, x *execution, node *schema.WorkflowNode, attempt int) {
	now := time.Now().UTC()
	c.setStepStatus(ctx, x, node.ID, schema.StepStatusRunning)
	x.mu.Lock()
	s := x.steps[node.ID]
	s.Attempts = attempt
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	x.logs = append(x.logs, StepLog{Event: schema.EventStepStarted, StepID: node.ID, StepType: node.Type, Attempt: attempt, Time: now})
	x.mu.Unlock()
	c.emit(ctx, x, schema.EventStepStarted, node.ID, map[string]any{"attempt": attempt})
}

func (c *Coordinator) completeStep(ctx context.Context, x *execution, node *schema.WorkflowNode, res *schema.StepExecutionResult, attempt int) {
	c.setStepStatus(ctx, x, node.ID, schema.StepStatusCompleted)
	c.finishState(x, node.ID, res.DurationMs, "", "")
	c.appendLog(x, StepLog{Event: schema.EventStepCompleted, StepID: node.ID, StepType: node.Type, Attempt: attempt, DurationMs: res.DurationMs})
	c.emit(ctx, x, schema.EventStepCompleted, node.ID, map[string]any{"attempt": attempt, "duration_ms": res.DurationMs})
}

// failStep marks the step failed and builds the execution-level error.
func (c *Coordinator) failStep(ctx context.Context, x *execution, node *schema.WorkflowNode, res *schema.StepExecutionResult, attempt int, code string) stepOutcome {
	c.setStepStatus(ctx, x, node.ID, schema.StepStatusFailed)
	c.finishState(x, node.ID, res.DurationMs, res.ErrorMessage, res.ErrorKind)
	if attempt == 0 {
		c.appendLog(x, StepLog{Event: schema.EventStepError, StepID: node.ID, StepType: node.Type, Error: res.ErrorMessage})
		c.logger.WarnContext(ctx, schema.EventStepError, "step_name", node.ID, "step_type", node.Type, "error", res.ErrorMessage)
	}
	c.emit(ctx, x, schema.EventStepError, node.ID, map[string]any{"attempt": attempt, "error": res.ErrorMessage, "error_kind": res.ErrorKind})

	msg := fmt.Sprintf("step %s (%s) failed: %s", node.ID, node.Type, res.ErrorMessage)
	if code == schema.ErrCodeRetryExhausted && attempt > 1 {
		msg = fmt.Sprintf("step %s (%s) failed after %d attempts: %s", node.ID, node.Type, attempt, res.ErrorMessage)
	}
	return stepOutcome{
		result: res,
		err: schema.NewError(code, msg).WithStep(node.ID).WithDetails(map[string]any{
			"step_type": node.Type, "error_kind": res.ErrorKind, "attempts": attempt,
		}),
	}
}

// systemFailure handles an executor that broke its contract. It is never retried.
func (c *Coordinator) systemFailure(ctx context.Context, x *execution, node *schema.WorkflowNode, attempt int, cause error) stepOutcome {
	msg := fmt.Sprintf("internal error while executing step %s (%s)", node.ID, node.Type)
	res := schema.StepFailed(schema.ErrorKindSystem, msg, true)
	c.setStepStatus(ctx, x, node.ID, schema.StepStatusFailed)
	c.finishState(x, node.ID, 0, cause.Error(), schema.ErrorKindSystem)
	c.appendLog(x, StepLog{Event: schema.EventStepError, StepID: node.ID, StepType: node.Type, Attempt: attempt, Error: cause.Error()})
	c.emit(ctx, x, schema.EventStepError, node.ID, map[string]any{"attempt": attempt, "error": cause.Error(), "error_kind": schema.ErrorKindSystem})

	return stepOutcome{
		result: res,
		err: schema.NewError(schema.ErrCodeSystem, msg).WithStep(node.ID).WithCause(cause).
			WithDetails(map[string]any{"step_type": node.Type, "cause": cause.Error()}),
	}
}

// stepPanicked builds the SYSTEM_ERROR outcome of a step whose dispatch
// panicked outside the executor. It skips events and metrics, which may be
// what panicked.
func (c *Coordinator) stepPanicked(ctx context.Context, x *execution, node *schema.WorkflowNode, recovered any) stepOutcome {
	cause := fmt.Errorf("step %s panicked: %v", node.ID, recovered)
	msg := fmt.Sprintf("internal error while executing step %s (%s)", node.ID, node.Type)

	x.mu.Lock()
	s := x.steps[node.ID]
	attempt := s.Attempts
	if !isTerminalStep(s.Status) {
		s.Status = schema.StepStatusFailed
	}
	x.mu.Unlock()
	c.finishState(x, node.ID, 0, cause.Error(), schema.ErrorKindSystem)
	c.appendLog(x, StepLog{Event: schema.EventStepError, StepID: node.ID, StepType: node.Type, Attempt: attempt, Error: cause.Error()})
	c.logger.ErrorContext(ctx, schema.EventStepError, "step_id", node.ID, "step_type", node.Type, "error", cause.Error())

	return stepOutcome{
		result: schema.StepFailed(schema.ErrorKindSystem, msg, true),
		err: schema.NewError(schema.ErrCodeSystem, msg).WithStep(node.ID).WithCause(cause).
			WithDetails(map[string]any{"step_type": node.Type, "cause": cause.Error()}),
	}
}

// cancelStep moves a still-pending step to cancelled.
func (c *Coordinator) cancelStep(ctx context.Context, x *execution, stepID string) {
	x.mu.Lock()
	pending := x.steps[stepID].Status == schema.StepStatusPending
	x.mu.Unlock()
	if pending {
		c.setStepStatus(ctx, x, stepID, schema.StepStatusCancelled)
	}
}

func (c *Coordinator) finishState(x *execution, stepID string, durationMs int64, errMsg, kind string) {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.steps[stepID]
	s.CompletedAt = &now
	s.DurationMs = durationMs
	s.Error = errMsg
	s.ErrorKind = kind
}

func (c *Coordinator) setStepStatus(ctx context.Context, x *execution, stepID string, to schema.StepStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.steps[stepID]
	if err := checkStepTransition(stepID, s.Status, to); err != nil {
		c.logger.ErrorContext(ctx, "step state machine violation", "error", err.Error())
	}
	s.Status = to
}

func (c *Coordinator) setExecutionStatus(ctx context.Context, x *execution, to schema.ExecutionStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := checkExecutionTransition(x.id, x.status, to); err != nil {
		c.logger.ErrorContext(ctx, "execution state machine violation", "error", err.Error())
	}
	x.status = to
}

func (c *Coordinator) appendLog(x *execution, entry StepLog) {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	x.mu.Lock()
	x.logs = append(x.logs, entry)
	x.mu.Unlock()
}

// emit publishes an execution event. Events outlive cancellation so subscribers
// see how an execution ended.
func (c *Coordinator) emit(ctx context.Context, x *execution, eventType, stepID string, payload any) {
	if c.config.Events == nil {
		return
	}
	err := c.config.Events.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: x.id,
		WorkflowID:  x.workflowID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		c.logger.DebugContext(ctx, "publish event failed", "event", eventType, "error", err.Error())
	}
}

// Cancel marks an in-flight execution as cancelled. Dispatched steps finish; no
// further steps or levels start and the final status is cancelled.
func (c *Coordinator) Cancel(executionID, reason string) error {
	c.mu.Lock()
	x, ok := c.running[executionID]
	c.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sealed {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}
	x.cancelRequested = true
	x.cancel(schema.NewError(schema.ErrCodeCancelled, reason))
	return nil
}

// Status returns a snapshot of an in-flight execution.
func (c *Coordinator) Status(executionID string) (*ExecutionSnapshot, error) {
	c.mu.Lock()
	x, ok := c.running[executionID]
	c.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", executionID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	snap := &ExecutionSnapshot{
		ExecutionID:  x.id,
		WorkflowID:   x.workflowID,
		Status:       x.status,
		CurrentLevel: x.level,
		Levels:       x.graph.Levels,
		Steps:        make(map[string]StepState, len(x.steps)),
		StartedAt:    x.startedAt,
	}
	for id, s := range x.steps {
		snap.Steps[id] = *s
	}
	return snap, nil
}

// Running returns the ids of the executions currently in flight.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	return ids
}

func cancellationError(ctx context.Context) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(context.Cause(ctx), &fe) && fe.Code == schema.ErrCodeCancelled {
		return schema.NewErrorf(schema.ErrCodeCancelled, "execution cancelled: %s", fe.Message)
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(ctx.Err())
}

// stepTimeout reads node.data["timeout"]: a Go duration string or a number of seconds.
func stepTimeout(node *schema.WorkflowNode) (time.Duration, error) {
	raw, ok := node.Data["timeout"]
	if !ok || raw == nil {
		return 0, nil
	}
	var d time.Duration
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	default:
		return 0, fmt.Errorf("invalid timeout type %T", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %s", d)
	}
	return d, nil
}

func cloneInput(input map[string]any) map[string]any {
	return schema.CloneData(input)
}
