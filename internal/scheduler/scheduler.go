// Package scheduler runs workflow documents on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = 30 * time.Second

// WorkflowRunner runs the workflow document at path. The host loads, executes
// and records it.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, path string, input map[string]any) (*engine.ExecutionResult, error)
}

// Job is a workflow document run on a cron schedule.
type Job struct {
	ID       string         `json:"id"`
	Cron     string         `json:"cron"`
	Workflow string         `json:"workflow"` // path of the workflow document
	Input    map[string]any `json:"input,omitempty"`

	NextRunAt       *time.Time             `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time             `json:"last_run_at,omitempty"`
	LastStatus      schema.ExecutionStatus `json:"last_status,omitempty"`
	LastExecutionID string                 `json:"last_execution_id,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
}

// Scheduler checks its jobs on a ticker and runs the due ones.
type Scheduler struct {
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
	runs       sync.WaitGroup      // jobs dispatched by tick
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner WorkflowRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With("component", "scheduler"),
		interval: DefaultInterval,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job and computes its first run time.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		job.ID = job.Workflow
	}
	if job.Workflow == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q has no workflow", job.ID)
	}
	next, err := s.CalculateNextRun(job.Cron, s.now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q: %s", job.ID, err.Error()).WithCause(err)
	}
	job.NextRunAt = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a snapshot of all jobs, ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every job whose next run time has passed, each in its own
// goroutine, so a slow workflow does not hold back the others.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, job := range s.Jobs() {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running
		}
		s.runs.Add(1)
		go func(job Job) {
			defer s.runs.Done()
			defer s.releaseJob(job.ID)
			s.runJob(ctx, job, now)
		}(job)
	}
}

// RunNow runs a job immediately, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	var job Job
	if ok {
		job = *j
	}
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	if !s.tryAcquire(id) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", id)
	}
	defer s.releaseJob(id)
	s.runJob(ctx, job, s.now().UTC())
	return nil
}

// runJob executes a job and updates its run bookkeeping.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	s.logger.InfoContext(ctx, "running scheduled job", "job_id", job.ID, "workflow", job.Workflow)

	res, err := s.runner.RunWorkflow(ctx, job.Workflow, schema.CloneData(job.Input))
	status := schema.ExecutionStatusFailed
	var execID, errMsg string
	switch {
	case err != nil:
		errMsg = err.Error()
	case res != nil:
		status, execID = res.Status, res.ExecutionID
		if res.Error != nil {
			errMsg = res.Error.Message
		}
	}
	if errMsg != "" {
		s.logger.ErrorContext(ctx, "scheduled job execution failed",
			"job_id", job.ID, "status", status, "error", errMsg)
	}

	next, nextErr := s.CalculateNextRun(job.Cron, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[job.ID]
	if !ok {
		return // removed while running
	}
	j.LastRunAt = &now
	j.LastStatus = status
	j.LastExecutionID = execID
	j.LastError = errMsg
	if nextErr == nil {
		j.NextRunAt = &next
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for dispatched jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.runs.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}
