package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// mockRunner records RunWorkflow calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	status schema.ExecutionStatus
	err    error
	block  chan struct{}
}

type runCall struct {
	Path  string
	Input map[string]any
}

func (r *mockRunner) RunWorkflow(_ context.Context, path string, input map[string]any) (*engine.ExecutionResult, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{Path: path, Input: input})
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.ExecutionStatusCompleted
	}
	res := &engine.ExecutionResult{ExecutionID: "exec-" + path, Status: status}
	if status == schema.ExecutionStatusFailed {
		res.Error = schema.NewError(schema.ErrCodeRetryExhausted, "step b failed")
	}
	return res, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// runnerFunc adapts a function to WorkflowRunner.
type runnerFunc func(ctx context.Context, path string, input map[string]any) (*engine.ExecutionResult, error)

func (f runnerFunc) RunWorkflow(ctx context.Context, path string, input map[string]any) (*engine.ExecutionResult, error) {
	return f(ctx, path, input)
}

func newTestScheduler(runner WorkflowRunner) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	return NewScheduler(runner, nil, WithClock(clock.Now)), clock
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		next, err := sched.CalculateNextRun(tt.expr, from)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, next, tt.expr)
	}

	_, err := sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})

	require.NoError(t, sched.Add(Job{Cron: "0 * * * *", Workflow: "flows/a.json"}))
	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "flows/a.json", jobs[0].ID, "id defaults to the workflow path")
	require.NotNil(t, jobs[0].NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *jobs[0].NextRunAt)

	err := sched.Add(Job{Cron: "0 * * * *", Workflow: "flows/a.json"})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	err = sched.Add(Job{ID: "bad", Cron: "nope", Workflow: "flows/b.json"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = sched.Add(Job{ID: "empty", Cron: "@hourly"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTickRunsDueJobs(t *testing.T) {
	runner := &mockRunner{}
	sched, clock := newTestScheduler(runner)
	ctx := context.Background()

	require.NoError(t, sched.Add(Job{ID: "hourly", Cron: "0 * * * *", Workflow: "a.json", Input: map[string]any{"k": "v"}}))

	sched.tick(ctx)
	sched.runs.Wait()
	assert.Equal(t, 0, runner.callCount(), "not due yet")

	clock.Advance(time.Hour)
	sched.tick(ctx)
	sched.runs.Wait()
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, runCall{Path: "a.json", Input: map[string]any{"k": "v"}}, runner.calls[0])

	job := sched.Jobs()[0]
	require.NotNil(t, job.LastRunAt)
	assert.Equal(t, clock.Now(), *job.LastRunAt)
	assert.Equal(t, schema.ExecutionStatusCompleted, job.LastStatus)
	assert.Equal(t, "exec-a.json", job.LastExecutionID)
	assert.Equal(t, time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC), *job.NextRunAt)

	sched.tick(ctx)
	sched.runs.Wait()
	assert.Equal(t, 1, runner.callCount(), "next run moved forward")
}

func TestTickRecordsFailures(t *testing.T) {
	runner := &mockRunner{status: schema.ExecutionStatusFailed}
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{ID: "j", Cron: "@hourly", Workflow: "a.json"}))

	clock.Advance(time.Hour)
	sched.tick(context.Background())
	sched.runs.Wait()

	job := sched.Jobs()[0]
	assert.Equal(t, schema.ExecutionStatusFailed, job.LastStatus)
	assert.Equal(t, "step b failed", job.LastError)

	runner.err = errors.New("read a.json: no such file")
	clock.Advance(time.Hour)
	sched.tick(context.Background())
	sched.runs.Wait()

	job = sched.Jobs()[0]
	assert.Equal(t, schema.ExecutionStatusFailed, job.LastStatus)
	assert.Empty(t, job.LastExecutionID)
	assert.Contains(t, job.LastError, "no such file")
}

func TestRunNow(t *testing.T) {
	runner := &mockRunner{}
	sched, _ := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{ID: "j", Cron: "@daily", Workflow: "a.json"}))

	require.NoError(t, sched.RunNow(context.Background(), "j"))
	assert.Equal(t, 1, runner.callCount())

	err := sched.RunNow(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRunNow_Dedup(t *testing.T) {
	runner := &mockRunner{block: make(chan struct{})}
	sched, _ := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{ID: "j", Cron: "@daily", Workflow: "a.json"}))

	done := make(chan error, 1)
	go func() { done <- sched.RunNow(context.Background(), "j") }()

	require.Eventually(t, func() bool {
		sched.inflightMu.Lock()
		defer sched.inflightMu.Unlock()
		_, running := sched.inflight["j"]
		return running
	}, time.Second, 5*time.Millisecond)

	err := sched.RunNow(context.Background(), "j")
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	close(runner.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, runner.callCount())
}

func TestRemove(t *testing.T) {
	sched, _ := newTestScheduler(&mockRunner{})
	require.NoError(t, sched.Add(Job{ID: "j", Cron: "@daily", Workflow: "a.json"}))

	require.NoError(t, sched.Remove("j"))
	assert.Empty(t, sched.Jobs())
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(sched.Remove("j")))
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	clock := &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
	sched := NewScheduler(runner, nil, WithClock(clock.Now), WithInterval(5*time.Millisecond))
	require.NoError(t, sched.Add(Job{ID: "j", Cron: "@hourly", Workflow: "a.json"}))
	clock.Advance(time.Hour)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	assert.Error(t, sched.Start(ctx), "double start")

	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")
}

func TestTickRunsJobsConcurrently(t *testing.T) {
	release := make(chan struct{})
	fastDone := make(chan struct{})
	var slowCalls sync.WaitGroup
	slowCalls.Add(1)
	runner := runnerFunc(func(_ context.Context, path string, _ map[string]any) (*engine.ExecutionResult, error) {
		switch path {
		case "slow.json":
			slowCalls.Done()
			<-release
		case "fast.json":
			close(fastDone)
		}
		return &engine.ExecutionResult{ExecutionID: "exec-" + path, Status: schema.ExecutionStatusCompleted}, nil
	})
	sched, clock := newTestScheduler(runner)
	require.NoError(t, sched.Add(Job{ID: "a-slow", Cron: "@hourly", Workflow: "slow.json"}))
	require.NoError(t, sched.Add(Job{ID: "b-fast", Cron: "@hourly", Workflow: "fast.json"}))
	clock.Advance(time.Hour)

	sched.tick(context.Background())
	slowCalls.Wait()
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast job waited for the slow one")
	}

	// The slow job is still in flight, so a second tick does not start it again.
	sched.tick(context.Background())

	close(release)
	sched.runs.Wait()
	for _, job := range sched.Jobs() {
		assert.Equal(t, schema.ExecutionStatusCompleted, job.LastStatus, job.ID)
	}
}

func TestStartStopRepeated(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, nil, WithInterval(time.Millisecond))
	for i := 0; i < 100; i++ {
		require.NoError(t, sched.Start(context.Background()))
		if i%2 == 0 {
			time.Sleep(time.Millisecond)
		}
		require.NoError(t, sched.Stop())
	}
}
