package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/stepflow/internal/ai"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	registry *prometheus.Registry
	engine   *engine.Coordinator
}

// newApp opens the store and wires the engine from cfg. Logs go to logOut.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	exprs, err := expressions.NewSet()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	aiCfg := cfg.AI.clientConfig()
	aiCfg.Logger = logger
	aiClient, err := ai.New(aiCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ai client: %w", err)
	}
	reg, err := steps.NewBuiltinRegistry(steps.Builtins{
		AI:          aiClient,
		Expressions: exprs,
		Schemas:     validation.NewCompiler(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := streaming.NewMemoryHub()

	coord := engine.NewCoordinator(reg, engine.Config{
		MaxParallelSteps: cfg.MaxParallelSteps,
		Retry:            cfg.Retry,
		Logger:           logger,
		Metrics:          metrics.NewPrometheusCollector(promReg),
		Events:           hub,
		Guards:           exprs.CEL,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		hub:      hub,
		registry: promReg,
		engine:   coord,
	}, nil
}

// Close releases the store.
func (a *app) Close() error {
	return a.store.Close()
}

// RunWorkflow loads the workflow document at path, executes it and records
// the result. It implements scheduler.WorkflowRunner.
func (a *app) RunWorkflow(ctx context.Context, path string, input map[string]any) (*engine.ExecutionResult, error) {
	def, err := loadDefinition(path)
	if err != nil {
		return nil, err
	}
	return a.execute(ctx, def, input, engine.WithExecutionID(uuid.NewString()))
}

func (a *app) execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, opts ...engine.RunOption) (*engine.ExecutionResult, error) {
	result, err := a.engine.ExecuteWorkflow(ctx, def, input, opts...)
	if err != nil {
		return nil, err
	}
	if recErr := store.Record(context.WithoutCancel(ctx), a.store, def, input, result); recErr != nil {
		a.logger.WarnContext(ctx, "failed to record execution",
			"execution_id", result.ExecutionID, "error", recErr.Error())
	}
	return result, nil
}

// loadDefinition reads and validates a workflow document.
func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read workflow %s", path).WithCause(err)
	}
	return validation.ParseDefinition(raw)
}
