package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// cmdServe runs the MCP stdio server, the cron scheduler and the metrics
// endpoint until SIGINT/SIGTERM. SIGHUP reloads the schedules.
func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	withMCP := fs.Bool("mcp", true, "serve MCP tools over stdio")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := writePIDFile(); err != nil {
		a.logger.Warn("cannot write pid file", "error", err.Error())
	}
	defer os.Remove(pidPath())

	sched := scheduler.NewScheduler(a, a.logger)
	if err := applySchedules(sched, nil, a.cfg.Schedules); err != nil {
		a.logger.Warn("some schedules were rejected", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if a.cfg.MetricsAddr != "" {
		srv := metricsServer(a)
		go func() {
			a.logger.Info("metrics endpoint listening", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics endpoint failed", "error", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadLoop(ctx, a, sched, hup)

	a.logger.Info("stepflow serving", "version", version, "mcp", *withMCP, "schedules", len(a.cfg.Schedules))
	if !*withMCP {
		<-ctx.Done()
		return nil
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:  a.engine,
		Store:   a.store,
		Events:  a.hub,
		Version: version,
		Logger:  a.logger,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsServer(a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// reloadLoop re-reads the configuration on every SIGHUP and applies the
// schedule changes. Other changes are logged as needing a restart.
func reloadLoop(ctx context.Context, a *app, sched *scheduler.Scheduler, hup <-chan os.Signal) {
	current := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			diff := diffConfigs(current, next)
			if diff.SchedulesChanged {
				if err := applySchedules(sched, current.Schedules, next.Schedules); err != nil {
					a.logger.Warn("some schedules were rejected", "error", err.Error())
				}
			}
			if len(diff.RestartNeeded) > 0 {
				a.logger.Warn("configuration changes require a restart", "fields", diff.RestartNeeded)
			}
			a.logger.Info("configuration reloaded", "schedules_changed", diff.SchedulesChanged)
			current = next
		}
	}
}

// applySchedules replaces the jobs of old with those of next.
func applySchedules(sched *scheduler.Scheduler, old, next []scheduler.Job) error {
	var errs []error
	for _, job := range old {
		if err := sched.Remove(jobID(job)); err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
			errs = append(errs, err)
		}
	}
	for _, job := range next {
		if err := sched.Add(job); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", jobID(job), err))
		}
	}
	return errors.Join(errs...)
}

func jobID(job scheduler.Job) string {
	if job.ID != "" {
		return job.ID
	}
	return job.Workflow
}

func writePIDFile() error {
	if err := os.MkdirAll(stepflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

