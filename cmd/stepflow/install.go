package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
)

// cmdInstall writes settings.json from flags, keeping the schedules of an
// existing file, and asks a running server to reload.
func cmdInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.stepflow/stepflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "json", "log format: json, text")
	maxParallel := fs.Int("max-parallel-steps", 10, "in-flight steps per level")
	metricsAddr := fs.String("metrics-addr", "", "address of the /metrics endpoint (empty disables it)")
	aiBaseURL := fs.String("ai-base-url", "", "OpenAI-compatible API base URL")
	aiModel := fs.String("ai-model", "", "default model for ai steps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := stepflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	path := settingsPath()
	cfg := loadConfigFrom(path, func(string) string { return "" })
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MaxParallelSteps = *maxParallel
	cfg.MetricsAddr = *metricsAddr
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "stepflow.db")
	}
	if *aiBaseURL != "" {
		cfg.AI.BaseURL = *aiBaseURL
	}
	if *aiModel != "" {
		cfg.AI.Model = *aiModel
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	signalRunningServer()
	return nil
}

// signalRunningServer sends SIGHUP to a running stepflow server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
