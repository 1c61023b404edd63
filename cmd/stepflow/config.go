package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/stepflow/internal/ai"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/pkg/schema"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string             `json:"db_path"`
	LogLevel         string             `json:"log_level"`
	LogFormat        string             `json:"log_format"`
	MaxParallelSteps int                `json:"max_parallel_steps"`
	Retry            schema.RetryConfig `json:"retry"`
	AI               AIConfig           `json:"ai"`
	MetricsAddr      string             `json:"metrics_addr"` // empty disables the /metrics endpoint
	Schedules        []scheduler.Job    `json:"schedules,omitempty"`
}

// AIConfig configures the AI provider used by ai steps.
type AIConfig struct {
	BaseURL           string            `json:"base_url"`
	APIKey            string            `json:"api_key,omitempty"`
	Model             string            `json:"model"`
	TimeoutSeconds    float64           `json:"timeout_seconds"`
	RequestsPerSecond float64           `json:"requests_per_second"`
	SystemPrompt      string            `json:"system_prompt,omitempty"`
	SendContext       bool              `json:"send_context"`
	Templates         map[string]string `json:"templates,omitempty"`
}

// clientConfig converts the settings into an ai.Config.
func (c AIConfig) clientConfig() ai.Config {
	return ai.Config{
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Timeout:           time.Duration(c.TimeoutSeconds * float64(time.Second)),
		RequestsPerSecond: c.RequestsPerSecond,
		SystemPrompt:      c.SystemPrompt,
		SendContext:       c.SendContext,
		Templates:         c.Templates,
	}
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:         "info",
		LogFormat:        "json",
		MaxParallelSteps: 10,
		Retry:            schema.DefaultRetryConfig(),
		AI: AIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 60,
		},
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(stepflowDir(), "stepflow.pid")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("STEPFLOW_MAX_PARALLEL_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelSteps = n
		}
	}
	if v := getenv("STEPFLOW_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := getenv("STEPFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("STEPFLOW_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := getenv("STEPFLOW_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := getenv("STEPFLOW_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}

	cfg.Retry = cfg.Retry.Normalize()
	return cfg
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	SchedulesChanged bool
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !reflect.DeepEqual(old.Schedules, new.Schedules) {
		d.SchedulesChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogLevel != new.LogLevel || old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_level")
	}
	if old.MaxParallelSteps != new.MaxParallelSteps {
		d.RestartNeeded = append(d.RestartNeeded, "max_parallel_steps")
	}
	if !reflect.DeepEqual(old.Retry, new.Retry) {
		d.RestartNeeded = append(d.RestartNeeded, "retry")
	}
	if !reflect.DeepEqual(old.AI, new.AI) {
		d.RestartNeeded = append(d.RestartNeeded, "ai")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	return d
}
