package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// PrometheusCollector implements engine.MetricsRecorder on Prometheus vectors.
// Labels stay low-cardinality: execution ids never become label values.
type PrometheusCollector struct {
	executionStarted  *prometheus.CounterVec
	executionFinished *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsRunning *prometheus.GaugeVec

	stepStarted  *prometheus.CounterVec
	stepFinished *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	levelWidth   *prometheus.HistogramVec
}

// NewPrometheusCollector registers the stepflow metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusCollector{
		executionStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_execution_started_total",
				Help: "Total number of workflow executions started",
			},
			[]string{"workflow_id"},
		),
		executionFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_execution_finished_total",
				Help: "Total number of workflow executions finished, by final status",
			},
			[]string{"workflow_id", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_execution_duration_seconds",
				Help:    "Duration of workflow executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_id", "status"},
		),
		executionsRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stepflow_executions_running",
				Help: "Workflow executions currently in flight",
			},
			[]string{"workflow_id"},
		),
		stepStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_started_total",
				Help: "Total number of step attempts started",
			},
			[]string{"workflow_id", "step_type"},
		),
		stepFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_finished_total",
				Help: "Total number of step attempts finished, by outcome",
			},
			[]string{"workflow_id", "step_type", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_step_duration_seconds",
				Help:    "Duration of step attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_id", "step_type"},
		),
		stepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_retries_total",
				Help: "Total number of step retries, by error kind",
			},
			[]string{"workflow_id", "step_type", "error_kind"},
		),
		levelWidth: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_level_width",
				Help:    "Number of steps per execution level",
				Buckets: prometheus.ExponentialBuckets(1, 2, 8),
			},
			[]string{"workflow_id"},
		),
	}
}

func (c *PrometheusCollector) RecordExecutionStarted(workflowID string) {
	c.executionStarted.WithLabelValues(workflowID).Inc()
	c.executionsRunning.WithLabelValues(workflowID).Inc()
}

func (c *PrometheusCollector) RecordExecutionFinished(workflowID string, status schema.ExecutionStatus, duration time.Duration) {
	c.executionFinished.WithLabelValues(workflowID, string(status)).Inc()
	c.executionDuration.WithLabelValues(workflowID, string(status)).Observe(duration.Seconds())
	c.executionsRunning.WithLabelValues(workflowID).Dec()
}

func (c *PrometheusCollector) RecordStepStarted(workflowID, stepType string) {
	c.stepStarted.WithLabelValues(workflowID, stepType).Inc()
}

func (c *PrometheusCollector) RecordStepFinished(workflowID, stepType string, success bool, duration time.Duration) {
	c.stepFinished.WithLabelValues(workflowID, stepType, outcome(success)).Inc()
	c.stepDuration.WithLabelValues(workflowID, stepType).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepRetry(workflowID, stepType, errorKind string) {
	c.stepRetries.WithLabelValues(workflowID, stepType, errorKind).Inc()
}

func (c *PrometheusCollector) RecordLevelWidth(workflowID string, width int) {
	c.levelWidth.WithLabelValues(workflowID).Observe(float64(width))
}

func outcome(success bool) string {
	return strconv.FormatBool(success)
}

var _ engine.MetricsRecorder = (*PrometheusCollector)(nil)
