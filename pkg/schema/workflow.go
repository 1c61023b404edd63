package schema

// WorkflowDefinition is the JSON-serializable node/edge description of a workflow.
// The engine only reads it.
type WorkflowDefinition struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Nodes    []WorkflowNode `json:"nodes"`
	Edges    []WorkflowEdge `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WorkflowNode is one step of a workflow. Type selects the step executor,
// Data carries the step-specific configuration.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// Position is editor metadata, ignored by execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowEdge declares that Target depends on Source.
type WorkflowEdge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type,omitempty"`
}

// Built-in step types.
const (
	StepTypeInput          = "input"
	StepTypeProcess        = "process"
	StepTypeOutput         = "output"
	StepTypeAI             = "ai"
	StepTypeDataValidation = "data_validation"
	StepTypeDefault        = "default"
	StepTypeHTTP           = "http"
)

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*WorkflowNode, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// String returns Data[key] when it is a non-empty string, else def.
func (n *WorkflowNode) String(key, def string) string {
	if n == nil || n.Data == nil {
		return def
	}
	if s, ok := n.Data[key].(string); ok && s != "" {
		return s
	}
	return def
}

// RetryConfig configures the retry policy shared by all executions of an engine.
type RetryConfig struct {
	MaxAttempts       int      `json:"max_attempts"`
	DelaySeconds      float64  `json:"delay_seconds"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	RetryableErrors   []string `json:"retryable_errors,omitempty"` // empty: every kind is retryable
}

// DefaultRetryConfig returns 3 attempts, 1s base delay, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, DelaySeconds: 1.0, BackoffMultiplier: 2.0}
}

// Normalize clamps out-of-range values.
func (c RetryConfig) Normalize() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.DelaySeconds < 0 {
		c.DelaySeconds = 0
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	return c
}

// IsRetryableKind reports whether kind passes the whitelist.
func (c RetryConfig) IsRetryableKind(kind string) bool {
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, k := range c.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}
