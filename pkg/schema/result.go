package schema

// Error kinds attached to failed step results.
const (
	ErrorKindStep        = "step_error"
	ErrorKindValidation  = "validation_error"
	ErrorKindConfig      = "configuration_error"
	ErrorKindTimeout     = "timeout"
	ErrorKindNetwork     = "network_error"
	ErrorKindRateLimit   = "rate_limit"
	ErrorKindServer      = "server_error"
	ErrorKindExpression  = "expression_error"
	ErrorKindCircuitOpen = "circuit_open"
	ErrorKindSystem      = "system_error"
	ErrorKindClient      = "client_error"
)

// StepExecutionResult is the outcome of one step executor invocation.
type StepExecutionResult struct {
	Success      bool           `json:"success"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Permanent    bool           `json:"permanent,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
}

// StepSucceeded returns a successful result carrying out.
func StepSucceeded(out map[string]any) *StepExecutionResult {
	if out == nil {
		out = map[string]any{}
	}
	return &StepExecutionResult{Success: true, OutputData: out}
}

// StepFailed returns a failed result. A failed result always carries a message.
func StepFailed(kind, message string, permanent bool) *StepExecutionResult {
	if message == "" {
		message = "step failed"
	}
	if kind == "" {
		kind = ErrorKindStep
	}
	return &StepExecutionResult{ErrorMessage: message, ErrorKind: kind, Permanent: permanent}
}

// Kind implements the error-kind lookup used by the retry whitelist.
func (r *StepExecutionResult) Kind() string {
	return r.ErrorKind
}

// Err converts a failed result into a *StepError, or nil on success.
func (r *StepExecutionResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &StepError{Kind: r.ErrorKind, Message: r.ErrorMessage, Permanent: r.Permanent}
}

// StepError is a modeled step failure flowing into the retry policy.
type StepError struct {
	StepID    string
	Kind      string
	Message   string
	Permanent bool
}

func (e *StepError) Error() string {
	return e.Message
}

// ErrorKind returns the error-kind name.
func (e *StepError) ErrorKind() string {
	return e.Kind
}
