package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per step type circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts before opening.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before letting a probe through.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns 5 failures, 30s cooldown, 1 probe.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	state     CircuitState
	failures  int
	openedAt  time.Time
	halfProbe int
}

// CircuitBreakers tracks consecutive failures per step type so a failing
// collaborator (an AI provider, for instance) is not hammered by every execution.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates breakers sharing config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a step of stepType may run, or a permanent
// circuit_open step error when its breaker rejects the call.
func (c *CircuitBreakers) Allow(stepType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(stepType)

	switch b.state {
	case CircuitOpen:
		if c.now().Sub(b.openedAt) < c.config.Cooldown {
			return &schema.StepError{
				Kind:      schema.ErrorKindCircuitOpen,
				Message:   fmt.Sprintf("circuit open for step type %q after %d consecutive failures", stepType, b.failures),
				Permanent: true,
			}
		}
		b.state = CircuitHalfOpen
		b.halfProbe = 1
		return nil

	case CircuitHalfOpen:
		if b.halfProbe >= c.config.HalfOpenMax {
			return &schema.StepError{
				Kind:      schema.ErrorKindCircuitOpen,
				Message:   fmt.Sprintf("circuit half-open for step type %q, probe in flight", stepType),
				Permanent: true,
			}
		}
		b.halfProbe++
	}
	return nil
}

// Record feeds the outcome of one attempt and returns the resulting state.
func (c *CircuitBreakers) Record(stepType string, success bool) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(stepType)

	if success {
		b.state = CircuitClosed
		b.failures = 0
		b.halfProbe = 0
		return b.state
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= c.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = c.now()
	}
	return b.state
}

// State returns the current state for stepType.
func (c *CircuitBreakers) State(stepType string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.get(stepType)
	if b.state == CircuitOpen && c.now().Sub(b.openedAt) >= c.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (c *CircuitBreakers) get(stepType string) *breaker {
	b, ok := c.breakers[stepType]
	if !ok {
		b = &breaker{}
		c.breakers[stepType] = b
	}
	return b
}
