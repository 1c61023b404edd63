package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// kinded is implemented by errors that carry an error-kind name.
type kinded interface {
	ErrorKind() string
}

// ErrorKind classifies err into the error-kind name checked against the
// retryable_errors whitelist.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var k kinded
	if errors.As(err, &k) && k.ErrorKind() != "" {
		return k.ErrorKind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrorKindTimeout
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeTimeout:
			return schema.ErrorKindTimeout
		case schema.ErrCodeSystem:
			return schema.ErrorKindSystem
		case schema.ErrCodeValidation:
			return schema.ErrorKindValidation
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.ErrorKindTimeout
		}
		return schema.ErrorKindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "broken pipe", "no such host"} {
		if strings.Contains(msg, p) {
			return schema.ErrorKindNetwork
		}
	}
	return schema.ErrorKindStep
}

// IsPermanent reports whether err must not be retried regardless of remaining attempts.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return true
	}

	var se *schema.StepError
	if errors.As(err, &se) {
		return se.Permanent
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return !fe.IsRetryable()
	}
	return false
}

// ComputeBackoff returns delay_seconds * backoff_multiplier^(attempt-1) for a
// 1-based attempt number.
func ComputeBackoff(cfg schema.RetryConfig, attempt int) time.Duration {
	if attempt < 1 || cfg.DelaySeconds <= 0 {
		return 0
	}
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	secs := cfg.DelaySeconds * math.Pow(mult, float64(attempt-1))
	d := time.Duration(secs * float64(time.Second))
	if d < 0 || secs > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return d
}

// TotalBackoff is the sum of every delay slept before giving up after maxAttempts.
func TotalBackoff(cfg schema.RetryConfig, maxAttempts int) time.Duration {
	var total time.Duration
	for a := 1; a < maxAttempts; a++ {
		total += ComputeBackoff(cfg, a)
	}
	return total
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
