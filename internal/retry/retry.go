// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultPolicy returns 4 attempts starting at 100ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the backoff before attempt+1, i.e. BaseDelay * 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls op until it succeeds, returns an error that shouldRetry rejects,
// or the attempts are exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, op func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(p.Delay(attempt)):
			}
		}
	}
	return lastErr
}
