// Package retry implements the exponential-backoff attempt scheduler used
// for external-system steps and background jobs.
package retry

import (
	"math"
	"time"

	"github.com/veridact/erasure/pkg/contracts"
)

// Policy derives retry decisions from the workflow's frozen policy.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// FromWorkflowPolicy lifts the retry parameters out of a contracts.Policy.
func FromWorkflowPolicy(p contracts.Policy) Policy {
	return Policy{
		MaxAttempts:  p.MaxRetryAttempts,
		InitialDelay: time.Duration(p.InitialRetryDelayMs) * time.Millisecond,
		Multiplier:   p.RetryBackoffMultiplier,
	}
}

// Delay returns the backoff scheduled after the nth failure (n >= 1),
// i.e. before attempt n+1: initialDelay * multiplier^(n-1). Each delay is
// strictly greater than the previous one since multiplier > 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := math.Pow(p.Multiplier, float64(n-1))
	return time.Duration(float64(p.InitialDelay) * factor)
}

// ShouldRetry reports whether a step with the given attempt count is still
// eligible: attempts < maxAttempts.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Schedule is one precomputed attempt slot.
type Schedule struct {
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Plan precomputes the full attempt schedule from now, attempt 1 running
// immediately. Useful for observability and tests.
func (p Policy) Plan(now time.Time) []Schedule {
	out := make([]Schedule, 0, p.MaxAttempts)
	at := now
	for n := 1; n <= p.MaxAttempts; n++ {
		var d time.Duration
		if n > 1 {
			d = p.Delay(n - 1)
		}
		at = at.Add(d)
		out = append(out, Schedule{Attempt: n, Delay: d, ScheduledAt: at})
	}
	return out
}
