// Package backoff provides deterministic retry delays and a small retry
// helper for transient infrastructure errors.
//
// Policies are deliberately jitter-free: the rescheduler must produce the
// same schedule for the same attempt number, otherwise retry behaviour
// cannot be asserted in tests.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy computes the delay before the next attempt. attempt is 1-indexed
// (1 = the first attempt just failed).
type Policy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles Base per failed attempt, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (p Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	return d
}

// Fixed waits the same Interval after every failed attempt.
type Fixed struct {
	Interval time.Duration
}

func (p Fixed) Delay(int) time.Duration { return p.Interval }

// Config controls Do.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// Policy supplies the wait between attempts. Defaults to Exponential
	// with a one second base.
	Policy Policy
	// OnRetry is called after a failed attempt and before the next delay.
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times, waiting cfg.Policy.Delay
// between attempts. Returns nil on first success, or the last error after
// all attempts. Used for infrastructure writes that must not be recorded
// as job failures.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Policy == nil {
		cfg.Policy = Exponential{Base: time.Second}
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
		select {
		case <-time.After(cfg.Policy.Delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
