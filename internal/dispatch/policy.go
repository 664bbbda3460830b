// Package dispatch wraps calls to the generative service with retry and
// reply-length enforcement.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/persona-relay/internal/llm"
)

// Policy describes how a failing upstream call is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialWait is the wait after the first failure and the floor for every wait.
	InitialWait time.Duration
	// MaxWait caps any single wait.
	MaxWait time.Duration
	// Multiplier grows the wait after each failure.
	Multiplier float64
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy retries transient upstream errors five times, waiting 4s, 8s,
// 16s and then 30s between attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		InitialWait: 4 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
		Retryable:   llm.IsTransient,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(p.InitialWait)
	for i := 1; i < attempt; i++ {
		wait *= mult
		if p.MaxWait > 0 && wait >= float64(p.MaxWait) {
			return p.MaxWait
		}
	}
	d := time.Duration(wait)
	if d < p.InitialWait {
		d = p.InitialWait
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt ceiling is reached. Exhaustion wraps the last error in ErrUnavailable;
// non-retryable errors are returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		slog.Warn("transient upstream failure, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait,
			"error", lastErr)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, lastErr)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
