package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool // spread each delay by up to ±25%
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(Backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

// Backoff returns the delay after the given failed attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter && delay > 0 {
		spread := delay / 4
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}
