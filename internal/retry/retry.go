// Package retry implements exponential backoff for transient store, queue and
// collaborator failures.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dandantas/reelforge/internal/model"
)

// Config represents retry configuration
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// SetDefaults sets default values for retry configuration
func (c *Config) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
}

// Strategy handles exponential backoff retry logic
type Strategy struct {
	config Config
}

// NewStrategy creates a new retry strategy
func NewStrategy(config Config) *Strategy {
	config.SetDefaults()
	return &Strategy{config: config}
}

// CalculateDelay calculates the delay for a given attempt using exponential backoff
// Formula: delay = min(initial_delay * (multiplier ^ (attempt-1)), max_delay)
func (s *Strategy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(s.config.InitialDelay) * math.Pow(s.config.Multiplier, float64(attempt-1))
	if delay > float64(s.config.MaxDelay) {
		delay = float64(s.config.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after err. Only
// errors classified as retryable qualify.
func (s *Strategy) ShouldRetry(attempt int, err error) bool {
	if attempt >= s.config.MaxAttempts {
		return false
	}
	return model.IsRetryable(err)
}

// ShouldRetryStatus applies the HTTP retry policy: transport errors, 5xx and
// 429 are retried, other 4xx are not
func (s *Strategy) ShouldRetryStatus(attempt int, statusCode int, err error) bool {
	if attempt >= s.config.MaxAttempts {
		return false
	}
	if err != nil {
		return true
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	if statusCode == 429 {
		return true
	}
	if statusCode >= 400 && statusCode < 500 {
		return false
	}
	return statusCode >= 300
}

// MaxAttempts returns the maximum number of attempts
func (s *Strategy) MaxAttempts() int {
	return s.config.MaxAttempts
}

// ExhaustedError is returned once every attempt failed with a retryable
// error. It is fatal for the operation that produced it.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) ErrorKind() string { return model.KindFatal }

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of
// attempts
func Do[T any](ctx context.Context, s *Strategy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !model.IsRetryable(err) {
			return zero, err
		}
		if !s.ShouldRetry(attempt, err) {
			return zero, &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}

		delay := s.CalculateDelay(attempt)
		slog.Warn("Operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", s.config.MaxAttempts,
			"next_retry_ms", delay.Milliseconds(),
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Run is Do for operations without a result
func Run(ctx context.Context, s *Strategy, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
