package shared

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	initialBackoffDelay = 100 * time.Millisecond
	maxBackoffDelay     = 10 * time.Second
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultRetryConfig returns the dial retry policy used by the host.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      initialBackoffDelay,
		MaxDelay:          maxBackoffDelay,
		BackoffMultiplier: 2.0,
		JitterPercent:     10.0,
	}
}

// Backoff returns the delay before the given attempt (1-based).
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.InitialDelay
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1)))
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}
	return delay + cryptoJitter(float64(delay)*c.JitterPercent/100)
}

// cryptoJitter returns a random duration in [0, maxJitter).
func cryptoJitter(maxJitter float64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	ratio := float64(binary.LittleEndian.Uint64(b[:])) / float64(^uint64(0))
	return time.Duration(ratio * maxJitter)
}

// isRetryableError reports whether err is a transport hiccup rather than a
// definite answer from the TA.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var teeErr *Error
	if errors.As(err, &teeErr) {
		return teeErr.Kind == ErrCommunication || teeErr.Kind == ErrBusy
	}
	return true
}

// RetryWithBackoff runs operation until it succeeds, returns a
// non-retryable error, runs out of attempts, or ctx ends.
func RetryWithBackoff(ctx context.Context, config *RetryConfig, operation func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) || attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Backoff(attempt)):
		}
	}
	return lastErr
}
