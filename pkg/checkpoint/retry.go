package checkpoint

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/scenesmith/scenesmith/pkg/errors"
)

// RetryStrategy implements exponential backoff for retrying failed steps.
// Delays double on each attempt and are capped at MaxDelay.
type RetryStrategy struct {
	// MaxRetries is the maximum number of retry attempts after the initial
	// execution. MaxRetries=3 means up to 4 total attempts.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (typically 2.0).
	Multiplier float64

	// Jitter, when true, spreads each delay by ±25% to avoid thundering herd.
	Jitter bool
}

// DefaultRetryStrategy returns the pipeline's standard policy.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   2 * time.Minute,
		Multiplier: 2.0,
	}
}

// Delay returns the backoff delay for the given retry number (1-based).
// The returned value is deterministic unless Jitter is set.
func (s RetryStrategy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := s.BaseDelay
	for i := 1; i < retry; i++ {
		delay = time.Duration(float64(delay) * s.Multiplier)
		if delay >= s.MaxDelay {
			delay = s.MaxDelay
			break
		}
	}
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	if s.Jitter {
		factor := 0.75 + cryptoRandFloat64()*0.5
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// NextRetryAt computes the wall-clock time of the next attempt.
func (s RetryStrategy) NextRetryAt(now time.Time, retry int) time.Time {
	return now.Add(s.Delay(retry))
}

// Exhausted reports whether the retry budget has been spent.
func (s RetryStrategy) Exhausted(retryCount int) bool {
	return retryCount >= s.MaxRetries
}

// RetryWithBackoff runs fn with exponential backoff, doubling the delay on
// each attempt. It is the uniform helper for any transient external call:
// database writes, network fetches, agent invocations. Non-retryable errors
// fail immediately; the final error propagates once retries are exhausted.
func RetryWithBackoff(ctx context.Context, retries int, initialDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", retries, lastErr)
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}
