package pool

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/navicore/navipod/pkg/cache"
)

// RetryConfig holds the configuration for retrying failed fetches.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the randomization factor applied to every delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// forClass adjusts the configuration for an error class.
func (c RetryConfig) forClass(class cache.ErrorClass) RetryConfig {
	switch class {
	case cache.ClassRateLimited:
		// the API server asked us to slow down - longer backoff
		c.InitialBackoff *= 4
		if c.InitialBackoff > c.MaxBackoff {
			c.InitialBackoff = c.MaxBackoff
		}
		return c
	default:
		return c
	}
}

// retryState tracks backoff progress for one task across attempts.
type retryState struct {
	class cache.ErrorClass
	b     *backoff.ExponentialBackOff
}

func newRetryState(cfg RetryConfig, class cache.ErrorClass) *retryState {
	cfg = cfg.forClass(class)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return &retryState{class: class, b: b}
}

// next returns the delay before the following attempt.
func (r *retryState) next() time.Duration {
	return r.b.NextBackOff()
}
