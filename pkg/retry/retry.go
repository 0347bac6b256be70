// Package retry runs operations against flaky backends with bounded,
// policy-driven backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy selects how the delay grows between attempts.
type Policy string

const (
	PolicyFixed       Policy = "fixed"
	PolicyLinear      Policy = "linear"
	PolicyExponential Policy = "exponential"
)

// ErrMaxAttemptsExceeded wraps the last operation error once every attempt
// has failed.
var ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")

// Config holds retry settings. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      bool          `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
	Policy      Policy        `json:"policy" yaml:"policy" mapstructure:"policy"`

	// IsRetryable decides whether an error is worth another attempt. Nil
	// retries everything except context cancellation.
	IsRetryable func(error) bool `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Policy:      PolicyExponential,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.IsRetryable == nil {
		c.IsRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return c
}

// Do runs op until it succeeds, a non-retryable error occurs, the context
// is canceled, or MaxAttempts is reached.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(cfg.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttemptsExceeded, cfg.MaxAttempts, lastErr)
}

func (c Config) delay(attempt int) time.Duration {
	var delay time.Duration
	switch c.Policy {
	case PolicyFixed:
		delay = c.BaseDelay
	case PolicyLinear:
		delay = time.Duration(int64(c.BaseDelay) * int64(attempt))
	default:
		delay = time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		// Up to ±10%, never negative.
		jitter := (rand.Float64() - 0.5) * 0.2 * float64(delay)
		if adjusted := float64(delay) + jitter; adjusted > 0 {
			delay = time.Duration(adjusted)
		}
	}
	return delay
}
