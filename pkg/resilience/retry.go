package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/storyforge/storyforge/pkg/logging"
)

// BackoffStrategy selects how the delay between retry attempts grows
type BackoffStrategy string

const (
	// BackoffFixed waits the base delay between every attempt
	BackoffFixed BackoffStrategy = "FIXED"
	// BackoffLinear waits base delay multiplied by the attempt number
	BackoffLinear BackoffStrategy = "LINEAR"
	// BackoffExponential doubles the delay each attempt, capped at the
	// max delay
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	// BackoffJittered spreads the exponential delay by up to half its
	// value in either direction
	BackoffJittered BackoffStrategy = "JITTERED"
)

// RetryPolicy configures retry behavior for an operation
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int
	// BaseDelay is the starting delay between attempts
	BaseDelay time.Duration
	// MaxDelay caps the computed delay, 0 means no cap
	MaxDelay time.Duration
	// Strategy selects the backoff curve
	Strategy BackoffStrategy
	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns a policy suited to transient engine failures
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Strategy:    BackoffJittered,
	}
}

// Validate checks the policy for unusable values
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: base delay cannot be negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry policy: max delay cannot be negative, got %s", p.MaxDelay)
	}
	return nil
}

// NextDelay computes the delay after the given 1-based attempt number
// has failed
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch p.Strategy {
	case BackoffFixed:
		return p.clamp(p.BaseDelay)
	case BackoffLinear:
		return p.clamp(time.Duration(attempt) * p.BaseDelay)
	case BackoffExponential:
		return p.exponentialDelay(attempt)
	case BackoffJittered:
		delay := p.exponentialDelay(attempt)
		jitter := time.Duration((rand.Float64() - 0.5) * float64(delay))
		if delay += jitter; delay < 0 {
			delay = 0
		}
		return delay
	default:
		return p.clamp(p.BaseDelay)
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt failed with an error of the given category. Validation
// errors are never retried and unclassified errors are retried at most
// once.
func (p *RetryPolicy) ShouldRetry(attempt int, category ErrorCategory) bool {
	if attempt >= p.MaxAttempts {
		return false
	}

	switch category {
	case CategoryInputValidation:
		return false
	case CategoryUnknown:
		return attempt < 2
	default:
		return true
	}
}

func (p *RetryPolicy) exponentialDelay(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	return p.clamp(delay)
}

func (p *RetryPolicy) clamp(delay time.Duration) time.Duration {
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RetryManager runs operations under a retry policy, using error
// classification to decide which failures are worth another attempt
type RetryManager struct {
	classifier Classifier
	logger     *logging.Logger
}

// NewRetryManager creates a retry manager. A nil classifier falls back
// to the default rule set.
func NewRetryManager(classifier Classifier) *RetryManager {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &RetryManager{
		classifier: classifier,
		logger:     logging.GetLogger(),
	}
}

// Retry executes the operation under the policy and returns its result.
// Circuit breaker rejections and caller cancellation stop the loop
// immediately.
func (m *RetryManager) Retry(ctx context.Context, policy RetryPolicy, operation Operation) (interface{}, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		value, err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", policy.MaxAttempts,
				)
			}
			return value, nil
		}

		lastErr = err
		attempts = attempt

		// Retrying against a tripped breaker only burns the backoff
		// budget, surface the rejection to the caller.
		if IsCircuitOpenError(err) || IsConcurrencyLimitError(err) {
			return nil, err
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}

		classification := m.classifier.Classify(err)
		if !policy.ShouldRetry(attempt, classification.Category) {
			if classification.Category == CategoryInputValidation {
				return nil, err
			}
			break
		}

		delay := policy.NextDelay(attempt)
		m.logger.Debug("Operation failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay.String(),
			"category", string(classification.Category),
			"error", err.Error(),
		)

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// Call executes an operation that returns only an error
func (m *RetryManager) Call(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := m.Retry(ctx, policy, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Retry executes fn under the given policy with a default classifier
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return NewRetryManager(nil).Call(ctx, policy, fn)
}

// RetryWithResult executes an operation under the given policy with a
// default classifier and returns its result
func RetryWithResult(ctx context.Context, policy RetryPolicy, operation Operation) (interface{}, error) {
	return NewRetryManager(nil).Retry(ctx, policy, operation)
}
