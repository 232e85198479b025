package resilience

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies a failure by its operational cause
type ErrorCategory string

const (
	// CategoryNetwork - connectivity failures reaching an engine or dependency
	CategoryNetwork ErrorCategory = "NETWORK"
	// CategoryResourceExhaustion - memory, VRAM, disk or worker saturation
	CategoryResourceExhaustion ErrorCategory = "RESOURCE_EXHAUSTION"
	// CategoryModelLoading - model checkpoint load or initialization failures
	CategoryModelLoading ErrorCategory = "MODEL_LOADING"
	// CategoryInference - the model ran and produced a failure
	CategoryInference ErrorCategory = "INFERENCE"
	// CategoryInputValidation - malformed or rejected request input
	CategoryInputValidation ErrorCategory = "INPUT_VALIDATION"
	// CategoryTimeout - an operation exceeded its deadline
	CategoryTimeout ErrorCategory = "TIMEOUT"
	// CategoryUnknown - anything that could not be classified
	CategoryUnknown ErrorCategory = "UNKNOWN"
)

// ErrorSeverity ranks how damaging a failure is. Values are ordered so
// severities can be compared directly.
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON serializes the severity as its string form
func (s ErrorSeverity) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// UnmarshalJSON parses the string form of a severity
func (s *ErrorSeverity) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity: %s", data)
	}
	return nil
}

// ErrorRecord captures one classified failure for analytics
type ErrorRecord struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Operation string        `json:"operation"`
	Message   string        `json:"message"`
	Recovered bool          `json:"recovered"`
}

// CircuitOpenError is returned when a circuit breaker rejects a call
// because it is open, or half-open with all probe slots taken
type CircuitOpenError struct {
	Name       string
	State      CircuitState
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker '%s' is %s, retry after %s", e.Name, e.State, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitOpenError checks if an error is a circuit breaker rejection
func IsCircuitOpenError(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}

// ConcurrencyLimitError is returned when a circuit breaker rejects a call
// because its concurrent call limit is reached. Calls are never queued.
type ConcurrencyLimitError struct {
	Name  string
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' concurrency limit of %d reached", e.Name, e.Limit)
}

// IsConcurrencyLimitError checks if an error is a concurrency limit rejection
func IsConcurrencyLimitError(err error) bool {
	var clErr *ConcurrencyLimitError
	return errors.As(err, &clErr)
}

// FallbackExhaustedError is returned when every stage of a fallback chain
// failed. Errors holds each stage error in attempt order.
type FallbackExhaustedError struct {
	Chain    string
	Attempts int
	Errors   []error
}

func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("fallback chain '%s' exhausted after %d attempts: [%s]", e.Chain, e.Attempts, strings.Join(parts, "; "))
}

// Unwrap exposes the stage errors for errors.Is and errors.As
func (e *FallbackExhaustedError) Unwrap() []error {
	return e.Errors
}

// IsFallbackExhaustedError checks if an error is a fallback chain exhaustion
func IsFallbackExhaustedError(err error) bool {
	var fbErr *FallbackExhaustedError
	return errors.As(err, &fbErr)
}
