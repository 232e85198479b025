package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	apperrors "github.com/storyforge/storyforge/pkg/errors"
)

// Classification is the result of inspecting an error
type Classification struct {
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`
}

// Classifier maps errors to a category and severity
type Classifier interface {
	Classify(err error) Classification
}

// defaultSeverities maps each category to its baseline severity
var defaultSeverities = map[ErrorCategory]ErrorSeverity{
	CategoryNetwork:            SeverityMedium,
	CategoryResourceExhaustion: SeverityHigh,
	CategoryModelLoading:       SeverityHigh,
	CategoryInference:          SeverityMedium,
	CategoryInputValidation:    SeverityLow,
	CategoryTimeout:            SeverityMedium,
	CategoryUnknown:            SeverityMedium,
}

// SeverityFor returns the baseline severity for a category
func SeverityFor(category ErrorCategory) ErrorSeverity {
	if severity, ok := defaultSeverities[category]; ok {
		return severity
	}
	return SeverityMedium
}

type classificationRule struct {
	category   ErrorCategory
	substrings []string
}

// Message rules are checked in order, so the more specific categories
// come before the generic ones.
var defaultRules = []classificationRule{
	{CategoryModelLoading, []string{
		"model load", "failed to load model", "model not found",
		"checkpoint", "safetensors", "loading model", "model is loading",
	}},
	{CategoryResourceExhaustion, []string{
		"out of memory", "oom", "cuda out of memory", "vram",
		"no space left", "resource exhausted", "too many requests",
		"queue full", "overloaded",
	}},
	{CategoryTimeout, []string{
		"timeout", "timed out", "deadline exceeded",
	}},
	{CategoryNetwork, []string{
		"connection refused", "connection reset", "no such host",
		"broken pipe", "network is unreachable", "unexpected eof",
		"connection closed", "dial tcp",
	}},
	{CategoryInputValidation, []string{
		"invalid", "validation", "malformed", "unsupported",
		"missing required", "bad request",
	}},
	{CategoryInference, []string{
		"inference", "nan detected", "tensor", "sampler", "generation failed",
	}},
}

// RuleBasedClassifier classifies errors by typed inspection first and
// message content second
type RuleBasedClassifier struct {
	rules []classificationRule
}

// NewClassifier creates a classifier with the default rule set
func NewClassifier() *RuleBasedClassifier {
	return &RuleBasedClassifier{rules: defaultRules}
}

// Classify resolves an error to its category and severity. Typed errors
// win over message matching, so wrapped application errors keep their
// intended category no matter how the message reads.
func (c *RuleBasedClassifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTimeout, Severity: SeverityFor(CategoryTimeout)}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}

	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return Classification{Category: CategoryResourceExhaustion, Severity: SeverityHigh}
	}
	var limitErr *ConcurrencyLimitError
	if errors.As(err, &limitErr) {
		return Classification{Category: CategoryResourceExhaustion, Severity: SeverityMedium}
	}
	var exhaustedErr *FallbackExhaustedError
	if errors.As(err, &exhaustedErr) {
		return c.classifyExhausted(exhaustedErr)
	}

	if appErr, ok := apperrors.AsAppError(err); ok {
		if cls, ok := c.classifyAppError(appErr); ok {
			return cls
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Category: CategoryTimeout, Severity: SeverityFor(CategoryTimeout)}
		}
		return Classification{Category: CategoryNetwork, Severity: SeverityFor(CategoryNetwork)}
	}

	message := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		for _, fragment := range rule.substrings {
			if strings.Contains(message, fragment) {
				return Classification{Category: rule.category, Severity: SeverityFor(rule.category)}
			}
		}
	}

	return Classification{Category: CategoryUnknown, Severity: SeverityFor(CategoryUnknown)}
}

func (c *RuleBasedClassifier) classifyAppError(appErr *apperrors.AppError) (Classification, bool) {
	switch appErr.Type {
	case apperrors.ErrorTypeValidation,
		apperrors.ErrorTypeNotFound,
		apperrors.ErrorTypeConflict,
		apperrors.ErrorTypeAuthentication,
		apperrors.ErrorTypeAuthorization:
		return Classification{Category: CategoryInputValidation, Severity: SeverityFor(CategoryInputValidation)}, true
	case apperrors.ErrorTypeTimeout:
		return Classification{Category: CategoryTimeout, Severity: SeverityFor(CategoryTimeout)}, true
	case apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeResourceExhausted:
		return Classification{Category: CategoryResourceExhaustion, Severity: SeverityFor(CategoryResourceExhaustion)}, true
	case apperrors.ErrorTypeModelLoading:
		return Classification{Category: CategoryModelLoading, Severity: SeverityFor(CategoryModelLoading)}, true
	case apperrors.ErrorTypeInference:
		return Classification{Category: CategoryInference, Severity: SeverityFor(CategoryInference)}, true
	case apperrors.ErrorTypeExternal:
		return Classification{Category: CategoryNetwork, Severity: SeverityFor(CategoryNetwork)}, true
	default:
		return Classification{}, false
	}
}

// classifyExhausted takes the category of the final stage error and the
// worst severity seen across all stages
func (c *RuleBasedClassifier) classifyExhausted(err *FallbackExhaustedError) Classification {
	if len(err.Errors) == 0 {
		return Classification{Category: CategoryUnknown, Severity: SeverityHigh}
	}

	result := c.Classify(err.Errors[len(err.Errors)-1])
	for _, stageErr := range err.Errors[:len(err.Errors)-1] {
		if cls := c.Classify(stageErr); cls.Severity > result.Severity {
			result.Severity = cls.Severity
		}
	}
	return result
}
