package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storyforge/storyforge/pkg/logging"
)

// FallbackFunc is one stage of a fallback chain. It receives the same
// input as every other stage.
type FallbackFunc func(ctx context.Context, input interface{}) (interface{}, error)

// FallbackStage is a named alternative for producing a result
type FallbackStage struct {
	Name string
	Run  FallbackFunc
}

// FallbackChain is an immutable ordered list of alternatives, the
// primary first. Construct it once and share it freely.
type FallbackChain struct {
	name         string
	stages       []FallbackStage
	maxFallbacks int
}

// NewFallbackChain builds a chain from a primary stage and its ordered
// fallbacks. maxFallbackAttempts limits how many fallback stages may
// run after the primary, 0 means all of them.
func NewFallbackChain(name string, primary FallbackStage, fallbacks []FallbackStage, maxFallbackAttempts int) (*FallbackChain, error) {
	if name == "" {
		return nil, fmt.Errorf("fallback chain name is required")
	}
	if primary.Name == "" {
		return nil, fmt.Errorf("fallback chain '%s': primary stage has no name", name)
	}
	if primary.Run == nil {
		return nil, fmt.Errorf("fallback chain '%s': primary stage '%s' has no function", name, primary.Name)
	}
	for i, stage := range fallbacks {
		if stage.Name == "" {
			return nil, fmt.Errorf("fallback chain '%s': fallback stage %d has no name", name, i)
		}
		if stage.Run == nil {
			return nil, fmt.Errorf("fallback chain '%s': fallback stage '%s' has no function", name, stage.Name)
		}
	}
	if maxFallbackAttempts < 0 {
		return nil, fmt.Errorf("fallback chain '%s': max fallback attempts cannot be negative, got %d", name, maxFallbackAttempts)
	}
	if maxFallbackAttempts > len(fallbacks) {
		return nil, fmt.Errorf("fallback chain '%s': max fallback attempts %d exceeds %d fallback stages", name, maxFallbackAttempts, len(fallbacks))
	}
	if maxFallbackAttempts == 0 {
		maxFallbackAttempts = len(fallbacks)
	}

	stages := make([]FallbackStage, 0, 1+len(fallbacks))
	stages = append(stages, primary)
	stages = append(stages, fallbacks...)

	return &FallbackChain{
		name:         name,
		stages:       stages,
		maxFallbacks: maxFallbackAttempts,
	}, nil
}

// Name returns the chain name
func (c *FallbackChain) Name() string {
	return c.name
}

// Len returns the number of stages in the chain including the primary
func (c *FallbackChain) Len() int {
	return len(c.stages)
}

// MaxFallbackAttempts returns how many fallback stages may run after
// the primary
func (c *FallbackChain) MaxFallbackAttempts() int {
	return c.maxFallbacks
}

// StageNames returns the stage names in order, primary first
func (c *FallbackChain) StageNames() []string {
	names := make([]string, len(c.stages))
	for i, stage := range c.stages {
		names[i] = stage.Name
	}
	return names
}

func (c *FallbackChain) attemptLimit() int {
	return 1 + c.maxFallbacks
}

// AttemptResult records the outcome of one stage attempt
type AttemptResult struct {
	Stage    string        `json:"stage"`
	Attempt  int           `json:"attempt"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// FallbackManager executes fallback chains. Each stage runs at most
// once per execution; retry policies belong outside the chain.
type FallbackManager struct {
	classifier Classifier
	onAttempt  func(chain string, result AttemptResult)
	logger     *logging.Logger
}

// NewFallbackManager creates a fallback manager. onAttempt, when set,
// is called after every stage attempt.
func NewFallbackManager(classifier Classifier, onAttempt func(chain string, result AttemptResult)) *FallbackManager {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &FallbackManager{
		classifier: classifier,
		onAttempt:  onAttempt,
		logger:     logging.GetLogger(),
	}
}

// ExecuteWithFallback walks the chain in order and returns the first
// successful result. The attempt list covers every stage that ran, in
// order. When all attempted stages fail the error is a
// FallbackExhaustedError carrying each stage error.
func (m *FallbackManager) ExecuteWithFallback(ctx context.Context, chain *FallbackChain, input interface{}) (interface{}, []AttemptResult, error) {
	limit := chain.attemptLimit()
	attempts := make([]AttemptResult, 0, limit)
	stageErrs := make([]error, 0, limit)

	for i, stage := range chain.stages[:limit] {
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}

		start := time.Now()
		value, err := stage.Run(ctx, input)
		duration := time.Since(start)

		if err == nil {
			result := AttemptResult{Stage: stage.Name, Attempt: i + 1, Success: true, Duration: duration}
			attempts = append(attempts, result)
			if m.onAttempt != nil {
				m.onAttempt(chain.name, result)
			}
			if i > 0 {
				m.logger.Info("Fallback stage succeeded",
					"chain", chain.name,
					"stage", stage.Name,
					"attempt", i+1,
				)
			}
			return value, attempts, nil
		}

		result := AttemptResult{Stage: stage.Name, Attempt: i + 1, Duration: duration, Err: err}
		attempts = append(attempts, result)
		stageErrs = append(stageErrs, err)
		if m.onAttempt != nil {
			m.onAttempt(chain.name, result)
		}

		classification := m.classifier.Classify(err)
		m.logger.Warn("Fallback stage failed",
			"chain", chain.name,
			"stage", stage.Name,
			"attempt", i+1,
			"category", string(classification.Category),
			"error", err.Error(),
		)

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, attempts, err
		}
	}

	return nil, attempts, &FallbackExhaustedError{
		Chain:    chain.name,
		Attempts: len(stageErrs),
		Errors:   stageErrs,
	}
}
