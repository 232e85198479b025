package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storyforge/storyforge/pkg/logging"
)

// RecoveryProcedure attempts to repair the condition behind a class of
// errors, for example flushing a model cache after loading failures.
// The context carries the recovery time limit.
type RecoveryProcedure func(ctx context.Context, record ErrorRecord) error

// RecoveryOutcome reports what happened when an error was handled
type RecoveryOutcome struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Attempted bool          `json:"attempted"`
	Recovered bool          `json:"recovered"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionPolicy bundles the protection applied to one class of
// operations: a circuit breaker around the primary, a retry policy for
// transient failures, and optional fallback stages tried once each when
// the primary path is exhausted.
type ExecutionPolicy struct {
	// Name identifies the policy and doubles as the fallback chain name
	Name string
	// Domain is the degradation domain the operations belong to
	Domain string
	// Breaker guards the primary operation. An empty breaker name
	// defaults to the policy name.
	Breaker CircuitBreakerConfig
	// Retry applies to the primary operation only, never inside the
	// fallback chain
	Retry RetryPolicy
	// Fallbacks are alternatives tried in order after the primary path
	// fails
	Fallbacks []FallbackStage
	// MaxFallbackAttempts limits how many fallback stages run after the
	// primary, 0 means all of them
	MaxFallbackAttempts int
}

type compiledPolicy struct {
	config  ExecutionPolicy
	breaker *CircuitBreaker
	chain   *FallbackChain
}

// ResilienceStatus is a snapshot of every resilience component
type ResilienceStatus struct {
	Timestamp   time.Time                   `json:"timestamp"`
	Breakers    map[string]CircuitStats     `json:"circuit_breakers"`
	Degradation map[string]DegradationLevel `json:"degradation"`
	Errors      ErrorStats                  `json:"errors"`
	Policies    []string                    `json:"policies"`
}

// ManagerConfig configures a resilience manager. The callback fields
// let observability code watch state changes without this package
// depending on it.
type ManagerConfig struct {
	// RecoveryTimeLimit bounds each recovery procedure run. A procedure
	// that overruns counts as failed.
	RecoveryTimeLimit time.Duration
	// ErrorHistorySize is the capacity of the error record ring
	ErrorHistorySize int
	// ErrorRateWindow is the trailing window for error rate analytics
	ErrorRateWindow time.Duration

	OnBreakerStateChange func(name string, from CircuitState, to CircuitState)
	OnDegradationChange  func(domain string, from DegradationLevel, to DegradationLevel)
	OnError              func(record ErrorRecord)
	OnRecovery           func(outcome RecoveryOutcome)
	OnFallback           func(chain string, result AttemptResult)
}

// DefaultManagerConfig returns a config with production defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RecoveryTimeLimit: 30 * time.Second,
		ErrorHistorySize:  512,
		ErrorRateWindow:   5 * time.Minute,
	}
}

// Manager is the composition root of the resilience layer. It owns the
// circuit breaker registry, execution policies, recovery procedures,
// the degradation controller and error analytics. Construct one per
// process and inject it where needed.
type Manager struct {
	config      ManagerConfig
	classifier  Classifier
	degradation *DegradationController
	retry       *RetryManager
	fallback    *FallbackManager
	history     *errorHistory
	logger      *logging.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	policies map[string]*compiledPolicy
	recovery map[ErrorCategory]RecoveryProcedure
}

// NewManager creates a resilience manager. A nil classifier falls back
// to the default rule set.
func NewManager(config ManagerConfig, classifier Classifier) *Manager {
	if config.RecoveryTimeLimit <= 0 {
		config.RecoveryTimeLimit = 30 * time.Second
	}
	if config.ErrorRateWindow <= 0 {
		config.ErrorRateWindow = 5 * time.Minute
	}
	if classifier == nil {
		classifier = NewClassifier()
	}

	m := &Manager{
		config:     config,
		classifier: classifier,
		history:    newErrorHistory(config.ErrorHistorySize),
		logger:     logging.GetLogger(),
		breakers:   make(map[string]*CircuitBreaker),
		policies:   make(map[string]*compiledPolicy),
		recovery:   make(map[ErrorCategory]RecoveryProcedure),
	}
	m.degradation = NewDegradationController(config.OnDegradationChange)
	m.retry = NewRetryManager(classifier)
	m.fallback = NewFallbackManager(classifier, m.onFallbackAttempt)
	return m
}

// CreateCircuitBreaker returns the breaker registered under name,
// creating it on first use. Creation is idempotent, the first config
// wins and breakers are never destroyed.
func (m *Manager) CreateCircuitBreaker(name string, config CircuitBreakerConfig) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	config.Name = name
	userHook := config.OnStateChange
	config.OnStateChange = func(n string, from, to CircuitState) {
		if m.config.OnBreakerStateChange != nil {
			m.config.OnBreakerStateChange(n, from, to)
		}
		if userHook != nil {
			userHook(n, from, to)
		}
	}

	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// GetCircuitBreaker looks up a breaker by name
func (m *Manager) GetCircuitBreaker(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.breakers[name]
	return cb, ok
}

// RegisterPolicy validates and stores an execution policy. The policy
// breaker is created through the registry, so policies sharing a
// breaker name share the breaker.
func (m *Manager) RegisterPolicy(policy ExecutionPolicy) error {
	if policy.Name == "" {
		return fmt.Errorf("execution policy name is required")
	}
	if err := policy.Retry.Validate(); err != nil {
		return fmt.Errorf("execution policy '%s': %w", policy.Name, err)
	}

	breakerName := policy.Breaker.Name
	if breakerName == "" {
		breakerName = policy.Name
	}
	breaker, err := m.CreateCircuitBreaker(breakerName, policy.Breaker)
	if err != nil {
		return fmt.Errorf("execution policy '%s': %w", policy.Name, err)
	}

	// The primary operation arrives per call, so the compiled chain
	// holds only the fallback stages, truncated to the attempt budget.
	var chain *FallbackChain
	if len(policy.Fallbacks) > 0 {
		maxAttempts := policy.MaxFallbackAttempts
		if maxAttempts < 0 {
			return fmt.Errorf("execution policy '%s': max fallback attempts cannot be negative, got %d", policy.Name, maxAttempts)
		}
		if maxAttempts > len(policy.Fallbacks) {
			return fmt.Errorf("execution policy '%s': max fallback attempts %d exceeds %d fallback stages", policy.Name, maxAttempts, len(policy.Fallbacks))
		}
		if maxAttempts == 0 {
			maxAttempts = len(policy.Fallbacks)
		}
		chain, err = NewFallbackChain(policy.Name, policy.Fallbacks[0], policy.Fallbacks[1:maxAttempts], 0)
		if err != nil {
			return fmt.Errorf("execution policy '%s': %w", policy.Name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.policies[policy.Name]; exists {
		return fmt.Errorf("execution policy '%s' already registered", policy.Name)
	}
	m.policies[policy.Name] = &compiledPolicy{config: policy, breaker: breaker, chain: chain}

	m.logger.Info("Execution policy registered",
		"policy", policy.Name,
		"domain", policy.Domain,
		"breaker", breakerName,
		"fallback_stages", len(policy.Fallbacks),
	)
	return nil
}

// Execute runs an operation through the named policy. The primary
// operation runs under the policy breaker and retry policy; if that
// path is exhausted the fallback stages each get one attempt. Every
// failed attempt lands in the error history.
func (m *Manager) Execute(ctx context.Context, policyName string, input interface{}, operation FallbackFunc) (interface{}, error) {
	m.mu.RLock()
	p, ok := m.policies[policyName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("execution policy '%s' is not registered", policyName)
	}

	value, err := m.retry.Retry(ctx, p.config.Retry, func(ctx context.Context) (interface{}, error) {
		return p.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return operation(ctx, input)
		})
	})
	if err == nil {
		return value, nil
	}

	m.recordAttempt(policyName+":"+p.breaker.Name(), err)

	if ctx.Err() != nil {
		return nil, err
	}

	classification := m.classifier.Classify(err)
	if classification.Category == CategoryInputValidation || p.chain == nil {
		return nil, err
	}

	m.logger.Warn("Primary path exhausted, trying fallbacks",
		"policy", policyName,
		"category", string(classification.Category),
		"error", err.Error(),
	)

	value, _, fbErr := m.fallback.ExecuteWithFallback(ctx, p.chain, input)
	if fbErr == nil {
		return value, nil
	}
	return nil, errors.Join(err, fbErr)
}

// ExecuteChain runs a standalone fallback chain outside any policy
func (m *Manager) ExecuteChain(ctx context.Context, chain *FallbackChain, input interface{}) (interface{}, []AttemptResult, error) {
	return m.fallback.ExecuteWithFallback(ctx, chain, input)
}

// RegisterRecoveryProcedure installs the procedure run for a category
// of errors. Registering again replaces the previous procedure.
func (m *Manager) RegisterRecoveryProcedure(category ErrorCategory, procedure RecoveryProcedure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery[category] = procedure
}

// HandleError classifies an error, records it, and runs the recovery
// procedure registered for its category under the recovery time limit.
// A procedure that overruns the limit counts as failed.
func (m *Manager) HandleError(ctx context.Context, operation string, err error) RecoveryOutcome {
	classification := m.classifier.Classify(err)
	outcome := RecoveryOutcome{
		Category: classification.Category,
		Severity: classification.Severity,
	}
	if err == nil {
		return outcome
	}

	record := ErrorRecord{
		Category:  classification.Category,
		Severity:  classification.Severity,
		Timestamp: time.Now(),
		Operation: operation,
		Message:   err.Error(),
	}
	seq := m.history.Add(record)
	if m.config.OnError != nil {
		m.config.OnError(record)
	}

	m.logger.LogResilienceEvent(ctx, "error_handled", operation, map[string]interface{}{
		"category": string(classification.Category),
		"severity": classification.Severity.String(),
		"error":    err.Error(),
	})

	m.mu.RLock()
	procedure := m.recovery[classification.Category]
	m.mu.RUnlock()
	if procedure == nil {
		return outcome
	}

	outcome.Attempted = true
	start := time.Now()

	recoveryCtx, cancel := context.WithTimeout(ctx, m.config.RecoveryTimeLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("recovery procedure panicked: %v", r)
			}
		}()
		done <- procedure(recoveryCtx, record)
	}()

	select {
	case procErr := <-done:
		outcome.Duration = time.Since(start)
		if procErr != nil {
			outcome.Error = procErr.Error()
			m.logger.Warn("Recovery procedure failed",
				"category", string(classification.Category),
				"operation", operation,
				"error", procErr.Error(),
			)
		} else {
			outcome.Recovered = true
			m.history.MarkRecovered(seq)
			m.logger.Info("Recovery procedure succeeded",
				"category", string(classification.Category),
				"operation", operation,
				"duration", outcome.Duration.String(),
			)
		}
	case <-recoveryCtx.Done():
		outcome.Duration = time.Since(start)
		outcome.Error = recoveryCtx.Err().Error()
		m.logger.Warn("Recovery procedure timed out",
			"category", string(classification.Category),
			"operation", operation,
			"limit", m.config.RecoveryTimeLimit.String(),
		)
	}

	if m.config.OnRecovery != nil {
		m.config.OnRecovery(outcome)
	}
	return outcome
}

// GetResilienceStatus returns a snapshot of breakers, degradation
// levels, error analytics and registered policies
func (m *Manager) GetResilienceStatus() ResilienceStatus {
	m.mu.RLock()
	breakers := make(map[string]CircuitStats, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = cb.Stats()
	}
	policies := make([]string, 0, len(m.policies))
	for name := range m.policies {
		policies = append(policies, name)
	}
	m.mu.RUnlock()
	sort.Strings(policies)

	return ResilienceStatus{
		Timestamp:   time.Now(),
		Breakers:    breakers,
		Degradation: m.degradation.Status(),
		Errors:      m.history.Stats(m.config.ErrorRateWindow),
		Policies:    policies,
	}
}

// RecentErrors returns up to limit of the newest error records, newest
// first
func (m *Manager) RecentErrors(limit int) []ErrorRecord {
	return m.history.Recent(limit)
}

// Degradation returns the degradation controller
func (m *Manager) Degradation() *DegradationController {
	return m.degradation
}

// Classifier returns the classifier the manager was built with
func (m *Manager) Classifier() Classifier {
	return m.classifier
}

func (m *Manager) recordAttempt(operation string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	classification := m.classifier.Classify(err)
	record := ErrorRecord{
		Category:  classification.Category,
		Severity:  classification.Severity,
		Timestamp: time.Now(),
		Operation: operation,
		Message:   err.Error(),
	}
	m.history.Add(record)
	if m.config.OnError != nil {
		m.config.OnError(record)
	}
}

func (m *Manager) onFallbackAttempt(chain string, result AttemptResult) {
	if m.config.OnFallback != nil {
		m.config.OnFallback(chain, result)
	}
	if result.Success {
		return
	}
	m.recordAttempt(chain+":"+result.Stage, result.Err)
}
