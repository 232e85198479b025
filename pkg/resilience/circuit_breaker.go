package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, calls flow through
	StateClosed CircuitState = iota
	// StateOpen - calls are rejected without invoking the operation
	StateOpen
	// StateHalfOpen - a limited number of probe calls are allowed through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Operation is a unit of work guarded by a circuit breaker
type Operation func(ctx context.Context) (interface{}, error)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs, metrics and status snapshots
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// probe calls
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive probe successes that
	// closes the circuit again
	SuccessThreshold int
	// CallTimeout bounds each guarded call, 0 disables the bound
	CallTimeout time.Duration
	// MaxConcurrent limits in-flight calls, 0 means unlimited. Calls over
	// the limit are rejected immediately, never queued.
	MaxConcurrent int
	// HalfOpenMaxProbes is how many probe calls may be in flight while
	// half-open, defaults to 1
	HalfOpenMaxProbes int
	// OnStateChange is called on every state transition
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// Validate checks the configuration for values that would make the
// breaker inoperable
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker '%s': failure threshold must be at least 1, got %d", c.Name, c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker '%s': recovery timeout must be positive, got %s", c.Name, c.RecoveryTimeout)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker '%s': success threshold must be at least 1, got %d", c.Name, c.SuccessThreshold)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("circuit breaker '%s': call timeout cannot be negative, got %s", c.Name, c.CallTimeout)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("circuit breaker '%s': max concurrent cannot be negative, got %d", c.Name, c.MaxConcurrent)
	}
	if c.HalfOpenMaxProbes < 0 {
		return fmt.Errorf("circuit breaker '%s': half-open max probes cannot be negative, got %d", c.Name, c.HalfOpenMaxProbes)
	}
	return nil
}

// DefaultCircuitBreakerConfig returns a config suited to guarding a
// generation engine endpoint
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
	}
}

// Counts holds the statistics for a circuit breaker generation
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
}

// CircuitStats is a point-in-time snapshot of a breaker
type CircuitStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Counts          Counts    `json:"counts"`
	InFlight        int       `json:"in_flight"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
	RecoveryExpiry  time.Time `json:"recovery_expiry,omitempty"`
}

// CircuitBreaker guards calls to a generation engine. It opens after a
// run of consecutive failures, rejects calls while open, and probes the
// engine after the recovery timeout before closing again.
type CircuitBreaker struct {
	name              string
	failureThreshold  uint32
	successThreshold  uint32
	recoveryTimeout   time.Duration
	callTimeout       time.Duration
	maxConcurrent     int
	halfOpenMaxProbes int
	onStateChange     func(name string, from CircuitState, to CircuitState)

	mutex           sync.Mutex
	state           CircuitState
	generation      uint64
	counts          Counts
	inFlight        int
	probes          int
	expiry          time.Time
	lastStateChange time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a circuit breaker from a validated config
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	probes := config.HalfOpenMaxProbes
	if probes == 0 {
		probes = 1
	}

	cb := &CircuitBreaker{
		name:              config.Name,
		failureThreshold:  uint32(config.FailureThreshold),
		successThreshold:  uint32(config.SuccessThreshold),
		recoveryTimeout:   config.RecoveryTimeout,
		callTimeout:       config.CallTimeout,
		maxConcurrent:     config.MaxConcurrent,
		halfOpenMaxProbes: probes,
		onStateChange:     config.OnStateChange,
		state:             StateClosed,
		lastStateChange:   time.Now(),
		logger:            logging.GetLogger(),
	}

	return cb, nil
}

// Execute runs the operation if the circuit breaker allows it. A call
// timeout, when configured, races the operation against a timer; on
// timeout the result is discarded and the call counts as a failure.
// Caller cancellation releases the call without counting an outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation Operation) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	cancel := func() {}
	if cb.callTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cb.callTimeout)
	}
	defer cancel()

	type callResult struct {
		value      interface{}
		err        error
		panicked   bool
		panicValue interface{}
	}

	resultCh := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- callResult{panicked: true, panicValue: r}
			}
		}()
		value, opErr := operation(execCtx)
		resultCh <- callResult{value: value, err: opErr}
	}()

	select {
	case res := <-resultCh:
		if res.panicked {
			cb.afterRequest(generation, false)
			panic(res.panicValue)
		}
		if res.err == nil {
			cb.afterRequest(generation, true)
			return res.value, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) && errors.Is(res.err, context.Canceled) {
			cb.releaseRequest(generation)
			return nil, res.err
		}
		cb.afterRequest(generation, false)
		return nil, res.err
	case <-execCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			cb.releaseRequest(generation)
			return nil, ctx.Err()
		}
		cb.afterRequest(generation, false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTimeoutError(cb.name)
	}
}

// Call runs an operation that returns only an error
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// CanExecute reports whether a call would currently be admitted. It does
// not reserve a slot; use Execute for managed calls, or pair this with
// RecordSuccess and RecordFailure when the outcome is observed elsewhere.
func (cb *CircuitBreaker) CanExecute() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return &CircuitOpenError{Name: cb.name, State: state, RetryAfter: cb.expiry.Sub(now)}
	}
	if state == StateHalfOpen && cb.probes >= cb.halfOpenMaxProbes {
		return &CircuitOpenError{Name: cb.name, State: state}
	}
	if cb.maxConcurrent > 0 && cb.inFlight >= cb.maxConcurrent {
		return &ConcurrencyLimitError{Name: cb.name, Limit: cb.maxConcurrent}
	}
	return nil
}

// RecordSuccess reports a successful call whose execution the breaker
// did not manage itself
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	cb.counts.onRequest()
	cb.onSuccess(state, now)
}

// RecordFailure reports a failed call whose execution the breaker did
// not manage itself
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	cb.counts.onRequest()
	cb.onFailure(state, now)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a snapshot of the breaker for status reporting
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	stats := CircuitStats{
		Name:            cb.name,
		State:           state.String(),
		Counts:          cb.counts,
		InFlight:        cb.inFlight,
		LastStateChange: cb.lastStateChange,
	}
	if state == StateOpen {
		stats.RecoveryExpiry = cb.expiry
	}
	return stats
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, &CircuitOpenError{Name: cb.name, State: state, RetryAfter: cb.expiry.Sub(now)}
	}
	if state == StateHalfOpen && cb.probes >= cb.halfOpenMaxProbes {
		return generation, &CircuitOpenError{Name: cb.name, State: state}
	}
	if cb.maxConcurrent > 0 && cb.inFlight >= cb.maxConcurrent {
		return generation, &ConcurrencyLimitError{Name: cb.name, Limit: cb.maxConcurrent}
	}

	cb.counts.onRequest()
	cb.inFlight++
	if state == StateHalfOpen {
		cb.probes++
	}
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		// The breaker changed state while the call was in flight, the
		// outcome belongs to a finished generation and is not counted.
		return
	}

	if state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// releaseRequest frees the slot taken by a cancelled call without
// counting an outcome
func (cb *CircuitBreaker) releaseRequest(before uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}
	if state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.successThreshold {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.counts.ConsecutiveFailures >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit and restarts the
		// recovery timer.
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && cb.expiry.Before(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.lastStateChange = now
	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"circuit_breaker", cb.name,
		"from", prev.String(),
		"to", state.String(),
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()
	cb.probes = 0

	switch cb.state {
	case StateOpen:
		cb.expiry = now.Add(cb.recoveryTimeout)
	default:
		cb.expiry = time.Time{}
	}
}
