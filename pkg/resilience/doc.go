// Package resilience provides error classification, circuit breakers,
// retry policies, fallback chains, and graceful degradation for the
// StoryForge generation pipeline.
//
// This package implements the following patterns:
//
// # Error Classification
//
// Every failure is mapped to a category and severity so that retry,
// recovery, and alerting decisions share one view of what went wrong.
//
//	classifier := resilience.NewClassifier()
//	cls := classifier.Classify(err)
//	if cls.Category == resilience.CategoryModelLoading {
//		// wait for the engine to finish loading
//	}
//
// # Circuit Breaker Pattern
//
// The circuit breaker pattern prevents cascading failures by opening
// after a run of consecutive failures against a generation engine and
// rejecting calls until a probe succeeds after the recovery timeout.
//
//	cb, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "comfyui-image",
//		FailureThreshold: 3,
//		RecoveryTimeout:  5 * time.Second,
//		SuccessThreshold: 1,
//		CallTimeout:      2 * time.Minute,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return engine.Generate(ctx, request)
//	})
//
// # Retry with Backoff
//
// The retry manager retries transient failures under a policy with
// fixed, linear, exponential, or jittered backoff. Validation errors
// are never retried and unclassified errors get at most one retry.
//
//	rm := resilience.NewRetryManager(classifier)
//	result, err := rm.Retry(ctx, resilience.DefaultRetryPolicy(), operation)
//
// # Fallback Chains
//
// A fallback chain is an ordered list of alternatives, primary first.
// Each stage runs at most once and the first success wins.
//
//	chain, err := resilience.NewFallbackChain("image-generation", primaryStage, fallbackStages, 0)
//	fm := resilience.NewFallbackManager(classifier, nil)
//	result, attempts, err := fm.ExecuteWithFallback(ctx, chain, request)
//
// # Graceful Degradation
//
// The degradation controller tracks a quality level per generation
// domain and scales request parameters to match, trading output quality
// for availability under pressure.
//
//	dc := resilience.NewDegradationController(nil)
//	dc.Degrade("video")
//	params = dc.AdjustParameters("video", params)
//
// # Combined Usage
//
// The Manager composes everything behind named execution policies:
//
//	manager := resilience.NewManager(resilience.DefaultManagerConfig(), nil)
//	manager.RegisterPolicy(resilience.ExecutionPolicy{
//		Name:      "image-generation",
//		Domain:    "image",
//		Breaker:   resilience.DefaultCircuitBreakerConfig("comfyui-image"),
//		Retry:     resilience.DefaultRetryPolicy(),
//		Fallbacks: fallbackStages,
//	})
//	result, err := manager.Execute(ctx, "image-generation", request, primaryOp)
//
// The package is designed to be thread-safe and can handle high-concurrency
// scenarios typical in distributed systems.
package resilience
