package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/resilience"
)

// Dispatcher executes generation jobs through per-media-type resilience
// policies. The primary engine runs behind a circuit breaker with retries;
// the remaining engines of the policy form the fallback chain.
type Dispatcher struct {
	engines    *EngineManager
	resilience *resilience.Manager
	store      cache.GenerationStore
	stats      cache.StatsStore
	logger     *logging.Logger

	mu       sync.RWMutex
	policies map[engine.MediaType]*mediaPolicy
}

type mediaPolicy struct {
	name    string
	domain  string
	primary string
	engines []string
}

// NewDispatcher creates a dispatcher over the given engine manager,
// resilience manager, and cache stores
func NewDispatcher(engines *EngineManager, manager *resilience.Manager, store cache.GenerationStore, stats cache.StatsStore) *Dispatcher {
	return &Dispatcher{
		engines:    engines,
		resilience: manager,
		store:      store,
		stats:      stats,
		logger:     logging.GetLogger(),
		policies:   make(map[engine.MediaType]*mediaPolicy),
	}
}

// RegisterMediaPolicy wires an execution policy for one media type. The
// first engine is the primary; the rest become fallback stages in order.
// Every engine must be registered and support the media type.
func (d *Dispatcher) RegisterMediaPolicy(mediaType engine.MediaType, engineNames []string, breaker resilience.CircuitBreakerConfig, retry resilience.RetryPolicy) error {
	if len(engineNames) == 0 {
		return errors.NewValidationError("at least one engine is required for a media policy")
	}

	for _, name := range engineNames {
		config, err := d.engines.GetEngineConfig(name)
		if err != nil {
			return errors.NewValidationError(fmt.Sprintf("engine %s is not registered", name))
		}
		if !config.Supports(mediaType) {
			return errors.NewValidationError(fmt.Sprintf("engine %s does not support media type %s", name, mediaType))
		}
	}

	domain := domainForMediaType(mediaType)
	policyName := fmt.Sprintf("%s-generation", mediaType)

	// An opened breaker degrades the whole domain until recovery restores it.
	userHook := breaker.OnStateChange
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		if to == resilience.StateOpen {
			level := d.resilience.Degradation().Degrade(domain)
			d.logger.Warn("Circuit opened, degrading domain",
				"breaker", name,
				"domain", domain,
				"level", level.String(),
			)
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	fallbacks := make([]resilience.FallbackStage, 0, len(engineNames)-1)
	for _, name := range engineNames[1:] {
		fallbacks = append(fallbacks, resilience.FallbackStage{
			Name: name,
			Run:  d.engineStage(name),
		})
	}

	err := d.resilience.RegisterPolicy(resilience.ExecutionPolicy{
		Name:      policyName,
		Domain:    domain,
		Breaker:   breaker,
		Retry:     retry,
		Fallbacks: fallbacks,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.policies[mediaType] = &mediaPolicy{
		name:    policyName,
		domain:  domain,
		primary: engineNames[0],
		engines: append([]string(nil), engineNames...),
	}
	d.mu.Unlock()

	return nil
}

// CanHandle reports whether a policy is registered for the job type's media type
func (d *Dispatcher) CanHandle(jobType string) bool {
	mediaType, ok := MediaTypeForJobType(jobType)
	if !ok {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.policies[mediaType]
	return exists
}

// Handle executes a generation job through its media type policy
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	mediaType, ok := MediaTypeForJobType(job.Type)
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("no media type for job type %s", job.Type))
	}

	d.mu.RLock()
	policy, exists := d.policies[mediaType]
	d.mu.RUnlock()
	if !exists {
		return nil, errors.NewInternalError(fmt.Sprintf("no execution policy registered for media type %s", mediaType))
	}

	req, err := d.buildEngineRequest(job, mediaType)
	if err != nil {
		return nil, err
	}

	req.Parameters = d.resilience.Degradation().AdjustParameters(policy.domain, req.Parameters)

	d.markRunning(ctx, job)

	value, execErr := d.resilience.Execute(ctx, policy.name, req, d.engineStage(policy.primary))
	if execErr != nil {
		return nil, d.handleFailure(ctx, job, policy, execErr)
	}

	result, ok := value.(*engine.GenerationResult)
	if !ok {
		return nil, errors.NewInternalError(fmt.Sprintf("unexpected result type %T from engine execution", value))
	}

	return d.handleSuccess(ctx, job, result), nil
}

// engineStage adapts a named engine into a fallback stage function
func (d *Dispatcher) engineStage(engineName string) resilience.FallbackFunc {
	return func(ctx context.Context, input interface{}) (interface{}, error) {
		req, ok := input.(engine.GenerationRequest)
		if !ok {
			return nil, errors.NewInternalError(fmt.Sprintf("unexpected input type %T for engine stage", input))
		}
		return d.engines.Generate(ctx, engineName, req)
	}
}

func (d *Dispatcher) markRunning(ctx context.Context, job *queue.Job) {
	now := time.Now()
	d.setStatus(ctx, job.ID, engine.GenerationStatusRunning)

	progress := &cache.GenerationProgress{
		JobID:       job.ID,
		Status:      engine.GenerationStatusRunning,
		StartedAt:   now,
		TotalStages: 1,
		StageProgress: map[string]cache.StageStatus{
			job.Type: {
				Name:      job.Type,
				Status:    engine.GenerationStatusRunning,
				StartedAt: &now,
			},
		},
	}
	if err := d.store.SetProgress(ctx, job.ID, progress); err != nil {
		d.logger.Debug("Failed to cache generation progress", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) handleSuccess(ctx context.Context, job *queue.Job, result *engine.GenerationResult) *queue.JobResult {
	if err := d.store.SetResult(ctx, job.ID, result); err != nil {
		d.logger.Debug("Failed to cache generation result", "job_id", job.ID, "error", err)
	}
	if len(result.Artifacts) > 0 {
		if err := d.store.SetArtifacts(ctx, job.ID, result.Artifacts); err != nil {
			d.logger.Debug("Failed to cache generation artifacts", "job_id", job.ID, "error", err)
		}
	}
	d.setStatus(ctx, job.ID, engine.GenerationStatusCompleted)
	d.completeProgress(ctx, job, engine.GenerationStatusCompleted, "")

	if err := d.stats.RecordGenerationDuration(ctx, result.EngineID, result.Duration); err != nil {
		d.logger.Debug("Failed to record generation duration", "engine", result.EngineID, "error", err)
	}

	storyID, _ := job.PayloadString("story_id")
	if storyID != "" {
		if _, err := d.stats.IncrementGenerationCount(ctx, storyID); err != nil {
			d.logger.Debug("Failed to increment generation count", "story_id", storyID, "error", err)
		}
	}

	d.logger.LogGenerationEvent(ctx, "generation_completed", job.ID, storyID, result.EngineID, logrus.Fields{
		"job_type":       job.Type,
		"artifact_count": len(result.Artifacts),
		"duration":       result.Duration.String(),
	})

	artifactIDs := make([]string, 0, len(result.Artifacts))
	for _, artifact := range result.Artifacts {
		artifactIDs = append(artifactIDs, artifact.ID)
	}

	return &queue.JobResult{
		Success: true,
		Result: map[string]interface{}{
			"engine":         result.EngineID,
			"status":         string(result.Status),
			"artifact_ids":   artifactIDs,
			"artifact_count": len(result.Artifacts),
		},
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *queue.Job, policy *mediaPolicy, execErr error) error {
	operation := job.Type + "/" + policy.primary
	outcome := d.resilience.HandleError(ctx, operation, execErr)

	if _, err := d.stats.IncrementFailureCount(ctx, policy.primary, string(outcome.Category)); err != nil {
		d.logger.Debug("Failed to increment failure count", "engine", policy.primary, "error", err)
	}

	status := engine.GenerationStatusFailed
	switch ctx.Err() {
	case context.DeadlineExceeded:
		status = engine.GenerationStatusTimedOut
	case context.Canceled:
		status = engine.GenerationStatusCancelled
	}

	// Cache writes must survive the job context dying.
	cacheCtx := context.WithoutCancel(ctx)
	d.setStatus(cacheCtx, job.ID, status)
	d.completeProgress(cacheCtx, job, status, execErr.Error())

	storyID, _ := job.PayloadString("story_id")
	d.logger.LogGenerationEvent(ctx, "generation_failed", job.ID, storyID, policy.primary, logrus.Fields{
		"job_type":  job.Type,
		"category":  string(outcome.Category),
		"severity":  outcome.Severity.String(),
		"recovered": outcome.Recovered,
		"error":     execErr.Error(),
	})

	return execErr
}

func (d *Dispatcher) completeProgress(ctx context.Context, job *queue.Job, status engine.GenerationStatus, errMsg string) {
	progress, err := d.store.GetProgress(ctx, job.ID)
	if err != nil || progress == nil {
		return
	}

	now := time.Now()
	progress.Status = status
	progress.CompletedAt = &now

	if progress.StageProgress == nil {
		progress.StageProgress = make(map[string]cache.StageStatus)
	}
	stage := progress.StageProgress[job.Type]
	stage.Name = job.Type
	stage.Status = status
	stage.CompletedAt = &now
	stage.Error = errMsg
	if status == engine.GenerationStatusCompleted {
		stage.Progress = 1.0
		progress.CompletedStages++
	} else {
		progress.FailedStages++
	}
	progress.StageProgress[job.Type] = stage

	if err := d.store.SetProgress(ctx, job.ID, progress); err != nil {
		d.logger.Debug("Failed to cache generation progress", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) setStatus(ctx context.Context, jobID string, status engine.GenerationStatus) {
	if err := d.store.SetStatus(ctx, jobID, status); err != nil {
		d.logger.Debug("Failed to cache generation status", "job_id", jobID, "status", string(status), "error", err)
	}
}

// buildEngineRequest maps a queue job payload onto an engine request
func (d *Dispatcher) buildEngineRequest(job *queue.Job, mediaType engine.MediaType) (engine.GenerationRequest, error) {
	storyID, ok := job.PayloadString("story_id")
	if !ok || storyID == "" {
		return engine.GenerationRequest{}, errors.NewValidationError("story_id not found in job payload")
	}

	prompt, ok := job.PayloadString("prompt")
	if !ok || prompt == "" {
		return engine.GenerationRequest{}, errors.NewValidationError("prompt not found in job payload")
	}

	req := engine.GenerationRequest{
		JobID:     job.ID,
		StoryID:   storyID,
		MediaType: mediaType,
		Prompt:    prompt,
		Timeout:   job.Metadata.Timeout,
	}

	if sceneID, ok := job.PayloadString("scene_id"); ok {
		req.SceneID = sceneID
	}
	if negative, ok := job.PayloadString("negative_prompt"); ok {
		req.NegativePrompt = negative
	}
	if ref, ok := job.PayloadString("reference_image"); ok {
		req.ReferenceImage = ref
	}
	if seed, ok := job.PayloadFloat("seed"); ok {
		req.Seed = int64(seed)
	}

	if raw, ok := job.Payload["parameters"]; ok {
		switch params := raw.(type) {
		case map[string]interface{}:
			req.Parameters = make(map[string]float64, len(params))
			for key, value := range params {
				if f, ok := value.(float64); ok {
					req.Parameters[key] = f
				}
			}
		case map[string]float64:
			// A payload that never crossed the wire still carries its original type.
			req.Parameters = make(map[string]float64, len(params))
			for key, value := range params {
				req.Parameters[key] = value
			}
		}
	}

	if raw, ok := job.Payload["options"]; ok {
		switch opts := raw.(type) {
		case map[string]interface{}:
			req.Options = make(map[string]string, len(opts))
			for key, value := range opts {
				if s, ok := value.(string); ok {
					req.Options[key] = s
				}
			}
		case map[string]string:
			req.Options = make(map[string]string, len(opts))
			for key, value := range opts {
				req.Options[key] = value
			}
		}
	}

	return req, nil
}

func domainForMediaType(mediaType engine.MediaType) string {
	switch mediaType {
	case engine.MediaTypeText:
		return "story"
	case engine.MediaTypeImage:
		return "image"
	case engine.MediaTypeVideo:
		return "video"
	default:
		return "general"
	}
}

// Ensure Dispatcher implements the queue handler interface
var _ queue.JobHandler = (*Dispatcher)(nil)
