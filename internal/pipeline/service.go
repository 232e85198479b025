package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
	"github.com/storyforge/storyforge/pkg/logging"
	"github.com/storyforge/storyforge/pkg/types"
)

// PipelineService defines the interface for generation pipeline operations
type PipelineService interface {
	// SubmitGeneration submits a new generation request
	SubmitGeneration(ctx context.Context, req *GenerationRequest) (*types.GenerationJob, error)

	// GetGenerationStatus returns the status of a generation
	GetGenerationStatus(ctx context.Context, jobID string) (*GenerationStatus, error)

	// GetGenerationResults returns the artifacts of a generation
	GetGenerationResults(ctx context.Context, jobID string) (*GenerationResults, error)

	// CancelGeneration cancels a queued or running generation
	CancelGeneration(ctx context.Context, jobID string) error

	// ListGenerations lists generations with optional filtering
	ListGenerations(ctx context.Context, filter *GenerationFilter, page Pagination) (*GenerationList, error)

	// GetStats returns pipeline service statistics
	GetStats(ctx context.Context) (*ServiceStats, error)

	// Start starts the pipeline service
	Start(ctx context.Context) error

	// Stop stops the pipeline service gracefully
	Stop(ctx context.Context) error

	// Health checks service health
	Health(ctx context.Context) error
}

// Config contains pipeline service configuration
type Config struct {
	DefaultTimeout      time.Duration `json:"default_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	CleanupInterval     time.Duration `json:"cleanup_interval"`
	MaxRetries          int           `json:"max_retries"`
}

// DefaultConfig returns the default service configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:      10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		CleanupInterval:     5 * time.Minute,
		MaxRetries:          3,
	}
}

// Service implements the PipelineService interface
type Service struct {
	queue   queue.QueueInterface
	store   cache.GenerationStore
	engines *EngineManager
	config  *Config
	logger  *logging.Logger

	pool      *queue.WorkerPool
	running   bool
	startTime time.Time
	loopWg    sync.WaitGroup
	stopCh    chan struct{}
	mu        sync.RWMutex
}

// NewService creates a new pipeline service
func NewService(jobQueue queue.QueueInterface, store cache.GenerationStore, engines *EngineManager, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		queue:   jobQueue,
		store:   store,
		engines: engines,
		config:  config,
		logger:  logging.GetLogger(),
		stopCh:  make(chan struct{}),
	}
}

// AttachWorkerPool attaches a worker pool that the service starts and
// stops with itself. The API process runs without one; the worker
// process attaches a pool before Start.
func (s *Service) AttachWorkerPool(pool *queue.WorkerPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool
}

// SubmitGeneration validates a request and enqueues it for processing
func (s *Service) SubmitGeneration(ctx context.Context, req *GenerationRequest) (*types.GenerationJob, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	mediaType, _ := MediaTypeForJobType(req.JobType)

	payload := map[string]interface{}{
		"story_id": req.StoryID.String(),
		"prompt":   req.Prompt,
	}
	if req.SceneID != nil {
		payload["scene_id"] = req.SceneID.String()
	}
	if req.UserID != nil {
		payload["user_id"] = req.UserID.String()
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}
	if req.ReferenceImage != "" {
		payload["reference_image"] = req.ReferenceImage
	}
	if len(req.Parameters) > 0 {
		payload["parameters"] = req.Parameters
	}
	if len(req.Options) > 0 {
		payload["options"] = req.Options
	}
	if req.Seed != 0 {
		payload["seed"] = req.Seed
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}

	job := queue.NewJob(req.JobType, mapPriority(req.Priority), payload).WithTimeout(timeout)
	if s.config.MaxRetries > 0 {
		job.WithRetries(s.config.MaxRetries, job.Metadata.RetryDelay)
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, errors.NewInternalError("failed to enqueue generation job").WithCause(err)
	}

	if err := s.store.SetStatus(ctx, job.ID, engine.GenerationStatusQueued); err != nil {
		s.logger.Debug("Failed to cache generation status", "job_id", job.ID, "error", err)
	}

	record := &types.GenerationJob{
		ID:               uuid.MustParse(job.ID),
		StoryID:          req.StoryID,
		SceneID:          req.SceneID,
		UserID:           req.UserID,
		MediaType:        string(mediaType),
		Prompt:           req.Prompt,
		NegativePrompt:   req.NegativePrompt,
		Parameters:       req.Parameters,
		Priority:         req.Priority,
		Status:           types.JobStatusQueued,
		EnginesRequested: s.engines.EnginesForMediaType(mediaType),
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}

	s.logger.Info("Generation submitted",
		"job_id", job.ID,
		"job_type", req.JobType,
		"media_type", string(mediaType),
		"story_id", req.StoryID.String(),
		"priority", req.Priority,
	)

	return record, nil
}

// GetGenerationStatus returns the current status of a generation job
func (s *Service) GetGenerationStatus(ctx context.Context, jobID string) (*GenerationStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, errors.NewValidationError("invalid job ID format")
	}

	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	mediaType, _ := MediaTypeForJobType(job.Type)

	status := &GenerationStatus{
		JobID:        job.ID,
		JobType:      job.Type,
		MediaType:    string(mediaType),
		Status:       string(job.Status),
		Progress:     progressForStatus(job.Status),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Duration:     jobDuration(job),
		RetryCount:   job.Metadata.RetryCount,
		ErrorMessage: job.Metadata.ErrorMsg,
	}

	// Stage-level progress from the cache refines the coarse queue status.
	if progress, err := s.store.GetProgress(ctx, jobID); err == nil && progress != nil {
		status.Progress = progressPercent(progress)
		for name, stage := range progress.StageProgress {
			if stage.Status == engine.GenerationStatusRunning {
				status.Stage = name
			}
		}
	}

	return status, nil
}

// GetGenerationResults returns the artifacts produced by a generation job
func (s *Service) GetGenerationResults(ctx context.Context, jobID string) (*GenerationResults, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, errors.NewValidationError("invalid job ID format")
	}

	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	mediaType, _ := MediaTypeForJobType(job.Type)
	storyID, _ := job.PayloadString("story_id")
	sceneID, _ := job.PayloadString("scene_id")

	results := &GenerationResults{
		JobID:        job.ID,
		JobType:      job.Type,
		Status:       string(job.Status),
		StoryID:      storyID,
		SceneID:      sceneID,
		MediaType:    string(mediaType),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Duration:     jobDuration(job),
		Artifacts:    []engine.Artifact{},
		ErrorMessage: job.Metadata.ErrorMsg,
	}

	result, err := s.store.GetResult(ctx, jobID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	if result != nil {
		results.EngineID = result.EngineID
		results.Metadata = &result.Metadata
		results.Artifacts = result.Artifacts
		if result.Error != "" && results.ErrorMessage == "" {
			results.ErrorMessage = result.Error
		}
	}

	summary := ResultSummary{ByMediaType: make(map[string]int)}
	for _, artifact := range results.Artifacts {
		summary.TotalArtifacts++
		summary.ByMediaType[string(artifact.MediaType)]++
		summary.TotalBytes += artifact.SizeBytes
	}
	results.Summary = summary

	return results, nil
}

// CancelGeneration cancels a queued or running generation job
func (s *Service) CancelGeneration(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return errors.NewValidationError("invalid job ID format")
	}

	if err := s.queue.Cancel(ctx, jobID); err != nil {
		return err
	}

	if err := s.store.SetStatus(ctx, jobID, engine.GenerationStatusCancelled); err != nil {
		s.logger.Debug("Failed to cache generation status", "job_id", jobID, "error", err)
	}

	s.logger.Info("Generation cancelled", "job_id", jobID)

	return nil
}

// ListGenerations lists generation jobs with optional filtering
func (s *Service) ListGenerations(ctx context.Context, filter *GenerationFilter, page Pagination) (*GenerationList, error) {
	page = normalizePagination(page)

	jobs, err := s.queue.ListJobs(ctx, convertFilter(filter), page.PageSize, (page.Page-1)*page.PageSize)
	if err != nil {
		return nil, err
	}

	summaries := make([]GenerationSummary, 0, len(jobs))
	for _, job := range jobs {
		mediaType, _ := MediaTypeForJobType(job.Type)
		storyID, _ := job.PayloadString("story_id")

		summaries = append(summaries, GenerationSummary{
			JobID:      job.ID,
			JobType:    job.Type,
			MediaType:  string(mediaType),
			Status:     string(job.Status),
			Priority:   int(job.Priority),
			StoryID:    storyID,
			RetryCount: job.Metadata.RetryCount,
			CreatedAt:  job.CreatedAt,
			StartedAt:  job.StartedAt,
			Duration:   jobDuration(job),
		})
	}

	return &GenerationList{
		Generations: summaries,
		Count:       len(summaries),
		Page:        page.Page,
		PageSize:    page.PageSize,
	}, nil
}

// GetStats returns statistics about the pipeline service
func (s *Service) GetStats(ctx context.Context) (*ServiceStats, error) {
	s.mu.RLock()
	running := s.running
	pool := s.pool
	startTime := s.startTime
	s.mu.RUnlock()

	stats := &ServiceStats{Status: "stopped"}
	if running {
		stats.Status = "running"
		stats.Uptime = time.Since(startTime)
	}

	queueStats, err := s.queue.GetStats(ctx)
	if err != nil {
		return nil, errors.NewInternalError("failed to get queue statistics").WithCause(err)
	}

	stats.ActiveGenerations = queueStats.ByStatus[queue.JobStatusRunning]
	stats.QueuedGenerations = queueStats.ByStatus[queue.JobStatusQueued] + queueStats.ByStatus[queue.JobStatusRetrying]
	stats.DeadLetter = queueStats.DeadLetter

	// Completed and failed totals come from the workers; the queue stats
	// fold both into per-type counters once jobs leave the active set.
	if pool != nil {
		workerStats := pool.GetStats()
		stats.WorkerCount = len(workerStats)
		stats.Workers = workerStats
		for _, ws := range workerStats {
			stats.CompletedGenerations += ws.JobsSucceeded
			stats.FailedGenerations += ws.JobsFailed
		}
	}

	return stats, nil
}

// Start starts the pipeline service and its background loops
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewValidationError("pipeline service is already running")
	}

	if s.pool != nil {
		if err := s.pool.Start(ctx); err != nil {
			return errors.NewInternalError("failed to start worker pool").WithCause(err)
		}
	}

	s.running = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})

	s.loopWg.Add(2)
	go s.healthCheckLoop(ctx)
	go s.cleanupLoop(ctx)

	s.logger.Info("Pipeline service started",
		"workers_attached", s.pool != nil,
		"health_check_interval", s.config.HealthCheckInterval.String(),
	)

	return nil
}

// Stop stops the pipeline service gracefully
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	pool := s.pool
	close(s.stopCh)
	s.mu.Unlock()

	if pool != nil {
		if err := pool.Stop(); err != nil {
			s.logger.Warn("Worker pool stop reported an error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.loopWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.NewTimeoutError("pipeline service shutdown")
	}

	s.logger.Info("Pipeline service stopped")

	return nil
}

// Health checks that the service, its queue, and its engines are usable
func (s *Service) Health(ctx context.Context) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	if !running {
		return errors.NewInternalError("pipeline service is not running")
	}

	if _, err := s.queue.GetStats(ctx); err != nil {
		return errors.NewInternalError("queue is not responding").WithCause(err)
	}

	return s.engines.Health()
}

func (s *Service) validateRequest(req *GenerationRequest) error {
	if req == nil {
		return errors.NewValidationError("generation request cannot be nil")
	}
	if req.StoryID == uuid.Nil {
		return errors.NewValidationError("story ID is required")
	}
	if req.JobType == "" {
		return errors.NewValidationError("job type is required")
	}
	if _, ok := MediaTypeForJobType(req.JobType); !ok {
		return errors.NewValidationError(fmt.Sprintf("unsupported job type: %s", req.JobType))
	}
	if req.Prompt == "" {
		return errors.NewValidationError("prompt is required")
	}
	return nil
}

func (s *Service) healthCheckLoop(ctx context.Context) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.engines.HealthCheckAll(ctx); err != nil {
				s.logger.Warn("Engine health check reported failures", "error", err)
			}
			s.publishEngineHealth(ctx)
		}
	}
}

// publishEngineHealth mirrors manager health into the cache so the API
// can serve it without touching the engines
func (s *Service) publishEngineHealth(ctx context.Context) {
	for name, health := range s.engines.HealthSnapshot() {
		snapshot := &cache.EngineHealth{
			Name:      name,
			Healthy:   health.Status == EngineStatusHealthy,
			LatencyMS: health.LatencyMS,
			CheckedAt: health.LastCheck,
		}
		if err := s.store.SetEngineHealth(ctx, name, snapshot); err != nil {
			s.logger.Debug("Failed to cache engine health", "engine", name, "error", err)
		}
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.queue.Cleanup(ctx); err != nil {
				s.logger.Warn("Queue cleanup failed", "error", err)
			}
		}
	}
}

func mapPriority(priority int) queue.Priority {
	switch {
	case priority >= int(queue.PriorityHigh):
		return queue.PriorityHigh
	case priority >= int(queue.PriorityMedium):
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

func normalizePagination(page Pagination) Pagination {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.PageSize < 1 || page.PageSize > 200 {
		page.PageSize = 50
	}
	return page
}

func convertFilter(filter *GenerationFilter) queue.JobFilter {
	if filter == nil {
		return queue.JobFilter{}
	}
	return queue.JobFilter{
		Type:     filter.JobType,
		Status:   filter.Status,
		Priority: filter.Priority,
		Since:    filter.Since,
		Until:    filter.Until,
	}
}

func progressForStatus(status queue.JobStatus) float64 {
	switch status {
	case queue.JobStatusQueued, queue.JobStatusRetrying:
		return 0
	case queue.JobStatusRunning:
		return 50
	case queue.JobStatusCompleted, queue.JobStatusFailed, queue.JobStatusCancelled:
		return 100
	default:
		return 0
	}
}

func progressPercent(progress *cache.GenerationProgress) float64 {
	if progress.TotalStages <= 0 {
		return 0
	}

	done := float64(progress.CompletedStages + progress.FailedStages)
	for _, stage := range progress.StageProgress {
		if stage.Status == engine.GenerationStatusRunning {
			done += stage.Progress
		}
	}

	percent := done / float64(progress.TotalStages) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

func jobDuration(job *queue.Job) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	if job.CompletedAt == nil {
		return time.Since(*job.StartedAt)
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}

// Ensure Service implements PipelineService
var _ PipelineService = (*Service)(nil)
