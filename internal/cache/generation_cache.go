package cache

import (
	"context"
	"time"

	"github.com/storyforge/storyforge/pkg/engine"
)

// GenerationCache provides caching for generation-related data
type GenerationCache struct {
	service *Service
}

// NewGenerationCache creates a new generation cache
func NewGenerationCache(service *Service) *GenerationCache {
	return &GenerationCache{
		service: service,
	}
}

// SetResult caches a generation result
func (gc *GenerationCache) SetResult(ctx context.Context, jobID string, result *engine.GenerationResult) error {
	key := CacheKey{Prefix: PrefixGenResult, ID: jobID}
	return gc.service.Set(ctx, key, result, gc.service.config.ResultTTL)
}

// GetResult retrieves a cached generation result
func (gc *GenerationCache) GetResult(ctx context.Context, jobID string) (*engine.GenerationResult, error) {
	key := CacheKey{Prefix: PrefixGenResult, ID: jobID}
	var result engine.GenerationResult
	if err := gc.service.Get(ctx, key, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetStatus caches generation status
func (gc *GenerationCache) SetStatus(ctx context.Context, jobID string, status engine.GenerationStatus) error {
	key := CacheKey{Prefix: PrefixGenStatus, ID: jobID}
	return gc.service.Set(ctx, key, status, gc.service.config.DefaultTTL)
}

// GetStatus retrieves cached generation status
func (gc *GenerationCache) GetStatus(ctx context.Context, jobID string) (engine.GenerationStatus, error) {
	key := CacheKey{Prefix: PrefixGenStatus, ID: jobID}
	var status engine.GenerationStatus
	if err := gc.service.Get(ctx, key, &status); err != nil {
		return "", err
	}
	return status, nil
}

// SetArtifacts caches the artifacts produced by a generation
func (gc *GenerationCache) SetArtifacts(ctx context.Context, jobID string, artifacts []engine.Artifact) error {
	key := CacheKey{Prefix: PrefixArtifacts, ID: jobID}
	return gc.service.SetList(ctx, key, interfaceSlice(artifacts), gc.service.config.ArtifactTTL)
}

// GetArtifacts retrieves cached artifacts
func (gc *GenerationCache) GetArtifacts(ctx context.Context, jobID string) ([]engine.Artifact, error) {
	key := CacheKey{Prefix: PrefixArtifacts, ID: jobID}
	var artifacts []engine.Artifact
	if err := gc.service.GetList(ctx, key, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// SetProgress caches generation progress information
func (gc *GenerationCache) SetProgress(ctx context.Context, jobID string, progress *GenerationProgress) error {
	key := CacheKey{Prefix: PrefixGenProgress, ID: jobID}
	return gc.service.Set(ctx, key, progress, 5*time.Minute)
}

// GetProgress retrieves cached generation progress
func (gc *GenerationCache) GetProgress(ctx context.Context, jobID string) (*GenerationProgress, error) {
	key := CacheKey{Prefix: PrefixGenProgress, ID: jobID}
	var progress GenerationProgress
	if err := gc.service.Get(ctx, key, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// SetStoryMetadata caches story metadata
func (gc *GenerationCache) SetStoryMetadata(ctx context.Context, storyID string, metadata *StoryMetadata) error {
	key := CacheKey{Prefix: PrefixStory, ID: storyID}
	return gc.service.Set(ctx, key, metadata, gc.service.config.StoryTTL)
}

// GetStoryMetadata retrieves cached story metadata
func (gc *GenerationCache) GetStoryMetadata(ctx context.Context, storyID string) (*StoryMetadata, error) {
	key := CacheKey{Prefix: PrefixStory, ID: storyID}
	var metadata StoryMetadata
	if err := gc.service.Get(ctx, key, &metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

// SetModelState records which model an engine currently has loaded
func (gc *GenerationCache) SetModelState(ctx context.Context, engineName string, state *ModelState) error {
	key := CacheKey{Prefix: PrefixModelState, ID: engineName}
	return gc.service.Set(ctx, key, state, gc.service.config.ModelStateTTL)
}

// GetModelState retrieves the cached model state for an engine
func (gc *GenerationCache) GetModelState(ctx context.Context, engineName string) (*ModelState, error) {
	key := CacheKey{Prefix: PrefixModelState, ID: engineName}
	var state ModelState
	if err := gc.service.Get(ctx, key, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// FlushModelState drops the cached model state for an engine, forcing
// the next generation to reload from scratch. Recovery procedures call
// this after model loading failures.
func (gc *GenerationCache) FlushModelState(ctx context.Context, engineName string) error {
	key := CacheKey{Prefix: PrefixModelState, ID: engineName}
	return gc.service.Delete(ctx, key)
}

// SetEngineHealth caches an engine health snapshot
func (gc *GenerationCache) SetEngineHealth(ctx context.Context, engineName string, health *EngineHealth) error {
	key := CacheKey{Prefix: PrefixEngineHealth, ID: engineName}
	return gc.service.Set(ctx, key, health, gc.service.config.DefaultTTL)
}

// GetEngineHealth retrieves a cached engine health snapshot
func (gc *GenerationCache) GetEngineHealth(ctx context.Context, engineName string) (*EngineHealth, error) {
	key := CacheKey{Prefix: PrefixEngineHealth, ID: engineName}
	var health EngineHealth
	if err := gc.service.Get(ctx, key, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// InvalidateGeneration removes all cached data for a generation job
func (gc *GenerationCache) InvalidateGeneration(ctx context.Context, jobID string) error {
	keys := []CacheKey{
		{Prefix: PrefixGenResult, ID: jobID},
		{Prefix: PrefixGenStatus, ID: jobID},
		{Prefix: PrefixArtifacts, ID: jobID},
		{Prefix: PrefixGenProgress, ID: jobID},
	}

	for _, key := range keys {
		if err := gc.service.Delete(ctx, key); err != nil {
			continue
		}
	}

	return nil
}

// InvalidateStory removes cached metadata for a story
func (gc *GenerationCache) InvalidateStory(ctx context.Context, storyID string) error {
	key := CacheKey{Prefix: PrefixStory, ID: storyID}
	return gc.service.Delete(ctx, key)
}

// InvalidateEngine removes health and model state for an engine
func (gc *GenerationCache) InvalidateEngine(ctx context.Context, engineName string) error {
	keys := []CacheKey{
		{Prefix: PrefixEngineHealth, ID: engineName},
		{Prefix: PrefixModelState, ID: engineName},
	}

	for _, key := range keys {
		if err := gc.service.Delete(ctx, key); err != nil {
			continue
		}
	}

	return nil
}

// GenerationProgress represents generation execution progress
type GenerationProgress struct {
	JobID           string                  `json:"job_id"`
	Status          engine.GenerationStatus `json:"status"`
	StartedAt       time.Time               `json:"started_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	TotalStages     int                     `json:"total_stages"`
	CompletedStages int                     `json:"completed_stages"`
	FailedStages    int                     `json:"failed_stages"`
	StageProgress   map[string]StageStatus  `json:"stage_progress"`
	EstimatedETA    *time.Time              `json:"estimated_eta,omitempty"`
}

// StageStatus represents execution status of a single pipeline stage
type StageStatus struct {
	Name        string                  `json:"name"`
	Status      engine.GenerationStatus `json:"status"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Progress    float64                 `json:"progress"` // 0.0 to 1.0
}

// StoryMetadata represents cached story information
type StoryMetadata struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Style           string            `json:"style"`
	SceneCount      int               `json:"scene_count"`
	LastGeneratedAt *time.Time        `json:"last_generated_at,omitempty"`
	GenerationCount int64             `json:"generation_count"`
	Settings        map[string]string `json:"settings"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ModelState represents the model an engine currently has loaded
type ModelState struct {
	EngineName   string    `json:"engine_name"`
	ModelName    string    `json:"model_name"`
	ModelVersion string    `json:"model_version"`
	LoadedAt     time.Time `json:"loaded_at"`
	VRAMBytes    int64     `json:"vram_bytes,omitempty"`
	Healthy      bool      `json:"healthy"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EngineHealth represents a cached engine health snapshot
type EngineHealth struct {
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	LatencyMS  int64     `json:"latency_ms"`
	QueueDepth int       `json:"queue_depth"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Helper function to convert typed slice to interface slice
func interfaceSlice[T any](slice []T) []interface{} {
	result := make([]interface{}, len(slice))
	for i, v := range slice {
		result[i] = v
	}
	return result
}
