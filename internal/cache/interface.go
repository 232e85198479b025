package cache

import (
	"context"
	"time"

	"github.com/storyforge/storyforge/pkg/engine"
)

// GenerationStore defines the cache operations consumed by the generation pipeline
type GenerationStore interface {
	// SetResult caches the final result of a generation job
	SetResult(ctx context.Context, jobID string, result *engine.GenerationResult) error

	// GetResult retrieves a cached generation result
	GetResult(ctx context.Context, jobID string) (*engine.GenerationResult, error)

	// SetStatus caches the current status of a generation job
	SetStatus(ctx context.Context, jobID string, status engine.GenerationStatus) error

	// GetStatus retrieves the cached status of a generation job
	GetStatus(ctx context.Context, jobID string) (engine.GenerationStatus, error)

	// SetArtifacts caches the artifacts produced by a generation job
	SetArtifacts(ctx context.Context, jobID string, artifacts []engine.Artifact) error

	// GetArtifacts retrieves cached artifacts for a generation job
	GetArtifacts(ctx context.Context, jobID string) ([]engine.Artifact, error)

	// SetProgress caches per-stage progress for a generation job
	SetProgress(ctx context.Context, jobID string, progress *GenerationProgress) error

	// GetProgress retrieves cached per-stage progress for a generation job
	GetProgress(ctx context.Context, jobID string) (*GenerationProgress, error)

	// SetStoryMetadata caches derived metadata for a story
	SetStoryMetadata(ctx context.Context, storyID string, metadata *StoryMetadata) error

	// GetStoryMetadata retrieves cached story metadata
	GetStoryMetadata(ctx context.Context, storyID string) (*StoryMetadata, error)

	// SetModelState caches the loaded-model state of an engine
	SetModelState(ctx context.Context, engineName string, state *ModelState) error

	// GetModelState retrieves the cached model state of an engine
	GetModelState(ctx context.Context, engineName string) (*ModelState, error)

	// FlushModelState drops the cached model state, forcing a reload on next use
	FlushModelState(ctx context.Context, engineName string) error

	// SetEngineHealth caches an engine health snapshot
	SetEngineHealth(ctx context.Context, engineName string, health *EngineHealth) error

	// GetEngineHealth retrieves a cached engine health snapshot
	GetEngineHealth(ctx context.Context, engineName string) (*EngineHealth, error)

	// InvalidateGeneration removes all cached entries for a generation job
	InvalidateGeneration(ctx context.Context, jobID string) error

	// InvalidateStory removes cached metadata for a story
	InvalidateStory(ctx context.Context, storyID string) error

	// InvalidateEngine removes cached state for an engine
	InvalidateEngine(ctx context.Context, engineName string) error
}

// StatsStore defines the statistics operations consumed by the generation pipeline
type StatsStore interface {
	// IncrementGenerationCount increments the completed-generation counter for a story
	IncrementGenerationCount(ctx context.Context, storyID string) (int64, error)

	// IncrementFailureCount increments a per-engine failure counter by error category
	IncrementFailureCount(ctx context.Context, engineName, category string) (int64, error)

	// RecordGenerationDuration records how long an engine took to complete a generation
	RecordGenerationDuration(ctx context.Context, engineName string, duration time.Duration) error

	// GetAverageGenerationDuration returns the average generation duration over recent hours
	GetAverageGenerationDuration(ctx context.Context, engineName string, hours int) (time.Duration, error)

	// SetEnginePerformance caches aggregated performance metrics for an engine
	SetEnginePerformance(ctx context.Context, engineName string, metrics *EnginePerformanceMetrics) error

	// GetEnginePerformance retrieves cached performance metrics for an engine
	GetEnginePerformance(ctx context.Context, engineName string) (*EnginePerformanceMetrics, error)

	// SetSystemMetrics caches platform-wide metrics
	SetSystemMetrics(ctx context.Context, metrics *SystemMetrics) error

	// GetSystemMetrics retrieves cached platform-wide metrics
	GetSystemMetrics(ctx context.Context) (*SystemMetrics, error)
}

// Ensure the cache implementations satisfy the pipeline-facing interfaces
var (
	_ GenerationStore = (*GenerationCache)(nil)
	_ StatsStore      = (*StatsCache)(nil)
)
