package cache

import (
	"context"
	"fmt"
	"time"
)

// StatsCache provides caching for generation statistics and metrics
type StatsCache struct {
	service *Service
}

// NewStatsCache creates a new statistics cache
func NewStatsCache(service *Service) *StatsCache {
	return &StatsCache{
		service: service,
	}
}

// IncrementGenerationCount increments the generation counter for a story
func (sc *StatsCache) IncrementGenerationCount(ctx context.Context, storyID string) (int64, error) {
	key := CacheKey{Prefix: "gen_count", ID: storyID}
	return sc.service.Increment(ctx, key, 1, 24*time.Hour)
}

// IncrementFailureCount increments the failure counter for an engine by error category
func (sc *StatsCache) IncrementFailureCount(ctx context.Context, engineName, category string) (int64, error) {
	key := CacheKey{Prefix: "failure_count", ID: fmt.Sprintf("%s:%s", engineName, category)}
	return sc.service.Increment(ctx, key, 1, 24*time.Hour)
}

// SetDashboardStats caches dashboard statistics
func (sc *StatsCache) SetDashboardStats(ctx context.Context, userID string, stats *DashboardStats) error {
	key := CacheKey{Prefix: "dashboard_stats", ID: userID}
	return sc.service.Set(ctx, key, stats, 15*time.Minute)
}

// GetDashboardStats retrieves cached dashboard statistics
func (sc *StatsCache) GetDashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	key := CacheKey{Prefix: "dashboard_stats", ID: userID}
	var stats DashboardStats
	if err := sc.service.Get(ctx, key, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SetStoryStats caches story-specific statistics
func (sc *StatsCache) SetStoryStats(ctx context.Context, storyID string, stats *StoryStats) error {
	key := CacheKey{Prefix: "story_stats", ID: storyID}
	return sc.service.Set(ctx, key, stats, 30*time.Minute)
}

// GetStoryStats retrieves cached story statistics
func (sc *StatsCache) GetStoryStats(ctx context.Context, storyID string) (*StoryStats, error) {
	key := CacheKey{Prefix: "story_stats", ID: storyID}
	var stats StoryStats
	if err := sc.service.Get(ctx, key, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SetEnginePerformance caches engine performance metrics
func (sc *StatsCache) SetEnginePerformance(ctx context.Context, engineName string, metrics *EnginePerformanceMetrics) error {
	key := CacheKey{Prefix: "engine_perf", ID: engineName}
	return sc.service.Set(ctx, key, metrics, 1*time.Hour)
}

// GetEnginePerformance retrieves cached engine performance metrics
func (sc *StatsCache) GetEnginePerformance(ctx context.Context, engineName string) (*EnginePerformanceMetrics, error) {
	key := CacheKey{Prefix: "engine_perf", ID: engineName}
	var metrics EnginePerformanceMetrics
	if err := sc.service.Get(ctx, key, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// RecordGenerationDuration records generation time for performance tracking
func (sc *StatsCache) RecordGenerationDuration(ctx context.Context, engineName string, duration time.Duration) error {
	key := CacheKey{Prefix: "gen_duration", ID: fmt.Sprintf("%s:%d", engineName, time.Now().Unix()/3600)}

	// Store duration in milliseconds
	durationMs := duration.Milliseconds()
	_, err := sc.service.Increment(ctx, key, durationMs, 24*time.Hour)
	return err
}

// GetAverageGenerationDuration calculates average generation duration for an engine
func (sc *StatsCache) GetAverageGenerationDuration(ctx context.Context, engineName string, hours int) (time.Duration, error) {
	var totalDuration int64
	var count int64

	now := time.Now().Unix() / 3600
	for i := 0; i < hours; i++ {
		key := CacheKey{Prefix: "gen_duration", ID: fmt.Sprintf("%s:%d", engineName, now-int64(i))}
		duration, err := sc.service.GetCounter(ctx, key)
		if err == nil && duration > 0 {
			totalDuration += duration
			count++
		}
	}

	if count == 0 {
		return 0, nil
	}

	avgMs := totalDuration / count
	return time.Duration(avgMs) * time.Millisecond, nil
}

// SetSystemMetrics caches system-wide performance metrics
func (sc *StatsCache) SetSystemMetrics(ctx context.Context, metrics *SystemMetrics) error {
	key := CacheKey{Prefix: "system_metrics", ID: "current"}
	return sc.service.Set(ctx, key, metrics, 5*time.Minute)
}

// GetSystemMetrics retrieves cached system metrics
func (sc *StatsCache) GetSystemMetrics(ctx context.Context) (*SystemMetrics, error) {
	key := CacheKey{Prefix: "system_metrics", ID: "current"}
	var metrics SystemMetrics
	if err := sc.service.Get(ctx, key, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// InvalidateStatsCache removes all cached statistics
func (sc *StatsCache) InvalidateStatsCache(ctx context.Context) error {
	patterns := []string{
		"dashboard_stats:*",
		"story_stats:*",
		"engine_perf:*",
		"system_metrics:*",
	}

	for _, pattern := range patterns {
		if err := sc.service.InvalidatePattern(ctx, pattern); err != nil {
			return err
		}
	}

	return nil
}

// DashboardStats represents cached dashboard statistics
type DashboardStats struct {
	TotalGenerations  int64                  `json:"total_generations"`
	TotalArtifacts    int64                  `json:"total_artifacts"`
	GenerationsByType map[string]int64       `json:"generations_by_type"`
	RecentGenerations []RecentGenerationInfo `json:"recent_generations"`
	TrendData         []TrendDataPoint       `json:"trend_data"`
	TopStories        []StorySummary         `json:"top_stories"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// StoryStats represents cached story statistics
type StoryStats struct {
	StoryID           string           `json:"story_id"`
	TotalGenerations  int64            `json:"total_generations"`
	TotalArtifacts    int64            `json:"total_artifacts"`
	GenerationsByType map[string]int64 `json:"generations_by_type"`
	FailuresByEngine  map[string]int64 `json:"failures_by_engine"`
	AverageGenTime    time.Duration    `json:"average_gen_time"`
	LastGeneratedAt   *time.Time       `json:"last_generated_at"`
	TrendData         []TrendDataPoint `json:"trend_data"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// EnginePerformanceMetrics represents cached engine performance data
type EnginePerformanceMetrics struct {
	EngineName       string        `json:"engine_name"`
	TotalExecutions  int64         `json:"total_executions"`
	SuccessfulRuns   int64         `json:"successful_runs"`
	FailedRuns       int64         `json:"failed_runs"`
	AverageRunTime   time.Duration `json:"average_run_time"`
	AverageArtifacts float64       `json:"average_artifacts"`
	SuccessRate      float64       `json:"success_rate"`
	LastExecutionAt  *time.Time    `json:"last_execution_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SystemMetrics represents cached system-wide metrics
type SystemMetrics struct {
	ActiveGenerations   int64         `json:"active_generations"`
	QueuedGenerations   int64         `json:"queued_generations"`
	TotalEngines        int           `json:"total_engines"`
	HealthyEngines      int           `json:"healthy_engines"`
	GPUUtilization      float64       `json:"gpu_utilization"`
	VRAMUsageMB         float64       `json:"vram_usage_mb"`
	RedisConnections    int           `json:"redis_connections"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// RecentGenerationInfo represents information about recent generations
type RecentGenerationInfo struct {
	JobID         string        `json:"job_id"`
	StoryTitle    string        `json:"story_title"`
	MediaType     string        `json:"media_type"`
	Status        string        `json:"status"`
	ArtifactCount int           `json:"artifact_count"`
	Duration      time.Duration `json:"duration"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// TrendDataPoint represents a data point in trend analysis
type TrendDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int64     `json:"value"`
	Label     string    `json:"label,omitempty"`
}

// StorySummary represents summary information about a story
type StorySummary struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	GenerationCount int64      `json:"generation_count"`
	ArtifactCount   int64      `json:"artifact_count"`
	LastGeneratedAt *time.Time `json:"last_generated_at"`
}
