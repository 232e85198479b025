package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge/internal/cache"
	"github.com/storyforge/storyforge/internal/pipeline"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/errors"
)

// StatsHandler serves aggregated statistics from the stats cache
// combined with live engine state
type StatsHandler struct {
	stats   *cache.StatsCache
	store   cache.GenerationStore
	engines *pipeline.EngineManager
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(stats *cache.StatsCache, store cache.GenerationStore, engines *pipeline.EngineManager) *StatsHandler {
	return &StatsHandler{
		stats:   stats,
		store:   store,
		engines: engines,
	}
}

// EngineStatsEntry aggregates live engine state with cached performance
// metrics for a single engine
type EngineStatsEntry struct {
	Name           string                          `json:"name"`
	Status         pipeline.EngineStatus           `json:"status"`
	Endpoint       string                          `json:"endpoint"`
	SupportedTypes []engine.MediaType              `json:"supported_types"`
	LastCheck      time.Time                       `json:"last_check"`
	LastError      string                          `json:"last_error,omitempty"`
	Performance    *cache.EnginePerformanceMetrics `json:"performance,omitempty"`
	RecentAverage  time.Duration                   `json:"recent_average_duration,omitempty"`
	ModelState     *cache.ModelState               `json:"model_state,omitempty"`
}

// GetDashboardStats returns cached dashboard statistics
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	scope := c.DefaultQuery("scope", "global")

	stats, err := h.stats.GetDashboardStats(c.Request.Context(), scope)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, stats)
}

// GetStoryStats returns cached statistics for a single story
func (h *StatsHandler) GetStoryStats(c *gin.Context) {
	storyID := c.Param("id")
	if storyID == "" {
		BadRequestResponse(c, "Invalid story ID")
		return
	}

	stats, err := h.stats.GetStoryStats(c.Request.Context(), storyID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, stats)
}

// GetEngineStats returns per-engine statistics for all registered engines
func (h *StatsHandler) GetEngineStats(c *gin.Context) {
	managerStats := h.engines.GetStats()

	entries := make([]EngineStatsEntry, 0, len(managerStats.Engines))
	for _, name := range h.engines.ListEngines() {
		entries = append(entries, h.engineEntry(c, name, managerStats.Engines[name], false))
	}

	SuccessResponse(c, map[string]interface{}{
		"engines":           entries,
		"total_engines":     managerStats.TotalEngines,
		"healthy_engines":   managerStats.HealthyEngines,
		"unhealthy_engines": managerStats.UnhealthyEngines,
		"uptime":            managerStats.Uptime,
	})
}

// GetEngineStatsDetail returns statistics for a single engine, including
// its cached model state
func (h *StatsHandler) GetEngineStatsDetail(c *gin.Context) {
	name := c.Param("name")

	if _, err := h.engines.GetEngine(name); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	managerStats := h.engines.GetStats()
	entry := h.engineEntry(c, name, managerStats.Engines[name], true)

	SuccessResponse(c, entry)
}

// GetSystemMetrics returns the latest platform-wide metrics snapshot
func (h *StatsHandler) GetSystemMetrics(c *gin.Context) {
	metrics, err := h.stats.GetSystemMetrics(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, metrics)
}

// engineEntry composes live engine stats with cached performance data.
// Cache misses are expected for engines that have not completed any
// generations yet and are not treated as errors.
func (h *StatsHandler) engineEntry(c *gin.Context, name string, live pipeline.EngineStats, includeModel bool) EngineStatsEntry {
	ctx := c.Request.Context()

	entry := EngineStatsEntry{
		Name:           name,
		Status:         live.Status,
		Endpoint:       live.Endpoint,
		SupportedTypes: live.SupportedTypes,
		LastCheck:      live.LastCheck,
		LastError:      live.LastError,
	}

	if perf, err := h.stats.GetEnginePerformance(ctx, name); err == nil {
		entry.Performance = perf
	} else if !errors.IsNotFound(err) {
		entry.LastError = err.Error()
	}

	if avg, err := h.stats.GetAverageGenerationDuration(ctx, name, 24); err == nil {
		entry.RecentAverage = avg
	}

	if includeModel {
		if state, err := h.store.GetModelState(ctx, name); err == nil {
			entry.ModelState = state
		}
	}

	return entry
}
